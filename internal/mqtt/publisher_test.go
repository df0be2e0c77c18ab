package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/backlog-assistant/internal/config"
	"github.com/nugget/backlog-assistant/internal/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return &paho.PublishResponse{}, r.err
}

func (r *recordingPublisher) published() []*paho.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*paho.Publish(nil), r.sent...)
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Len(t, strings.Split(first, "-"), 5)

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	require.NoError(t, err)
	assert.Equal(t, first, strings.TrimSpace(string(data)))

	second, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTopics(t *testing.T) {
	f := New(config.MQTTConfig{TopicPrefix: "games"}, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", nil, nil)
	assert.Equal(t, "games/0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b/events/tool_call", f.EventTopic(events.KindToolCall))
	assert.Equal(t, "games/0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b/availability", f.availabilityTopic())

	f = New(config.MQTTConfig{}, "", nil, nil)
	assert.Equal(t, "backlog/events/llm_call", f.EventTopic(events.KindLLMCall))
}

func TestClientID(t *testing.T) {
	f := New(config.MQTTConfig{ClientID: "assistant"}, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", nil, nil)
	assert.Equal(t, "assistant-2e3f4a5b", f.clientID())

	f = New(config.MQTTConfig{}, "", nil, nil)
	assert.Equal(t, "backlog-assistant", f.clientID())
}

func TestForward(t *testing.T) {
	f := New(config.MQTTConfig{TopicPrefix: "backlog"}, "", nil, nil)
	pub := &recordingPublisher{}
	ch := make(chan events.Event, 2)
	ch <- events.Event{Source: events.SourceEngine, Kind: events.KindToolCall, Data: map[string]any{"tool": "get_user_backlog"}}
	ch <- events.Event{Source: events.SourceEngine, Kind: events.KindRequestComplete}
	close(ch)

	f.forward(context.Background(), pub, ch)

	sent := pub.published()
	require.Len(t, sent, 2)
	assert.Equal(t, "backlog/events/tool_call", sent[0].Topic)
	assert.Equal(t, "backlog/events/request_complete", sent[1].Topic)
	assert.False(t, sent[0].Retain)

	var got events.Event
	require.NoError(t, json.Unmarshal(sent[0].Payload, &got))
	assert.Equal(t, "get_user_backlog", got.Data["tool"])
}

func TestForwardStopsOnCancel(t *testing.T) {
	f := New(config.MQTTConfig{}, "", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.forward(ctx, &recordingPublisher{}, make(chan events.Event))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not return after cancel")
	}
}

func TestForwardSurvivesPublishErrors(t *testing.T) {
	f := New(config.MQTTConfig{}, "", nil, nil)
	pub := &recordingPublisher{err: errors.New("not connected")}
	ch := make(chan events.Event, 2)
	ch <- events.Event{Kind: events.KindLLMCall}
	ch <- events.Event{Kind: events.KindLLMResponse}
	close(ch)

	f.forward(context.Background(), pub, ch)
	assert.Len(t, pub.published(), 2)
}

func TestPublishAvailability(t *testing.T) {
	f := New(config.MQTTConfig{}, "", nil, nil)
	pub := &recordingPublisher{}
	f.publishAvailability(context.Background(), pub, "online")

	sent := pub.published()
	require.Len(t, sent, 1)
	assert.Equal(t, "backlog/availability", sent[0].Topic)
	assert.Equal(t, "online", string(sent[0].Payload))
	assert.True(t, sent[0].Retain)
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, New(config.MQTTConfig{}, "", nil, nil).Stop(context.Background()))
}

func TestForwardUsesInstanceTopics(t *testing.T) {
	f := New(config.MQTTConfig{TopicPrefix: "backlog"}, "host-a", nil, nil)
	pub := &recordingPublisher{}
	ch := make(chan events.Event, 1)
	ch <- events.Event{Source: events.SourceEngine, Kind: events.KindRequestComplete}
	close(ch)

	f.forward(context.Background(), pub, ch)
	f.publishAvailability(context.Background(), pub, "online")

	sent := pub.published()
	require.Len(t, sent, 2)
	assert.Equal(t, "backlog/host-a/events/request_complete", sent[0].Topic)
	assert.Equal(t, "backlog/host-a/availability", sent[1].Topic)
}

// Stop runs on the shutdown goroutine while Start is still connecting.
// Run with -race.
func TestStopDuringStart(t *testing.T) {
	bus := events.New()
	f := New(config.MQTTConfig{Broker: "mqtt://127.0.0.1:1"}, "host-a", bus, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- f.Start(ctx) }()

	for i := 0; i < 5; i++ {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = f.Stop(stopCtx)
		stopCancel()
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after its context ended")
	}
}
