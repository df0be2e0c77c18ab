package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceEngine, Kind: KindRequestStart})
	b.Emit(SourceEngine, KindRequestStart, nil)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceEngine, KindToolCall, map[string]any{"tool": "get_user_backlog"})

	got := receive(t, ch)
	assert.Equal(t, SourceEngine, got.Source)
	assert.Equal(t, KindToolCall, got.Kind)
	assert.Equal(t, "get_user_backlog", got.Data["tool"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublishKeepsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Kind: KindLLMCall})
	assert.Equal(t, ts, receive(t, ch).Timestamp)
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	require.Equal(t, 3, b.SubscriberCount())

	b.Emit(SourceAPI, KindRequestComplete, nil)
	for _, ch := range subs {
		assert.Equal(t, KindRequestComplete, receive(t, ch).Kind)
		b.Unsubscribe(ch)
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestDropWhenFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceEngine, KindLLMCall, nil)
	b.Emit(SourceEngine, KindLLMResponse, nil)

	assert.Equal(t, KindLLMCall, receive(t, ch).Kind)
	select {
	case e := <-ch:
		t.Fatalf("expected dropped event, got %v", e)
	default:
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(1000)
	defer b.Unsubscribe(ch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(SourceEngine, KindToolDone, nil)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}
