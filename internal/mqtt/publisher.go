package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/backlog-assistant/internal/config"
	"github.com/nugget/backlog-assistant/internal/events"
)

// publisher is the part of autopaho.ConnectionManager the forwarder
// needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to the broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager // set by Start
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start].
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.mu.Lock()
	f.cm = cm
	f.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)
	f.forward(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects. It is safe to call from
// another goroutine while Start runs, and before Start has connected.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	cm := f.cm
	f.mu.Unlock()
	if cm == nil {
		return nil
	}
	f.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (f *Forwarder) clientID() string {
	id := f.cfg.ClientID
	if id == "" {
		id = "backlog-assistant"
	}
	if len(f.instanceID) >= 8 {
		id += "-" + f.instanceID[len(f.instanceID)-8:]
	}
	return id
}

func (f *Forwarder) prefix() string {
	if f.cfg.TopicPrefix == "" {
		return "backlog"
	}
	return f.cfg.TopicPrefix
}

// base is <prefix>/<instance>. Without an instance ID the segment is
// left out.
func (f *Forwarder) base() string {
	if f.instanceID == "" {
		return f.prefix()
	}
	return f.prefix() + "/" + f.instanceID
}

func (f *Forwarder) availabilityTopic() string {
	return f.base() + "/availability"
}

// EventTopic is where events of kind are published:
// <prefix>/<instance>/events/<kind>.
func (f *Forwarder) EventTopic(kind string) string {
	return f.base() + "/events/" + kind
}

func (f *Forwarder) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	f.logger.Info("mqtt availability published", "status", status)
}

// forward drains ch until it closes or ctx ends.
func (f *Forwarder) forward(ctx context.Context, pub publisher, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.publishEvent(ctx, pub, e)
		}
	}
}

func (f *Forwarder) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   f.EventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}
