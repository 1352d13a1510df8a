// Package nats implements the bus.Adapter contract on NATS JetStream,
// giving at-least-once delivery to consumers outside the process.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/verbeek/eventcore/pkg/bus"
	"github.com/verbeek/eventcore/pkg/event"
)

// Config holds configuration for the NATS adapter.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream events are published to.
	StreamName string

	// StreamSubjects are the subjects bound to the stream.
	StreamSubjects []string

	// SubjectPrefix prefixes the per-event subject, which is
	// "<prefix>.<topic>".
	SubjectPrefix string

	// MaxAge is how long the stream retains events.
	MaxAge time.Duration

	// MaxBytes caps the stream's storage.
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the adapter.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		SubjectPrefix:  "events",
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// Adapter publishes bus events to a JetStream stream. It satisfies
// bus.Adapter; publish failures are reported as errors for the bus to
// count and log, never as panics.
type Adapter struct {
	cfg Config

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// New creates a disconnected adapter. Connect must be called before
// the first publish, normally by the bus itself.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// Connect dials the server, creates the JetStream context and ensures
// the stream exists.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nc != nil {
		return nil
	}

	nc, err := nats.Connect(a.cfg.URL, nats.Name("eventcore-bus"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := a.ensureStream(js); err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}

	a.nc = nc
	a.js = js
	return nil
}

// ensureStream creates or updates the JetStream stream.
func (a *Adapter) ensureStream(js nats.JetStreamContext) error {
	streamConfig := &nats.StreamConfig{
		Name:      a.cfg.StreamName,
		Subjects:  a.cfg.StreamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    a.cfg.MaxAge,
		MaxBytes:  a.cfg.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := js.StreamInfo(a.cfg.StreamName)
	if err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}

	if info.Config.MaxAge != a.cfg.MaxAge || info.Config.MaxBytes != a.cfg.MaxBytes {
		if _, err := js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	return nil
}

// Disconnect drains the connection. Safe to call when not connected.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nc == nil {
		return nil
	}

	err := a.nc.Drain()
	a.nc = nil
	a.js = nil
	if err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Publish forwards one event to JetStream. The event ID doubles as the
// JetStream message ID for server-side deduplication.
func (a *Adapter) Publish(ctx context.Context, topic string, evt *event.Event) error {
	a.mu.Lock()
	js := a.js
	a.mu.Unlock()

	if js == nil {
		return fmt.Errorf("adapter not connected")
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", evt.ID, err)
	}

	subject := fmt.Sprintf("%s.%s", a.cfg.SubjectPrefix, topic)
	if _, err := js.Publish(subject, data, nats.MsgId(evt.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}
	return nil
}

var _ bus.Adapter = (*Adapter)(nil)
