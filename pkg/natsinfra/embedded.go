// Package natsinfra runs an embedded NATS server with JetStream,
// used by the bus runtime service and by adapter tests.
package natsinfra

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server with JetStream
// enabled on a random port.
func StartEmbeddedServer(logger *slog.Logger) (*EmbeddedServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: logger,
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Connect returns a client connection to this server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.url)
}

// Shutdown stops the server, waiting up to five seconds. Safe to call
// multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("embedded NATS server shutdown timed out")
		}
	})
}
