// Package bus provides a runner.Service that owns an embedded NATS
// server and an event bus wired with the NATS adapter. It is the
// composition root a framework uses to get a fully working bus with
// lifecycle management, health checks and optional tracing.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	eventbus "github.com/verbeek/eventcore/pkg/bus"
	natsadapter "github.com/verbeek/eventcore/pkg/bus/nats"
	"github.com/verbeek/eventcore/pkg/emitter"
	"github.com/verbeek/eventcore/pkg/natsinfra"
	"github.com/verbeek/eventcore/pkg/observability"
	"github.com/verbeek/eventcore/pkg/runner"
)

// adapterName is the registration name of the NATS adapter on the bus.
const adapterName = "nats"

// Service wraps an embedded NATS server and a Bus as a runner.Service.
type Service struct {
	config  natsadapter.Config
	server  *natsinfra.EmbeddedServer
	bus     *eventbus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures the bus service.
type Option func(*Service)

// WithConfig sets the NATS adapter configuration. The URL is replaced
// with the embedded server URL on start.
func WithConfig(config natsadapter.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithMetrics installs metric instruments on the bus and its emitter,
// recording local emits, handler failures, publish counts and latency,
// and adapter failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a bus service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		config: natsadapter.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "eventbus"
}

// Start starts the embedded NATS server, creates the bus and connects
// the NATS adapter.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	s.logger.Info("starting eventbus service")

	srv, err := natsinfra.StartEmbeddedServer(s.logger)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	s.server = srv
	s.config.URL = srv.URL()

	busOpts := []eventbus.Option{eventbus.WithLogger(s.logger)}
	if s.metrics != nil {
		em := emitter.New(
			emitter.WithLogger(s.logger),
			emitter.WithMiddleware(observability.EmitterMetrics(s.metrics)),
		)
		busOpts = append(busOpts,
			eventbus.WithEmitter(em),
			eventbus.WithMetricsRecorder(observability.BusMetrics(s.metrics)),
		)
	}

	b := eventbus.New(busOpts...)
	b.AddAdapter(adapterName, natsadapter.New(s.config))

	if err := b.Connect(ctx); err != nil {
		srv.Shutdown()
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to connect bus adapters", "error", err)
		return fmt.Errorf("connect bus adapters: %w", err)
	}
	s.bus = b

	span.SetAttributes(
		attribute.String("nats.url", srv.URL()),
		attribute.String("stream.name", s.config.StreamName),
	)

	s.logger.Info("eventbus service started",
		"url", srv.URL(),
		"stream", s.config.StreamName)
	return nil
}

// Stop closes the bus, then shuts down the embedded server.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	s.logger.Info("stopping eventbus service")

	if s.bus != nil {
		if err := s.bus.Close(ctx); err != nil {
			s.logger.Warn("error closing bus", "error", err)
		}
		// Give connections time to drain before the server goes away.
		time.Sleep(100 * time.Millisecond)
	}

	if s.server != nil {
		s.server.Shutdown()
	}

	s.logger.Info("eventbus service stopped")
	return nil
}

// HealthCheck verifies the server is responsive and the bus exists.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("nats server not started")
		observability.SetSpanError(ctx, err)
		return err
	}
	if s.bus == nil {
		err := fmt.Errorf("event bus not created")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := s.server.Connect()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()

	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// Bus returns the bus instance. Only available after Start succeeds.
func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// URL returns the embedded NATS server URL after Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var _ runner.Service = (*Service)(nil)
var _ runner.HealthChecker = (*Service)(nil)
