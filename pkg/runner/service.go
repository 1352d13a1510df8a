package runner

import "context"

// Service is a component with a managed lifecycle. Services are
// started and stopped by the Runner and should implement graceful
// startup and shutdown semantics.
type Service interface {
	// Name returns a unique identifier used in logs and errors.
	Name() string

	// Start initializes the service. It should block until the service
	// is ready and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services implement to report
// health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
