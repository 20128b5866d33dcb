package headless

import (
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// BackendBuilderOption is a functional option applied to a Backend during construction via NewBackend.
type BackendBuilderOption func(*Backend)

// WithExecutionDelay makes every submission take at least d on its queue.
//
// Parameters:
//   - d: the simulated execution time of one submission
//
// Returns:
//   - BackendBuilderOption: a function that applies the execution delay option to a backend
func WithExecutionDelay(d time.Duration) BackendBuilderOption {
	return func(b *Backend) {
		b.executionDelay = d
	}
}

// WithWaitTimeout sets how long a queue waits on an unsignaled semaphore before reporting a violation.
//
// Parameters:
//   - d: the semaphore wait timeout
//
// Returns:
//   - BackendBuilderOption: a function that applies the wait timeout option to a backend
func WithWaitTimeout(d time.Duration) BackendBuilderOption {
	return func(b *Backend) {
		b.waitTimeout = d
	}
}

// WithSurfaceCapabilities replaces the limits reported for every surface. CurrentExtent is always the surface size.
//
// Parameters:
//   - caps: the surface capabilities to report
//
// Returns:
//   - BackendBuilderOption: a function that applies the surface capabilities option to a backend
func WithSurfaceCapabilities(caps gpu.SurfaceCapabilities) BackendBuilderOption {
	return func(b *Backend) {
		b.surfaceCaps = caps
	}
}
