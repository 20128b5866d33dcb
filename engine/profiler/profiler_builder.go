package profiler

import "time"

// ProfilerBuilderOption is a functional option applied to a Profiler during construction via NewProfiler.
type ProfilerBuilderOption func(*Profiler)

// WithUpdateInterval sets how often Tick logs statistics. Zero logs on every tick.
//
// Parameters:
//   - d: the logging interval
//
// Returns:
//   - ProfilerBuilderOption: a function that applies the interval option to a profiler
func WithUpdateInterval(d time.Duration) ProfilerBuilderOption {
	return func(p *Profiler) {
		p.updateInterval = max(d, 0)
	}
}
