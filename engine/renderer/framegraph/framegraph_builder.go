package framegraph

import "time"

// FramegraphBuilderOption is a functional option for configuring a Framegraph.
type FramegraphBuilderOption func(*Framegraph)

// WithAcquireTimeout sets how long one image acquisition attempt may wait before the runner yields.
//
// Parameters:
//   - timeout: the timeout of one attempt
//
// Returns:
//   - FramegraphBuilderOption: a function that applies the timeout to a Framegraph
func WithAcquireTimeout(timeout time.Duration) FramegraphBuilderOption {
	return func(f *Framegraph) {
		f.acquireTimeout = timeout
	}
}

// WithFrameObserver registers fn to be called with the statistics of every finished frame.
// fn runs on a job runner and must not block.
func WithFrameObserver(fn func(FrameStats)) FramegraphBuilderOption {
	return func(f *Framegraph) {
		f.observers = append(f.observers, fn)
	}
}
