package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
)

// FenceStatus is the signaled state of a fence.
type FenceStatus uint8

const (
	FenceStatusUnsignaled FenceStatus = iota
	FenceStatusSignaled
)

// FenceWaitResult is the outcome of waiting on a fence.
type FenceWaitResult uint8

const (
	FenceWaitSuccess FenceWaitResult = iota
	FenceWaitTimeout
	FenceWaitError
)

func (r FenceWaitResult) String() string {
	switch r {
	case FenceWaitSuccess:
		return "Success"
	case FenceWaitTimeout:
		return "Timeout"
	default:
		return "Error"
	}
}

// FenceView is a non-owning, comparable reference to a backend fence.
// The zero value is an invalid view.
type FenceView struct {
	native any
}

// NewFenceView wraps a backend-native fence handle. Used by backend implementations.
func NewFenceView(native any) FenceView {
	return FenceView{native: native}
}

// IsValid reports whether the view refers to a fence.
func (v FenceView) IsValid() bool {
	return v.native != nil
}

// Native returns the backend-native handle.
func (v FenceView) Native() any {
	return v.native
}

// Status queries whether the fence is signaled.
func (v FenceView) Status(b Backend) FenceStatus {
	return b.FenceStatus(v.native)
}

// Wait blocks the calling goroutine until the fence is signaled or the timeout elapses.
func (v FenceView) Wait(b Backend, timeout time.Duration) FenceWaitResult {
	return b.WaitFence(v.native, timeout)
}

// Reset returns the fence to the unsignaled state.
func (v FenceView) Reset(b Backend) {
	b.ResetFence(v.native)
}

// Fence owns a backend fence. It must be destroyed before it is dropped.
type Fence struct {
	view FenceView
}

// NewFence creates a fence in the given initial status.
//
// Parameters:
//   - b: the backend that creates and later destroys the fence
//   - status: the initial status of the fence
//
// Returns:
//   - Fence: the owning handle
//   - error: an error if the backend could not create the fence
func NewFence(b Backend, status FenceStatus) (Fence, error) {
	native, err := b.CreateFence(status == FenceStatusSignaled)
	if err != nil {
		return Fence{}, fmt.Errorf("create fence: %w", err)
	}
	return Fence{view: FenceView{native: native}}, nil
}

// View returns a non-owning view of the fence.
func (f Fence) View() FenceView {
	return f.view
}

// IsValid reports whether the fence is still owned.
func (f Fence) IsValid() bool {
	return f.view.IsValid()
}

// Destroy releases the fence. Destroying an invalid fence is a no-op.
func (f *Fence) Destroy(b Backend) {
	if !f.view.IsValid() {
		return
	}
	b.DestroyFence(f.view.native)
	f.view = FenceView{}
}

// EmulatedFence is a CPU-side fence for backends without a native GPU-to-CPU primitive.
// The backend signals it from its work-done callback.
type EmulatedFence struct {
	mu       sync.Mutex
	signaled chan struct{}
	status   FenceStatus
}

// NewEmulatedFence creates an emulated fence in the given initial status.
func NewEmulatedFence(status FenceStatus) *EmulatedFence {
	f := &EmulatedFence{signaled: make(chan struct{}), status: FenceStatusUnsignaled}
	if status == FenceStatusSignaled {
		f.Signal()
	}
	return f
}

// Signal marks the fence signaled and wakes every waiter. Signaling twice without a reset is a contract violation.
func (f *EmulatedFence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	common.Assert(f.status == FenceStatusUnsignaled, "emulated fence signaled twice")
	if f.status == FenceStatusSignaled {
		return
	}
	f.status = FenceStatusSignaled
	close(f.signaled)
}

// Reset returns the fence to the unsignaled state.
func (f *EmulatedFence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == FenceStatusSignaled {
		f.status = FenceStatusUnsignaled
		f.signaled = make(chan struct{})
	}
}

// Status returns the current status.
func (f *EmulatedFence) Status() FenceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Wait blocks until the fence is signaled or timeout elapses. A negative timeout waits forever.
func (f *EmulatedFence) Wait(timeout time.Duration) FenceWaitResult {
	f.mu.Lock()
	ch := f.signaled
	f.mu.Unlock()

	if timeout < 0 {
		<-ch
		return FenceWaitSuccess
	}
	if timeout == 0 {
		select {
		case <-ch:
			return FenceWaitSuccess
		default:
			return FenceWaitTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return FenceWaitSuccess
	case <-timer.C:
		return FenceWaitTimeout
	}
}
