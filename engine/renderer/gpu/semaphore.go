package gpu

import "fmt"

// SemaphoreView is a non-owning, comparable reference to a backend semaphore.
// The zero value is an invalid view.
type SemaphoreView struct {
	native any
}

// NewSemaphoreView wraps a backend-native semaphore handle. Used by backend implementations.
func NewSemaphoreView(native any) SemaphoreView {
	return SemaphoreView{native: native}
}

// IsValid reports whether the view refers to a semaphore.
func (v SemaphoreView) IsValid() bool {
	return v.native != nil
}

// Native returns the backend-native handle.
func (v SemaphoreView) Native() any {
	return v.native
}

// Semaphore owns a backend semaphore. It must be destroyed through Destroy
// (or a deferred-destruction queue) once the GPU no longer uses it.
type Semaphore struct {
	view SemaphoreView
}

// NewSemaphore creates a semaphore on the given backend.
//
// Parameters:
//   - b: the backend that creates and later destroys the semaphore
//
// Returns:
//   - Semaphore: the owning handle
//   - error: an error if the backend could not create the semaphore
func NewSemaphore(b Backend) (Semaphore, error) {
	native, err := b.CreateSemaphore()
	if err != nil {
		return Semaphore{}, fmt.Errorf("create semaphore: %w", err)
	}
	return Semaphore{view: SemaphoreView{native: native}}, nil
}

// View returns a non-owning view of the semaphore.
func (s Semaphore) View() SemaphoreView {
	return s.view
}

// IsValid reports whether the semaphore is still owned.
func (s Semaphore) IsValid() bool {
	return s.view.IsValid()
}

// Destroy releases the semaphore. Destroying an invalid semaphore is a no-op.
func (s *Semaphore) Destroy(b Backend) {
	if !s.view.IsValid() {
		return
	}
	b.DestroySemaphore(s.view.native)
	s.view = SemaphoreView{}
}
