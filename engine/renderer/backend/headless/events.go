package headless

import "github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"

// EventKind identifies a recorded device event.
type EventKind uint8

const (
	EventAcquire EventKind = iota
	EventSubmit
	EventPresent
)

func (k EventKind) String() string {
	switch k {
	case EventAcquire:
		return "acquire"
	case EventSubmit:
		return "submit"
	case EventPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Event is one observable action of the simulated device, recorded when the GPU side executes it.
type Event struct {
	Kind       EventKind
	Family     gpu.QueueFamily
	ImageIndex uint32
	Waits      []uint64
	Signals    []uint64
	Fence      bool
	Buffers    int
}

// SemaphoreID returns the identifier that events use for a semaphore, or 0 for an invalid view.
func SemaphoreID(v gpu.SemaphoreView) uint64 {
	if s, ok := v.Native().(*semaphore); ok {
		return s.id
	}
	return 0
}

// IsSemaphoreSignaled reports whether the semaphore of v carries a signal no submission waited on yet.
func IsSemaphoreSignaled(v gpu.SemaphoreView) bool {
	s, ok := v.Native().(*semaphore)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSet
}

// ImageLayout returns the layout a simulated image is in on the GPU timeline.
func ImageLayout(img gpu.Image) gpu.ImageLayout {
	if i, ok := img.Native().(*image); ok {
		return i.currentLayout()
	}
	return gpu.ImageLayoutUndefined
}

// ClearCount returns how many clears executed on a simulated image.
func ClearCount(img gpu.Image) int {
	if i, ok := img.Native().(*image); ok {
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.clears
	}
	return 0
}
