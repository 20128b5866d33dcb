package headless

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

type semaphore struct {
	id       uint64
	mu       sync.Mutex
	signaled chan struct{}
	isSet    bool
}

func newSemaphore(id uint64) *semaphore {
	return &semaphore{id: id, signaled: make(chan struct{})}
}

// signal reports false if the semaphore already carried an unconsumed signal.
func (s *semaphore) signal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSet {
		return false
	}
	s.isSet = true
	close(s.signaled)
	return true
}

func (s *semaphore) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

func (s *semaphore) consume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSet {
		s.isSet = false
		s.signaled = make(chan struct{})
	}
}

type image struct {
	id     uint64
	mu     sync.Mutex
	layout gpu.ImageLayout
	extent gpu.Extent2D
	format gpu.Format
	clears int
}

func (i *image) currentLayout() gpu.ImageLayout {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.layout
}

type imageView struct {
	image *image
}

// Surface is a simulated presentation surface.
type Surface struct {
	mu     sync.Mutex
	extent gpu.Extent2D
}

type swapchain struct {
	id       uint64
	surface  *Surface
	images   []*image
	next     uint32
	acquired []bool
	retired  bool
	stale    bool
}

type commandState uint8

const (
	commandStateInitial commandState = iota
	commandStateRecording
	commandStateExecutable
	commandStatePending
)

type commandKind uint8

const (
	commandTransition commandKind = iota
	commandClear
)

type command struct {
	kind    commandKind
	image   *image
	barrier gpu.ImageBarrier
	layout  gpu.ImageLayout
}

type commandBuffer struct {
	id       uint64
	family   gpu.QueueFamily
	mu       sync.Mutex
	state    commandState
	commands []command
}

type encoder struct {
	backend *Backend
	cb      *commandBuffer
}

var _ gpu.CommandEncoder = &encoder{}

func (e *encoder) TransitionImageLayout(barrier gpu.ImageBarrier) {
	img, ok := barrier.Image.Native().(*image)
	if !ok {
		e.backend.violation("transition of an invalid image")
		return
	}
	e.cb.mu.Lock()
	e.cb.commands = append(e.cb.commands, command{kind: commandTransition, image: img, barrier: barrier})
	e.cb.mu.Unlock()
}

func (e *encoder) ClearColorImage(target gpu.Image, layout gpu.ImageLayout, _ [4]float32) {
	img, ok := target.Native().(*image)
	if !ok {
		e.backend.violation("clear of an invalid image")
		return
	}
	e.cb.mu.Lock()
	e.cb.commands = append(e.cb.commands, command{kind: commandClear, image: img, layout: layout})
	e.cb.mu.Unlock()
}

func (e *encoder) Native() any { return e.cb }

func (e *encoder) End() error {
	e.cb.mu.Lock()
	defer e.cb.mu.Unlock()
	if e.cb.state != commandStateRecording {
		e.backend.violation("command buffer %d ended while not recording", e.cb.id)
		return gpu.ErrUnsupported
	}
	e.cb.state = commandStateExecutable
	return nil
}
