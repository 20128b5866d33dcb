package headless

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// Backend is a software device implementing gpu.Backend. Queues execute on goroutines in submission order,
// semaphores are binary and must be signaled before their waiters execute, and images track their layout,
// so synchronization mistakes surface as Violations instead of visual corruption.
type Backend struct {
	profile Profile
	caps    gpu.Capabilities

	executionDelay time.Duration
	waitTimeout    time.Duration
	surfaceCaps    gpu.SurfaceCapabilities

	nextID atomic.Uint64

	mu             *sync.Mutex
	events         []Event
	violations     []error
	ticked         []func()
	acquireDelays  int
	liveSemaphores int
	liveFences     int
	liveBuffers    int
	liveViews      int
	liveImages     int
	liveSwapchains int

	queues   []chan func()
	queuesWG sync.WaitGroup
	released atomic.Bool
}

var _ gpu.Backend = &Backend{}

// NewBackend creates a simulated device for the given profile.
//
// Parameters:
//   - profile: the synchronization model to mimic
//   - options: functional options applied to the backend
//
// Returns:
//   - *Backend: the running simulated device
func NewBackend(profile Profile, options ...BackendBuilderOption) *Backend {
	b := &Backend{
		profile:     profile,
		caps:        profile.Capabilities(),
		waitTimeout: 2 * time.Second,
		mu:          &sync.Mutex{},
		surfaceCaps: gpu.SurfaceCapabilities{
			MinImageCount:  2,
			MaxImageCount:  8,
			MinExtent:      gpu.Extent2D{Width: 1, Height: 1},
			MaxExtent:      gpu.Extent2D{Width: 16384, Height: 16384},
			MaxArrayLayers: 1,
			MaxSampleCount: 1,
			SupportedUsage: gpu.ImageUsageColorAttachment | gpu.ImageUsageTransferDst | gpu.ImageUsageTransferSrc,
			Formats:        []gpu.Format{gpu.FormatBGRA8Unorm, gpu.FormatBGRA8Srgb, gpu.FormatRGBA8Unorm},
			PresentModes:   []gpu.PresentMode{gpu.PresentModeFifo, gpu.PresentModeImmediate},
		},
	}
	for _, opt := range options {
		opt(b)
	}

	queueCount := int(gpu.QueueFamilyCount)
	if profile == ProfileWebGPU {
		queueCount = 1
	}
	b.queues = make([]chan func(), queueCount)
	for i := range b.queues {
		q := make(chan func(), 256)
		b.queues[i] = q
		b.queuesWG.Add(1)
		go func() {
			defer b.queuesWG.Done()
			for task := range q {
				task()
			}
		}()
	}
	return b
}

// NewSurface creates a simulated surface of the given size.
func NewSurface(extent gpu.Extent2D) gpu.Surface {
	return gpu.NewSurface(&Surface{extent: extent})
}

// ResizeSurface changes the size of a simulated surface. Swapchains created before report out of date.
func (b *Backend) ResizeSurface(surface gpu.Surface, extent gpu.Extent2D) {
	s := surface.Native().(*Surface)
	s.mu.Lock()
	s.extent = extent
	s.mu.Unlock()
}

// Profile returns the simulated synchronization model.
func (b *Backend) Profile() Profile { return b.profile }

func (b *Backend) Name() string { return "headless-" + b.profile.String() }

func (b *Backend) Capabilities() gpu.Capabilities { return b.caps }

// DelayAcquire makes the next n acquires time out, as if the presentation engine held every image.
func (b *Backend) DelayAcquire(n int) {
	b.mu.Lock()
	b.acquireDelays = n
	b.mu.Unlock()
}

// Events returns a snapshot of the recorded device events.
func (b *Backend) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

// EventsOf returns the recorded events of one kind.
func (b *Backend) EventsOf(kind EventKind) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// AwaitEvents blocks until at least n events of kind were recorded or timeout elapses.
func (b *Backend) AwaitEvents(kind EventKind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(b.EventsOf(kind)) >= n {
			return true
		}
		time.Sleep(200 * time.Microsecond)
	}
	return false
}

// Violations returns every synchronization or usage error the device observed.
func (b *Backend) Violations() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.violations)
}

// LiveSemaphores returns how many semaphores exist.
func (b *Backend) LiveSemaphores() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveSemaphores
}

// LiveFences returns how many fences exist.
func (b *Backend) LiveFences() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveFences
}

// LiveCommandBuffers returns how many command buffers exist.
func (b *Backend) LiveCommandBuffers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveBuffers
}

// LiveImageViews returns how many image views exist.
func (b *Backend) LiveImageViews() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveViews
}

func (b *Backend) violation(format string, args ...any) {
	err := fmt.Errorf("headless: "+format, args...)
	common.Logger().Error("[Headless] violation", "error", err)
	b.mu.Lock()
	b.violations = append(b.violations, err)
	b.mu.Unlock()
}

func (b *Backend) record(e Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *Backend) count(counter *int, delta int) {
	b.mu.Lock()
	*counter += delta
	b.mu.Unlock()
}

func (b *Backend) queue(family gpu.QueueFamily) chan func() {
	if len(b.queues) == 1 {
		return b.queues[0]
	}
	return b.queues[family]
}

func (b *Backend) CreateSemaphore() (any, error) {
	b.count(&b.liveSemaphores, 1)
	return newSemaphore(b.nextID.Add(1)), nil
}

func (b *Backend) DestroySemaphore(native any) {
	if _, ok := native.(*semaphore); !ok {
		b.violation("destroy of a foreign semaphore")
		return
	}
	b.count(&b.liveSemaphores, -1)
}

func (b *Backend) CreateFence(signaled bool) (any, error) {
	b.count(&b.liveFences, 1)
	status := gpu.FenceStatusUnsignaled
	if signaled {
		status = gpu.FenceStatusSignaled
	}
	return gpu.NewEmulatedFence(status), nil
}

func (b *Backend) DestroyFence(native any) {
	if _, ok := native.(*gpu.EmulatedFence); !ok {
		b.violation("destroy of a foreign fence")
		return
	}
	b.count(&b.liveFences, -1)
}

func (b *Backend) FenceStatus(native any) gpu.FenceStatus {
	return native.(*gpu.EmulatedFence).Status()
}

func (b *Backend) WaitFence(native any, timeout time.Duration) gpu.FenceWaitResult {
	return native.(*gpu.EmulatedFence).Wait(timeout)
}

func (b *Backend) ResetFence(native any) {
	native.(*gpu.EmulatedFence).Reset()
}

func (b *Backend) CreateCommandBuffer(family gpu.QueueFamily) (gpu.CommandBuffer, error) {
	b.count(&b.liveBuffers, 1)
	return gpu.NewCommandBuffer(&commandBuffer{id: b.nextID.Add(1), family: family}, family), nil
}

func (b *Backend) DestroyCommandBuffer(cb gpu.CommandBuffer) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		b.violation("destroy of a foreign command buffer")
		return
	}
	c.mu.Lock()
	pending := c.state == commandStatePending
	c.mu.Unlock()
	if pending {
		b.violation("command buffer %d destroyed while pending", c.id)
	}
	b.count(&b.liveBuffers, -1)
}

func (b *Backend) BeginEncoding(cb gpu.CommandBuffer) (gpu.CommandEncoder, error) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		return nil, fmt.Errorf("headless: foreign command buffer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == commandStatePending {
		b.violation("command buffer %d re-recorded while pending", c.id)
	}
	c.state = commandStateRecording
	c.commands = c.commands[:0]
	return &encoder{backend: b, cb: c}, nil
}

func (b *Backend) Submit(family gpu.QueueFamily, batch gpu.SubmitBatch) (*gpu.Future, error) {
	if b.released.Load() {
		return nil, gpu.ErrDeviceLost
	}

	buffers := make([]*commandBuffer, 0, len(batch.CommandBuffers))
	for _, cb := range batch.CommandBuffers {
		c, ok := cb.Native().(*commandBuffer)
		if !ok {
			return nil, fmt.Errorf("headless: foreign command buffer")
		}
		c.mu.Lock()
		state := c.state
		c.state = commandStatePending
		c.mu.Unlock()
		if state != commandStateExecutable {
			b.violation("command buffer %d submitted in state %d", c.id, state)
		}
		buffers = append(buffers, c)
	}
	waits := semaphores(batch.WaitSemaphores)
	signals := semaphores(batch.SignalSemaphores)
	fence, _ := batch.Fence.Native().(*gpu.EmulatedFence)

	done := gpu.NewFuture()
	b.queue(family) <- func() {
		waitIDs := b.awaitSemaphores(waits)
		for _, c := range buffers {
			b.execute(c)
		}
		if b.executionDelay > 0 {
			time.Sleep(b.executionDelay)
		}

		signalIDs := make([]uint64, 0, len(signals))
		for _, s := range signals {
			if !s.signal() {
				b.violation("semaphore %d signaled while already signaled", s.id)
			}
			signalIDs = append(signalIDs, s.id)
		}
		b.record(Event{
			Kind:    EventSubmit,
			Family:  family,
			Waits:   waitIDs,
			Signals: signalIDs,
			Fence:   fence != nil,
			Buffers: len(buffers),
		})

		complete := func() {
			for _, c := range buffers {
				c.mu.Lock()
				c.state = commandStateExecutable
				c.mu.Unlock()
			}
			if fence != nil {
				fence.Signal()
			}
			done.Resolve(nil)
		}
		if b.caps.RequiresTick {
			b.mu.Lock()
			b.ticked = append(b.ticked, complete)
			b.mu.Unlock()
			return
		}
		complete()
	}
	return done, nil
}

func semaphores(views []gpu.SemaphoreView) []*semaphore {
	out := make([]*semaphore, 0, len(views))
	for _, v := range views {
		if s, ok := v.Native().(*semaphore); ok {
			out = append(out, s)
		}
	}
	return out
}

func (b *Backend) awaitSemaphores(waits []*semaphore) []uint64 {
	ids := make([]uint64, 0, len(waits))
	for _, s := range waits {
		ids = append(ids, s.id)
		select {
		case <-s.wait():
			s.consume()
		case <-time.After(b.waitTimeout):
			b.violation("wait on semaphore %d that was never signaled", s.id)
		}
	}
	return ids
}

func (b *Backend) execute(c *commandBuffer) {
	c.mu.Lock()
	commands := slices.Clone(c.commands)
	c.mu.Unlock()

	for _, cmd := range commands {
		img := cmd.image
		img.mu.Lock()
		switch cmd.kind {
		case commandTransition:
			if cmd.barrier.OldLayout != gpu.ImageLayoutUndefined && cmd.barrier.OldLayout != img.layout {
				b.violation("image %d transitioned from %s but is in %s", img.id, cmd.barrier.OldLayout, img.layout)
			}
			img.layout = cmd.barrier.NewLayout
		case commandClear:
			if img.layout != cmd.layout {
				b.violation("image %d cleared as %s but is in %s", img.id, cmd.layout, img.layout)
			}
			switch img.layout {
			case gpu.ImageLayoutTransferDstOptimal, gpu.ImageLayoutGeneral, gpu.ImageLayoutColorAttachmentOptimal:
				img.clears++
			default:
				b.violation("image %d cleared in layout %s", img.id, img.layout)
			}
		}
		img.mu.Unlock()
	}
}

func (b *Backend) SurfaceCapabilities(surface gpu.Surface) (gpu.SurfaceCapabilities, error) {
	s, ok := surface.Native().(*Surface)
	if !ok {
		return gpu.SurfaceCapabilities{}, fmt.Errorf("headless: foreign surface")
	}
	caps := b.surfaceCaps
	caps.Formats = slices.Clone(caps.Formats)
	s.mu.Lock()
	caps.CurrentExtent = s.extent
	s.mu.Unlock()
	return caps, nil
}

func (b *Backend) CreateSwapchain(desc gpu.SwapchainDescriptor) (gpu.Swapchain, error) {
	surface, ok := desc.Surface.Native().(*Surface)
	if !ok {
		return gpu.Swapchain{}, fmt.Errorf("headless: foreign surface")
	}
	if !slices.Contains(b.surfaceCaps.Formats, desc.Format) {
		return gpu.Swapchain{}, gpu.ErrUnsupportedFormat
	}
	if desc.Extent.IsZero() || desc.Extent.Width > b.surfaceCaps.MaxExtent.Width || desc.Extent.Height > b.surfaceCaps.MaxExtent.Height {
		return gpu.Swapchain{}, gpu.ErrInvalidExtent
	}
	if desc.ImageCount < b.surfaceCaps.MinImageCount {
		return gpu.Swapchain{}, fmt.Errorf("headless: %d images requested, minimum is %d", desc.ImageCount, b.surfaceCaps.MinImageCount)
	}

	if old, ok := desc.Old.Handle.(*swapchain); ok {
		old.retired = true
	}

	sc := &swapchain{
		id:       b.nextID.Add(1),
		surface:  surface,
		images:   make([]*image, desc.ImageCount),
		acquired: make([]bool, desc.ImageCount),
	}
	images := make([]gpu.Image, desc.ImageCount)
	for i := range sc.images {
		sc.images[i] = &image{id: b.nextID.Add(1), extent: desc.Extent, format: desc.Format}
		images[i] = gpu.NewImage(sc.images[i])
	}
	b.count(&b.liveSwapchains, 1)
	return gpu.Swapchain{Handle: sc, Images: images, Format: desc.Format, Extent: desc.Extent}, nil
}

func (b *Backend) DestroySwapchain(sc gpu.Swapchain) {
	if _, ok := sc.Handle.(*swapchain); !ok {
		return
	}
	b.count(&b.liveSwapchains, -1)
}

// Invalidate marks a swapchain out of date, as a surface change outside the engine would.
func (b *Backend) Invalidate(sc gpu.Swapchain) {
	if s, ok := sc.Handle.(*swapchain); ok {
		b.mu.Lock()
		s.stale = true
		b.mu.Unlock()
	}
}

func (b *Backend) CreateImage(desc gpu.ImageDescriptor) (gpu.Image, error) {
	if desc.Extent.IsZero() {
		return gpu.Image{}, gpu.ErrInvalidExtent
	}
	b.count(&b.liveImages, 1)
	return gpu.NewImage(&image{id: b.nextID.Add(1), extent: desc.Extent, format: desc.Format}), nil
}

func (b *Backend) DestroyImage(img gpu.Image) {
	if _, ok := img.Native().(*image); ok {
		b.count(&b.liveImages, -1)
	}
}

func (b *Backend) CreateImageView(img gpu.Image, _ gpu.Format) (gpu.ImageView, error) {
	i, ok := img.Native().(*image)
	if !ok {
		return gpu.ImageView{}, fmt.Errorf("headless: foreign image")
	}
	b.count(&b.liveViews, 1)
	return gpu.NewImageView(&imageView{image: i}), nil
}

func (b *Backend) DestroyImageView(view gpu.ImageView) {
	if _, ok := view.Native().(*imageView); ok {
		b.count(&b.liveViews, -1)
	}
}

func (b *Backend) AcquireNextImage(sc gpu.Swapchain, timeout time.Duration, sem gpu.SemaphoreView, fence gpu.FenceView) (uint32, gpu.AcquireResult) {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return 0, gpu.AcquireError
	}

	b.mu.Lock()
	if s.retired || s.stale {
		b.mu.Unlock()
		return 0, gpu.AcquireOutOfDate
	}
	if b.acquireDelays > 0 {
		b.acquireDelays--
		b.mu.Unlock()
		time.Sleep(min(timeout, time.Millisecond))
		return 0, gpu.AcquireTimeout
	}

	index, found := uint32(0), false
	for n := range uint32(len(s.images)) {
		candidate := (s.next + n) % uint32(len(s.images))
		if !s.acquired[candidate] {
			index, found = candidate, true
			break
		}
	}
	if !found {
		b.mu.Unlock()
		return 0, gpu.AcquireTimeout
	}
	s.acquired[index] = true
	s.next = (index + 1) % uint32(len(s.images))
	b.mu.Unlock()

	if native, ok := sem.Native().(*semaphore); ok {
		if !b.caps.AcquireImageSemaphore {
			b.violation("acquire semaphore passed to a backend without acquire semaphores")
		} else if !native.signal() {
			b.violation("acquire semaphore %d already signaled", native.id)
		}
	}
	if f, ok := fence.Native().(*gpu.EmulatedFence); ok {
		f.Signal()
	}

	result := gpu.AcquireSuccess
	s.surface.mu.Lock()
	if s.surface.extent != s.images[index].extent {
		result = gpu.AcquireSuboptimal
	}
	s.surface.mu.Unlock()

	b.record(Event{Kind: EventAcquire, ImageIndex: index, Signals: idsOf(sem)})
	return index, result
}

func idsOf(views ...gpu.SemaphoreView) []uint64 {
	var ids []uint64
	for _, v := range views {
		if id := SemaphoreID(v); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Backend) Present(sc gpu.Swapchain, imageIndex uint32, waits []gpu.SemaphoreView) error {
	s, ok := sc.Handle.(*swapchain)
	if !ok || int(imageIndex) >= len(s.images) {
		return fmt.Errorf("headless: present of an invalid image")
	}
	if len(waits) > 0 && !b.caps.PresentImageSemaphore {
		b.violation("present semaphores passed to a backend without present semaphores")
	}

	pending := semaphores(waits)
	b.queue(gpu.QueueFamilyGraphics) <- func() {
		waitIDs := b.awaitSemaphores(pending)

		if layout := s.images[imageIndex].currentLayout(); layout != gpu.ImageLayoutPresent {
			b.violation("image %d presented in layout %s", imageIndex, layout)
		}

		b.mu.Lock()
		if !s.acquired[imageIndex] {
			b.mu.Unlock()
			b.violation("image %d presented without being acquired", imageIndex)
		} else {
			s.acquired[imageIndex] = false
			b.mu.Unlock()
		}
		b.record(Event{Kind: EventPresent, ImageIndex: imageIndex, Waits: waitIDs})
	}

	b.mu.Lock()
	stale := s.stale
	b.mu.Unlock()
	if stale {
		return gpu.ErrSwapchainOutOfDate
	}
	return nil
}

func (b *Backend) Tick() {
	b.mu.Lock()
	ticked := b.ticked
	b.ticked = nil
	b.mu.Unlock()
	for _, fn := range ticked {
		fn()
	}
}

func (b *Backend) WaitIdle() {
	if b.released.Load() {
		return
	}
	var wg sync.WaitGroup
	for _, q := range b.queues {
		wg.Add(1)
		q <- wg.Done
	}
	wg.Wait()
	b.Tick()
}

func (b *Backend) Release() {
	if b.released.Swap(true) {
		return
	}
	for _, q := range b.queues {
		close(q)
	}
	b.queuesWG.Wait()
	b.Tick()
}
