package wgpu

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/cogentcore/webgpu/wgpu"
)

// Backend implements gpu.Backend on top of WebGPU.
// WebGPU orders all queue work implicitly, so semaphores are tokens that only carry the frame's dependency
// structure and fences are emulated from the queue's work-done callback, which fires while the device is polled.
type Backend struct {
	mu       *sync.Mutex
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	forceFallbackAdapter bool
	label                string

	// pending counts submissions whose work-done callback has not fired yet.
	pending  atomic.Int64
	released atomic.Bool
}

var _ gpu.Backend = &Backend{}

// Surface is the native value of a gpu.Surface created for this backend.
type Surface struct {
	surface *wgpu.Surface
	size    func() gpu.Extent2D
}

// NewSurface wraps a WebGPU surface created by the window layer.
//
// Parameters:
//   - surface: the WebGPU surface
//   - size: reports the current framebuffer size of the window behind the surface
//
// Returns:
//   - gpu.Surface: the backend-neutral surface
func NewSurface(surface *wgpu.Surface, size func() gpu.Extent2D) gpu.Surface {
	return gpu.NewSurface(&Surface{surface: surface, size: size})
}

type semaphore struct {
	signaled atomic.Bool
}

type texture struct {
	mu     *sync.Mutex
	tex    *wgpu.Texture
	format wgpu.TextureFormat
	extent gpu.Extent2D
	// owned is unset for swapchain images, whose texture is handed out by the surface on every acquire.
	owned bool
}

func (t *texture) current() *wgpu.Texture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tex
}

type imageView struct {
	image  *texture
	format wgpu.TextureFormat
	view   *wgpu.TextureView
}

type swapchain struct {
	surface *Surface
	config  wgpu.SurfaceConfiguration
	images  []*texture
	next    uint32
	// acquired is the image index handed out by the last acquire, or -1.
	acquired int
}

// NewBackend requests a WebGPU adapter and device able to present to surface.
// Must be called from the thread that created the window.
//
// Parameters:
//   - instance: the WebGPU instance the surface was created from
//   - surface: the surface the adapter must be compatible with; may be the zero value for offscreen rendering
//   - options: functional options applied to the backend
//
// Returns:
//   - *Backend: the backend owning the device
//   - error: an error if no adapter or device could be obtained
func NewBackend(instance *wgpu.Instance, surface gpu.Surface, options ...BackendBuilderOption) (*Backend, error) {
	runtime.LockOSThread()
	b := &Backend{
		mu:       &sync.Mutex{},
		instance: instance,
		label:    "Main Device",
	}
	for _, opt := range options {
		opt(b)
	}

	var compatible *wgpu.Surface
	if s, ok := surface.Native().(*Surface); ok {
		compatible = s.surface
	}
	a, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: b.forceFallbackAdapter,
		CompatibleSurface:    compatible,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	b.adapter = a

	d, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label: b.label,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: wgpu.DefaultLimits(),
		},
	})
	if err != nil {
		a.Release()
		return nil, fmt.Errorf("request device: %w", err)
	}
	b.device = d
	b.queue = d.GetQueue()

	common.Logger().Info("[WGPU] device created", "label", b.label)
	return b, nil
}

// Device returns the WebGPU device, for recording commands the gpu.CommandEncoder interface does not cover.
func (b *Backend) Device() *wgpu.Device { return b.device }

func (b *Backend) Name() string { return "webgpu" }

func (b *Backend) Capabilities() gpu.Capabilities {
	return gpu.Capabilities{
		PresentImageSemaphore: true,
		RequiresTick:          true,
	}
}

func (b *Backend) CreateSemaphore() (any, error) {
	return &semaphore{}, nil
}

func (b *Backend) DestroySemaphore(native any) {}

func (b *Backend) CreateFence(signaled bool) (any, error) {
	status := gpu.FenceStatusUnsignaled
	if signaled {
		status = gpu.FenceStatusSignaled
	}
	return gpu.NewEmulatedFence(status), nil
}

func (b *Backend) DestroyFence(native any) {}

func (b *Backend) FenceStatus(native any) gpu.FenceStatus {
	return native.(*gpu.EmulatedFence).Status()
}

// WaitFence polls the device until the fence is signaled, since work-done callbacks only run while polled.
func (b *Backend) WaitFence(native any, timeout time.Duration) gpu.FenceWaitResult {
	f := native.(*gpu.EmulatedFence)
	deadline := time.Now().Add(timeout)
	for {
		if f.Status() == gpu.FenceStatusSignaled {
			return gpu.FenceWaitSuccess
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return gpu.FenceWaitTimeout
		}
		if b.released.Load() {
			return gpu.FenceWaitError
		}
		b.device.Poll(false, nil)
		if f.Wait(100*time.Microsecond) == gpu.FenceWaitSuccess {
			return gpu.FenceWaitSuccess
		}
	}
}

func (b *Backend) ResetFence(native any) {
	native.(*gpu.EmulatedFence).Reset()
}

type commandBuffer struct {
	mu       *sync.Mutex
	family   gpu.QueueFamily
	finished *wgpu.CommandBuffer
}

// CreateCommandBuffer returns a recording slot. WebGPU command buffers are single use,
// so each BeginEncoding creates a fresh encoder behind the same handle.
func (b *Backend) CreateCommandBuffer(family gpu.QueueFamily) (gpu.CommandBuffer, error) {
	return gpu.NewCommandBuffer(&commandBuffer{mu: &sync.Mutex{}, family: family}, family), nil
}

func (b *Backend) DestroyCommandBuffer(cb gpu.CommandBuffer) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished != nil {
		c.finished.Release()
		c.finished = nil
	}
}

func (b *Backend) BeginEncoding(cb gpu.CommandBuffer) (gpu.CommandEncoder, error) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign command buffer")
	}
	c.mu.Lock()
	if c.finished != nil {
		c.finished.Release()
		c.finished = nil
	}
	c.mu.Unlock()

	enc, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	return &encoder{backend: b, cb: c, enc: enc}, nil
}

func (b *Backend) Submit(family gpu.QueueFamily, batch gpu.SubmitBatch) (*gpu.Future, error) {
	if b.released.Load() {
		return nil, gpu.ErrDeviceLost
	}

	buffers := make([]*wgpu.CommandBuffer, 0, len(batch.CommandBuffers))
	for _, cb := range batch.CommandBuffers {
		c, ok := cb.Native().(*commandBuffer)
		if !ok {
			return nil, fmt.Errorf("wgpu: foreign command buffer")
		}
		c.mu.Lock()
		finished := c.finished
		c.finished = nil
		c.mu.Unlock()
		if finished == nil {
			return nil, fmt.Errorf("wgpu: command buffer submitted without being recorded")
		}
		buffers = append(buffers, finished)
	}
	for _, v := range batch.WaitSemaphores {
		if s, ok := v.Native().(*semaphore); ok {
			s.signaled.Store(false)
		}
	}

	b.mu.Lock()
	b.queue.Submit(buffers...)
	b.mu.Unlock()
	for _, buf := range buffers {
		buf.Release()
	}
	for _, v := range batch.SignalSemaphores {
		if s, ok := v.Native().(*semaphore); ok {
			s.signaled.Store(true)
		}
	}

	fence, _ := batch.Fence.Native().(*gpu.EmulatedFence)
	done := gpu.NewFuture()
	b.pending.Add(1)
	b.queue.OnSubmittedWorkDone(func(status wgpu.QueueWorkDoneStatus) {
		b.pending.Add(-1)
		if fence != nil {
			fence.Signal()
		}
		if status != wgpu.QueueWorkDoneStatusSuccess {
			done.Resolve(gpu.ErrDeviceLost)
			return
		}
		done.Resolve(nil)
	})
	return done, nil
}

func (b *Backend) SurfaceCapabilities(surface gpu.Surface) (gpu.SurfaceCapabilities, error) {
	s, ok := surface.Native().(*Surface)
	if !ok {
		return gpu.SurfaceCapabilities{}, fmt.Errorf("wgpu: foreign surface")
	}
	native := s.surface.GetCapabilities(b.adapter)

	caps := gpu.SurfaceCapabilities{
		MinImageCount:  2,
		MaxImageCount:  gpu.MaximumConcurrentFrameCount,
		CurrentExtent:  s.size(),
		MinExtent:      gpu.Extent2D{Width: 1, Height: 1},
		MaxExtent:      gpu.Extent2D{Width: wgpu.DefaultLimits().MaxTextureDimension2D, Height: wgpu.DefaultLimits().MaxTextureDimension2D},
		MaxArrayLayers: 1,
		MaxSampleCount: 1,
		SupportedUsage: gpu.ImageUsageColorAttachment | gpu.ImageUsageTransferDst,
	}
	for _, f := range native.Formats {
		if format, ok := fromTextureFormat(f); ok {
			caps.Formats = append(caps.Formats, format)
		}
	}
	for _, m := range native.PresentModes {
		if mode, ok := fromPresentMode(m); ok {
			caps.PresentModes = append(caps.PresentModes, mode)
		}
	}
	return caps, nil
}

// CreateSwapchain configures the surface. WebGPU surfaces own their images, so the returned images are slots
// that refer to whatever texture the surface handed out on the last acquire.
func (b *Backend) CreateSwapchain(desc gpu.SwapchainDescriptor) (gpu.Swapchain, error) {
	s, ok := desc.Surface.Native().(*Surface)
	if !ok {
		return gpu.Swapchain{}, fmt.Errorf("wgpu: foreign surface")
	}
	if desc.Extent.IsZero() {
		return gpu.Swapchain{}, gpu.ErrInvalidExtent
	}
	format, ok := toTextureFormat(desc.Format)
	if !ok {
		return gpu.Swapchain{}, gpu.ErrUnsupportedFormat
	}

	native := s.surface.GetCapabilities(b.adapter)
	alpha := wgpu.CompositeAlphaModeAuto
	if len(native.AlphaModes) > 0 {
		alpha = native.AlphaModes[0]
	}
	sc := &swapchain{
		surface: s,
		config: wgpu.SurfaceConfiguration{
			Usage:       toTextureUsage(desc.Usage) | wgpu.TextureUsageRenderAttachment,
			Format:      format,
			Width:       desc.Extent.Width,
			Height:      desc.Extent.Height,
			PresentMode: toPresentMode(desc.PresentMode),
			AlphaMode:   alpha,
		},
		acquired: -1,
	}

	b.mu.Lock()
	s.surface.Configure(b.adapter, b.device, &sc.config)
	b.mu.Unlock()

	count := common.Clamp(desc.ImageCount, 1, gpu.MaximumConcurrentFrameCount)
	images := make([]gpu.Image, count)
	sc.images = make([]*texture, count)
	for i := range sc.images {
		sc.images[i] = &texture{mu: &sync.Mutex{}, format: format, extent: desc.Extent}
		images[i] = gpu.NewImage(sc.images[i])
	}
	common.Logger().Debug("[WGPU] surface configured", "width", desc.Extent.Width, "height", desc.Extent.Height, "format", desc.Format)
	return gpu.Swapchain{Handle: sc, Images: images, Format: desc.Format, Extent: desc.Extent}, nil
}

func (b *Backend) DestroySwapchain(sc gpu.Swapchain) {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return
	}
	for _, img := range s.images {
		img.mu.Lock()
		if img.tex != nil {
			img.tex.Release()
			img.tex = nil
		}
		img.mu.Unlock()
	}
}

func (b *Backend) CreateImage(desc gpu.ImageDescriptor) (gpu.Image, error) {
	format, ok := toTextureFormat(desc.Format)
	if !ok {
		return gpu.Image{}, gpu.ErrUnsupportedFormat
	}
	if desc.Extent.IsZero() {
		return gpu.Image{}, gpu.ErrInvalidExtent
	}
	tex, err := b.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         desc.Label,
		Usage:         toTextureUsage(desc.Usage) | wgpu.TextureUsageRenderAttachment,
		Dimension:     wgpu.TextureDimension2D,
		Size:          wgpu.Extent3D{Width: desc.Extent.Width, Height: desc.Extent.Height, DepthOrArrayLayers: 1},
		Format:        format,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		return gpu.Image{}, fmt.Errorf("create texture: %w", err)
	}
	return gpu.NewImage(&texture{mu: &sync.Mutex{}, tex: tex, format: format, extent: desc.Extent, owned: true}), nil
}

func (b *Backend) DestroyImage(image gpu.Image) {
	t, ok := image.Native().(*texture)
	if !ok || !t.owned {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}

// CreateImageView returns a view bound to the image. Views of swapchain images are created per acquire.
func (b *Backend) CreateImageView(image gpu.Image, format gpu.Format) (gpu.ImageView, error) {
	t, ok := image.Native().(*texture)
	if !ok {
		return gpu.ImageView{}, fmt.Errorf("wgpu: foreign image")
	}
	f, ok := toTextureFormat(format)
	if !ok {
		return gpu.ImageView{}, gpu.ErrUnsupportedFormat
	}
	v := &imageView{image: t, format: f}
	if t.owned {
		view, err := t.current().CreateView(nil)
		if err != nil {
			return gpu.ImageView{}, fmt.Errorf("create texture view: %w", err)
		}
		v.view = view
	}
	return gpu.NewImageView(v), nil
}

func (b *Backend) DestroyImageView(view gpu.ImageView) {
	v, ok := view.Native().(*imageView)
	if !ok || v.view == nil {
		return
	}
	v.view.Release()
	v.view = nil
}

// AcquireNextImage takes the surface's current texture. An acquire fence is signaled immediately,
// since the texture is usable as soon as the surface returns it.
func (b *Backend) AcquireNextImage(sc gpu.Swapchain, timeout time.Duration, semaphore gpu.SemaphoreView, fence gpu.FenceView) (uint32, gpu.AcquireResult) {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return 0, gpu.AcquireError
	}
	if s.acquired >= 0 {
		return 0, gpu.AcquireTimeout
	}

	b.mu.Lock()
	tex, err := s.surface.surface.GetCurrentTexture()
	b.mu.Unlock()
	if err != nil {
		return 0, acquireResult(err)
	}

	index := s.next % uint32(len(s.images))
	s.next++
	img := s.images[index]
	img.mu.Lock()
	img.tex = tex
	img.mu.Unlock()
	s.acquired = int(index)

	if f, ok := fence.Native().(*gpu.EmulatedFence); ok {
		f.Signal()
	}
	return index, gpu.AcquireSuccess
}

func acquireResult(err error) gpu.AcquireResult {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return gpu.AcquireTimeout
	case strings.Contains(msg, "outdated"), strings.Contains(msg, "lost"):
		return gpu.AcquireOutOfDate
	default:
		return gpu.AcquireError
	}
}

// Present hands the current texture back to the surface. Queue order already places it after every submission
// that signaled the wait semaphores.
func (b *Backend) Present(sc gpu.Swapchain, imageIndex uint32, waits []gpu.SemaphoreView) error {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return fmt.Errorf("wgpu: foreign swapchain")
	}
	if s.acquired != int(imageIndex) {
		return fmt.Errorf("wgpu: image %d presented without being acquired", imageIndex)
	}
	for _, v := range waits {
		if sem, ok := v.Native().(*semaphore); ok && !sem.signaled.Swap(false) {
			common.Logger().Warn("[WGPU] present waits on a semaphore no submission signaled")
		}
	}

	b.mu.Lock()
	s.surface.surface.Present()
	b.mu.Unlock()

	img := s.images[imageIndex]
	img.mu.Lock()
	if img.tex != nil {
		img.tex.Release()
		img.tex = nil
	}
	img.mu.Unlock()
	s.acquired = -1

	if size := s.surface.size(); size.Width != s.config.Width || size.Height != s.config.Height {
		return gpu.ErrSwapchainOutOfDate
	}
	return nil
}

// Tick runs pending work-done callbacks.
func (b *Backend) Tick() {
	if b.released.Load() || b.pending.Load() == 0 {
		return
	}
	b.device.Poll(false, nil)
}

func (b *Backend) WaitIdle() {
	if b.released.Load() {
		return
	}
	for b.pending.Load() > 0 {
		b.device.Poll(true, nil)
	}
}

func (b *Backend) Release() {
	if b.released.Swap(true) {
		return
	}
	b.device.Poll(true, nil)
	b.queue.Release()
	b.device.Release()
	b.adapter.Release()
	common.Logger().Info("[WGPU] device released")
}

// ErrNoTexture is returned when a swapchain image is used outside of an acquire.
var ErrNoTexture = errors.New("wgpu: swapchain image not acquired")
