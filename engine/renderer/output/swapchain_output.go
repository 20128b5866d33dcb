package output

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// SwapchainOutput presents to a window surface through a backend swapchain.
type SwapchainOutput struct {
	device  *device.LogicalDevice
	backend gpu.Backend
	surface gpu.Surface
	flags   Flags

	formats     []gpu.Format
	usage       gpu.ImageUsageFlags
	presentMode gpu.PresentMode
	animation   AnimationFrameSource

	mu          sync.Mutex
	cond        *sync.Cond
	resolution  gpu.Extent2D
	swapchain   gpu.Swapchain
	views       []gpu.ImageView
	states      []SubresourceState
	frameStates []FrameState
	outOfDate   atomic.Bool
}

var _ RenderOutput = &SwapchainOutput{}

// NewSwapchainOutput creates a SwapchainOutput on surface and builds its first swapchain.
//
// Parameters:
//   - d: the device that renders to the surface
//   - surface: the native window surface
//   - resolution: the requested size of the presentable images
//   - options: functional options for SwapchainOutput
//
// Returns:
//   - *SwapchainOutput: the output, ready to acquire
//   - error: if no swapchain could be created for the surface
func NewSwapchainOutput(d *device.LogicalDevice, surface gpu.Surface, resolution gpu.Extent2D, options ...SwapchainBuilderOption) (*SwapchainOutput, error) {
	s := &SwapchainOutput{
		device:      d,
		backend:     d.Backend(),
		surface:     surface,
		formats:     []gpu.Format{gpu.FormatBGRA8Srgb, gpu.FormatRGBA8Srgb, gpu.FormatBGRA8Unorm, gpu.FormatRGBA8Unorm},
		usage:       gpu.ImageUsageColorAttachment | gpu.ImageUsageTransferDst,
		presentMode: gpu.PresentModeFifo,
		resolution:  resolution,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range options {
		opt(s)
	}

	caps := s.backend.Capabilities()
	if caps.AcquireImageSemaphore {
		s.flags |= FlagSupportsAcquireImageSemaphore
	}
	if caps.PresentImageSemaphore {
		s.flags |= FlagSupportsPresentImageSemaphore
	}
	if caps.RequiresPresentFence {
		s.flags |= FlagRequiresPresentFence
	}
	if caps.PresentViaJob {
		s.flags |= FlagPresentViaJob
	}

	if err := s.CreateSwapchain(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SwapchainOutput) Flags() Flags { return s.flags }

func (s *SwapchainOutput) SupportsAcquireImageSemaphore() bool {
	return s.flags&FlagSupportsAcquireImageSemaphore != 0
}

func (s *SwapchainOutput) SupportsPresentImageSemaphore() bool {
	return s.flags&FlagSupportsPresentImageSemaphore != 0
}

func (s *SwapchainOutput) RequiresPresentFence() bool {
	return s.flags&FlagRequiresPresentFence != 0
}

// CreateSwapchain builds the swapchain at the current resolution, replacing any previous one.
// Every image starts Inactive in the initial subresource state.
func (s *SwapchainOutput) CreateSwapchain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked()
}

// RecreateSwapchain rebuilds the swapchain at resolution. No image may be in flight.
//
// Parameters:
//   - resolution: the new size of the presentable images
//
// Returns:
//   - error: if the new swapchain could not be created; the old one is kept in that case
func (s *SwapchainOutput) RecreateSwapchain(resolution gpu.Extent2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	common.Assert(!s.anyInFlightLocked(), "swapchain recreated while an image is in flight")
	s.resolution = resolution
	return s.createLocked()
}

// Recreate rebuilds the swapchain at its current resolution.
func (s *SwapchainOutput) Recreate() error {
	s.mu.Lock()
	resolution := s.resolution
	s.mu.Unlock()
	return s.RecreateSwapchain(resolution)
}

// Resize records a new resolution and flags the output out of date, so the next frame recreates it.
func (s *SwapchainOutput) Resize(resolution gpu.Extent2D) {
	s.mu.Lock()
	changed := s.resolution != resolution
	s.resolution = resolution
	s.mu.Unlock()
	if changed {
		s.outOfDate.Store(true)
	}
}

func (s *SwapchainOutput) createLocked() error {
	caps, err := s.backend.SurfaceCapabilities(s.surface)
	if err != nil {
		return fmt.Errorf("query surface capabilities: %w", err)
	}

	format, ok := s.pickFormat(caps.Formats)
	if !ok {
		return fmt.Errorf("no requested format among %v: %w", caps.Formats, gpu.ErrUnsupportedFormat)
	}

	extent := s.resolution
	if extent.IsZero() && !caps.CurrentExtent.IsZero() {
		extent = caps.CurrentExtent
	}
	if !caps.MaxExtent.IsZero() {
		extent.Width = common.Clamp(extent.Width, caps.MinExtent.Width, caps.MaxExtent.Width)
		extent.Height = common.Clamp(extent.Height, caps.MinExtent.Height, caps.MaxExtent.Height)
	}
	if extent.IsZero() {
		return fmt.Errorf("swapchain extent %dx%d: %w", extent.Width, extent.Height, gpu.ErrInvalidExtent)
	}
	if caps.MaxArrayLayers == 0 || caps.MaxSampleCount == 0 {
		return fmt.Errorf("surface reports %d array layers and %d samples: %w", caps.MaxArrayLayers, caps.MaxSampleCount, gpu.ErrUnsupported)
	}
	if caps.SupportedUsage != 0 && caps.SupportedUsage&s.usage != s.usage {
		return fmt.Errorf("surface usage %b lacks %b: %w", caps.SupportedUsage, s.usage, gpu.ErrUnsupported)
	}
	presentMode := s.presentMode
	if len(caps.PresentModes) > 0 && !slices.Contains(caps.PresentModes, presentMode) {
		presentMode = gpu.PresentModeFifo
	}

	maxImages := common.Coalesce(caps.MaxImageCount, uint32(gpu.MaximumConcurrentFrameCount))
	imageCount := common.Clamp(uint32(gpu.MaximumConcurrentFrameCount), caps.MinImageCount, maxImages)

	old := s.swapchain
	sc, err := s.backend.CreateSwapchain(gpu.SwapchainDescriptor{
		Surface:     s.surface,
		Format:      format,
		Extent:      extent,
		ImageCount:  imageCount,
		ArrayLayers: 1,
		Usage:       s.usage,
		PresentMode: presentMode,
		Old:         old,
	})
	if err != nil {
		return fmt.Errorf("create %dx%d swapchain: %w", extent.Width, extent.Height, err)
	}

	views := make([]gpu.ImageView, 0, len(sc.Images))
	for _, img := range sc.Images {
		view, err := s.backend.CreateImageView(img, format)
		if err != nil {
			for _, v := range views {
				s.backend.DestroyImageView(v)
			}
			s.backend.DestroySwapchain(sc)
			return fmt.Errorf("create swapchain image view: %w", err)
		}
		views = append(views, view)
	}

	s.destroyLocked()
	s.swapchain = sc
	s.views = views
	s.resolution = extent
	s.states = make([]SubresourceState, len(sc.Images))
	s.frameStates = make([]FrameState, len(sc.Images))
	for i := range s.states {
		s.states[i] = InitialSubresourceState
	}
	s.outOfDate.Store(false)
	common.Logger().Info("[SwapchainOutput] created swapchain",
		"width", extent.Width, "height", extent.Height, "images", len(sc.Images), "format", format)
	return nil
}

func (s *SwapchainOutput) pickFormat(supported []gpu.Format) (gpu.Format, bool) {
	for _, f := range s.formats {
		if slices.Contains(supported, f) {
			return f, true
		}
	}
	return gpu.FormatUndefined, false
}

func (s *SwapchainOutput) anyInFlightLocked() bool {
	return slices.ContainsFunc(s.frameStates, func(st FrameState) bool { return st != FrameStateInactive })
}

// AcquireNextImage implements RenderOutput. Only one image is in flight at a time.
func (s *SwapchainOutput) AcquireNextImage(_ *device.LogicalDevice, timeout time.Duration, semaphore gpu.SemaphoreView, fence gpu.FenceView) (gpu.FrameImageId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.anyInFlightLocked() {
		return 0, false
	}
	if !s.SupportsAcquireImageSemaphore() {
		common.Assert(!semaphore.IsValid(), "acquire semaphore passed to an output without acquire semaphores")
	}

	index, result := s.backend.AcquireNextImage(s.swapchain, timeout, semaphore, fence)
	switch result {
	case gpu.AcquireSuccess, gpu.AcquireSuboptimal:
		if result == gpu.AcquireSuboptimal {
			s.outOfDate.Store(true)
		}
	case gpu.AcquireOutOfDate:
		s.outOfDate.Store(true)
		common.Logger().Warn("[SwapchainOutput] swapchain out of date on acquire")
		return 0, false
	case gpu.AcquireTimeout:
		return 0, false
	default:
		common.Logger().Error("[SwapchainOutput] acquire failed", "result", result)
		return 0, false
	}

	id := gpu.FrameImageId(index)
	if s.animation == nil {
		s.frameStates[id] = FrameStateProcessingAnimationFrame
		return id, true
	}

	s.frameStates[id] = FrameStateAwaitingAnimationFrame
	s.mu.Unlock()
	s.animation.RequestAnimationFrame(func() {
		s.mu.Lock()
		if s.frameStates[id] == FrameStateAwaitingAnimationFrame {
			s.frameStates[id] = FrameStateProcessingAnimationFrame
		}
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	s.mu.Lock()
	for s.frameStates[id] == FrameStateAwaitingAnimationFrame {
		s.cond.Wait()
	}
	return id, true
}

// PresentAcquiredImage implements RenderOutput.
//
// Every path goes through the device's present job. A fence is awaited off the runners and reset before
// the present is queued; semaphores are waited on by the present itself.
func (s *SwapchainOutput) PresentAcquiredImage(d *device.LogicalDevice, id gpu.FrameImageId, waitSemaphores []gpu.SemaphoreView, fence gpu.FenceView) *gpu.Future {
	s.mu.Lock()
	common.Assertf(int(id) < len(s.frameStates) && s.frameStates[id] == FrameStateProcessingAnimationFrame,
		"present of image %d that is not being processed", id)
	s.frameStates[id] = FrameStateFinishedCpuSubmits
	sc := s.swapchain
	s.mu.Unlock()

	presentJob := d.QueuePresentJob()
	var presented *gpu.Future
	switch {
	case fence.IsValid():
		signaled := presentJob.QueueAwaitFence(fence)
		presented = gpu.NewFuture()
		d.Jobs().AfterResolved(nil, signaled, job.PriorityPresent, func(r *job.Runner, err error) {
			if err != nil {
				presented.Resolve(err)
				return
			}
			fence.Reset(s.backend)
			next := presentJob.QueuePresent(job.PriorityPresent, sc, uint32(id), nil)
			d.Jobs().AfterResolved(r, next, job.PriorityPresent, func(_ *job.Runner, err error) {
				presented.Resolve(err)
			})
		})
	case len(waitSemaphores) > 0:
		presented = presentJob.QueuePresent(job.PriorityPresent, sc, uint32(id), waitSemaphores)
	default:
		presented = presentJob.QueuePresent(job.PriorityPresent, sc, uint32(id), nil)
	}

	return presented.Then(func(err error) error {
		if errors.Is(err, gpu.ErrSwapchainOutOfDate) {
			s.outOfDate.Store(true)
		}
		s.markInactive(id)
		return err
	})
}

func (s *SwapchainOutput) markInactive(id gpu.FrameImageId) {
	s.mu.Lock()
	common.Assertf(s.frameStates[id] == FrameStateFinishedCpuSubmits, "image %d returned twice", id)
	s.frameStates[id] = FrameStateInactive
	s.mu.Unlock()
	s.cond.Broadcast()
}

// IsOutOfDate reports whether the swapchain must be recreated.
func (s *SwapchainOutput) IsOutOfDate() bool { return s.outOfDate.Load() }

func (s *SwapchainOutput) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.swapchain.Images)
}

func (s *SwapchainOutput) Format() gpu.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapchain.Format
}

func (s *SwapchainOutput) Resolution() gpu.Extent2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

func (s *SwapchainOutput) ColorImage(id gpu.FrameImageId) gpu.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapchain.Images[id]
}

func (s *SwapchainOutput) ColorImageView(id gpu.FrameImageId) gpu.ImageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[id]
}

func (s *SwapchainOutput) FrameState(id gpu.FrameImageId) FrameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameStates[id]
}

func (s *SwapchainOutput) PresentColorImageLayout() gpu.ImageLayout { return gpu.ImageLayoutPresent }

func (s *SwapchainOutput) SubresourceState(id gpu.FrameImageId) SubresourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func (s *SwapchainOutput) SetSubresourceState(id gpu.FrameImageId, state SubresourceState) {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
}

// Swapchain returns the current backend swapchain.
func (s *SwapchainOutput) Swapchain() gpu.Swapchain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapchain
}

// Destroy implements RenderOutput. The device must be idle.
func (s *SwapchainOutput) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
	s.swapchain = gpu.Swapchain{}
}

func (s *SwapchainOutput) destroyLocked() {
	for _, v := range s.views {
		s.backend.DestroyImageView(v)
	}
	s.views = nil
	if s.swapchain.IsValid() {
		s.backend.DestroySwapchain(s.swapchain)
	}
}
