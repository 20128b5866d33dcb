package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// RenderTargetOutput renders into a ring of offscreen images instead of a window.
// Images are handed out in order; presenting an image only waits for the GPU to finish with it.
type RenderTargetOutput struct {
	backend       gpu.Backend
	flags         Flags
	format        gpu.Format
	resolution    gpu.Extent2D
	presentLayout gpu.ImageLayout

	mu          sync.Mutex
	images      []gpu.Image
	views       []gpu.ImageView
	states      []SubresourceState
	frameStates []FrameState
	current     gpu.FrameImageId
}

var _ RenderOutput = &RenderTargetOutput{}

// NewRenderTargetOutput creates MaximumConcurrentFrameCount offscreen images.
//
// Parameters:
//   - d: the device the images live on
//   - resolution: the image size
//   - format: the image format
//   - presentLayout: the layout images are left in when presented
//
// Returns:
//   - *RenderTargetOutput: the output
//   - error: if an image could not be created
func NewRenderTargetOutput(d *device.LogicalDevice, resolution gpu.Extent2D, format gpu.Format, presentLayout gpu.ImageLayout) (*RenderTargetOutput, error) {
	o := &RenderTargetOutput{
		backend:       d.Backend(),
		format:        format,
		resolution:    resolution,
		presentLayout: presentLayout,
	}
	caps := o.backend.Capabilities()
	if caps.PresentImageSemaphore {
		o.flags |= FlagSupportsPresentImageSemaphore
	} else {
		o.flags |= FlagRequiresPresentFence
	}
	if err := o.Recreate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *RenderTargetOutput) Flags() Flags { return o.flags }

func (o *RenderTargetOutput) SupportsAcquireImageSemaphore() bool { return false }

func (o *RenderTargetOutput) SupportsPresentImageSemaphore() bool {
	return o.flags&FlagSupportsPresentImageSemaphore != 0
}

func (o *RenderTargetOutput) RequiresPresentFence() bool {
	return o.flags&FlagRequiresPresentFence != 0
}

// Recreate rebuilds every image at the current resolution. No image may be in flight.
func (o *RenderTargetOutput) Recreate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.frameStates {
		common.Assert(st == FrameStateInactive, "render targets recreated while an image is in flight")
	}

	images := make([]gpu.Image, 0, gpu.MaximumConcurrentFrameCount)
	views := make([]gpu.ImageView, 0, gpu.MaximumConcurrentFrameCount)
	release := func() {
		for _, v := range views {
			o.backend.DestroyImageView(v)
		}
		for _, img := range images {
			o.backend.DestroyImage(img)
		}
	}
	for i := range gpu.MaximumConcurrentFrameCount {
		img, err := o.backend.CreateImage(gpu.ImageDescriptor{
			Extent: o.resolution,
			Format: o.format,
			Usage:  gpu.ImageUsageColorAttachment | gpu.ImageUsageTransferDst | gpu.ImageUsageTransferSrc | gpu.ImageUsageSampled,
			Label:  fmt.Sprintf("render target %d", i),
		})
		if err != nil {
			release()
			return fmt.Errorf("create render target %d: %w", i, err)
		}
		images = append(images, img)
		view, err := o.backend.CreateImageView(img, o.format)
		if err != nil {
			release()
			return fmt.Errorf("create render target view %d: %w", i, err)
		}
		views = append(views, view)
	}

	o.destroyLocked()
	o.images = images
	o.views = views
	o.states = make([]SubresourceState, len(images))
	o.frameStates = make([]FrameState, len(images))
	for i := range o.states {
		o.states[i] = InitialSubresourceState
	}
	o.current = 0
	return nil
}

// AcquireNextImage implements RenderOutput. The returned image is always the next in the ring.
func (o *RenderTargetOutput) AcquireNextImage(_ *device.LogicalDevice, _ time.Duration, semaphore gpu.SemaphoreView, fence gpu.FenceView) (gpu.FrameImageId, bool) {
	common.Assert(!semaphore.IsValid(), "render targets do not signal acquire semaphores")
	common.Assert(!fence.IsValid(), "render targets do not signal acquire fences")

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.frameStates {
		if st != FrameStateInactive {
			return 0, false
		}
	}
	o.frameStates[o.current] = FrameStateProcessingAnimationFrame
	return o.current, true
}

// PresentAcquiredImage implements RenderOutput. A fence is awaited; semaphores are waited on by an empty
// graphics submission whose completion returns the image.
func (o *RenderTargetOutput) PresentAcquiredImage(d *device.LogicalDevice, id gpu.FrameImageId, waitSemaphores []gpu.SemaphoreView, fence gpu.FenceView) *gpu.Future {
	o.mu.Lock()
	common.Assertf(int(id) < len(o.frameStates) && o.frameStates[id] == FrameStateProcessingAnimationFrame,
		"present of render target %d that is not being processed", id)
	o.frameStates[id] = FrameStateFinishedCpuSubmits
	o.mu.Unlock()

	var presented *gpu.Future
	switch {
	case fence.IsValid():
		presented = d.QueuePresentJob().QueueAwaitFence(fence)
	case len(waitSemaphores) > 0:
		presented = o.waitOnGPU(d, waitSemaphores)
	default:
		presented = gpu.ResolvedFuture(nil)
	}

	return presented.Then(func(err error) error {
		o.mu.Lock()
		common.Assertf(o.frameStates[id] == FrameStateFinishedCpuSubmits, "render target %d returned twice", id)
		o.frameStates[id] = FrameStateInactive
		o.current = (id + 1) % gpu.FrameImageId(len(o.frameStates))
		o.mu.Unlock()
		return err
	})
}

func (o *RenderTargetOutput) waitOnGPU(d *device.LogicalDevice, waits []gpu.SemaphoreView) *gpu.Future {
	cb, err := o.backend.CreateCommandBuffer(gpu.QueueFamilyGraphics)
	if err != nil {
		return gpu.ResolvedFuture(fmt.Errorf("create present command buffer: %w", err))
	}
	enc, err := o.backend.BeginEncoding(cb)
	if err == nil {
		err = enc.End()
	}
	if err != nil {
		o.backend.DestroyCommandBuffer(cb)
		return gpu.ResolvedFuture(fmt.Errorf("encode present command buffer: %w", err))
	}

	stages := make([]gpu.PipelineStageFlags, len(waits))
	for i := range stages {
		stages[i] = gpu.PipelineStageAllCommands
	}
	sub := d.QueueSubmissionJob(gpu.QueueFamilyGraphics).Queue(job.PriorityPresent, []gpu.CommandBuffer{cb}, device.SubmitParameters{
		WaitSemaphores: waits,
		WaitStages:     stages,
	})
	d.Jobs().AfterResolved(nil, sub.Finished, job.PriorityDeallocateResources, func(r *job.Runner, _ error) {
		d.RunnerData(r).DestroyCommandBuffer(cb)
	})
	return sub.Finished
}

func (o *RenderTargetOutput) IsOutOfDate() bool { return false }

func (o *RenderTargetOutput) ImageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.images)
}

func (o *RenderTargetOutput) Format() gpu.Format { return o.format }

func (o *RenderTargetOutput) Resolution() gpu.Extent2D { return o.resolution }

func (o *RenderTargetOutput) ColorImage(id gpu.FrameImageId) gpu.Image {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.images[id]
}

func (o *RenderTargetOutput) ColorImageView(id gpu.FrameImageId) gpu.ImageView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.views[id]
}

func (o *RenderTargetOutput) FrameState(id gpu.FrameImageId) FrameState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frameStates[id]
}

func (o *RenderTargetOutput) PresentColorImageLayout() gpu.ImageLayout { return o.presentLayout }

func (o *RenderTargetOutput) SubresourceState(id gpu.FrameImageId) SubresourceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[id]
}

func (o *RenderTargetOutput) SetSubresourceState(id gpu.FrameImageId, state SubresourceState) {
	o.mu.Lock()
	o.states[id] = state
	o.mu.Unlock()
}

// Destroy implements RenderOutput.
func (o *RenderTargetOutput) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyLocked()
}

func (o *RenderTargetOutput) destroyLocked() {
	for _, v := range o.views {
		o.backend.DestroyImageView(v)
	}
	for _, img := range o.images {
		o.backend.DestroyImage(img)
	}
	o.images, o.views = nil, nil
}
