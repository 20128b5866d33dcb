package output

import (
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// Flags are the static synchronization properties of a RenderOutput.
type Flags uint8

const (
	// FlagSupportsAcquireImageSemaphore: acquire signals a semaphore the first stages wait on.
	FlagSupportsAcquireImageSemaphore Flags = 1 << iota
	// FlagSupportsPresentImageSemaphore: present waits on semaphores signaled by the last stages.
	FlagSupportsPresentImageSemaphore
	// FlagRequiresPresentFence: present is ordered by a fence signaled by the last stage.
	FlagRequiresPresentFence
	// FlagPresentViaJob: every present goes through the present job whatever primitive is passed.
	FlagPresentViaJob
)

// FrameState is the per-image presentation state.
type FrameState uint8

const (
	FrameStateInactive FrameState = iota
	FrameStateAwaitingAnimationFrame
	FrameStateProcessingAnimationFrame
	FrameStateFinishedCpuSubmits
)

func (s FrameState) String() string {
	switch s {
	case FrameStateInactive:
		return "Inactive"
	case FrameStateAwaitingAnimationFrame:
		return "AwaitingAnimationFrame"
	case FrameStateProcessingAnimationFrame:
		return "ProcessingAnimationFrame"
	case FrameStateFinishedCpuSubmits:
		return "FinishedCpuSubmits"
	default:
		return "Unknown"
	}
}

// SubresourceState is the layout, last pipeline stages, access mask and owning queue family of an image.
type SubresourceState struct {
	Layout           gpu.ImageLayout
	Stages           gpu.PipelineStageFlags
	Access           gpu.AccessFlags
	QueueFamilyIndex uint32
}

// InitialSubresourceState is the state of a freshly created presentable image.
var InitialSubresourceState = SubresourceState{
	Layout:           gpu.ImageLayoutUndefined,
	Stages:           gpu.PipelineStageTopOfPipe,
	Access:           gpu.AccessNone,
	QueueFamilyIndex: gpu.QueueFamilyIgnored,
}

// AnimationFrameSource delivers the platform's animation-frame callback, for platforms that only allow
// presenting from inside it.
type AnimationFrameSource interface {
	// RequestAnimationFrame schedules fn to run on the next animation frame, on the platform's thread.
	RequestAnimationFrame(fn func())
}

// RenderOutput is a presentation target: a swapchain or a set of offscreen render targets.
type RenderOutput interface {
	// Flags returns the synchronization properties of the output.
	Flags() Flags

	SupportsAcquireImageSemaphore() bool
	SupportsPresentImageSemaphore() bool
	RequiresPresentFence() bool

	// AcquireNextImage acquires the next image to render to. It refuses while any image is in flight.
	//
	// Parameters:
	//   - d: the device the frame renders on
	//   - timeout: the longest time to wait for the presentation engine
	//   - semaphore: signaled once the image may be written, if SupportsAcquireImageSemaphore
	//   - fence: signaled once the image may be written, or an invalid view
	//
	// Returns:
	//   - gpu.FrameImageId: the acquired image
	//   - bool: false if no image is available yet
	AcquireNextImage(d *device.LogicalDevice, timeout time.Duration, semaphore gpu.SemaphoreView, fence gpu.FenceView) (gpu.FrameImageId, bool)

	// PresentAcquiredImage hands an image back for display. The returned Future resolves once the image
	// is Inactive again; that transition happens exactly once per acquire.
	//
	// Parameters:
	//   - d: the device the frame rendered on
	//   - id: the image returned by AcquireNextImage
	//   - waitSemaphores: semaphores signaled by the last stages of the frame
	//   - fence: signaled by the last stage of the frame, or an invalid view
	//
	// Returns:
	//   - *gpu.Future: resolves once the image was presented and returned to Inactive
	PresentAcquiredImage(d *device.LogicalDevice, id gpu.FrameImageId, waitSemaphores []gpu.SemaphoreView, fence gpu.FenceView) *gpu.Future

	// IsOutOfDate reports whether the output must be recreated before the next acquire can succeed.
	IsOutOfDate() bool

	// Recreate rebuilds the presentable images at the current resolution.
	Recreate() error

	ImageCount() int
	Format() gpu.Format
	Resolution() gpu.Extent2D
	ColorImage(id gpu.FrameImageId) gpu.Image
	ColorImageView(id gpu.FrameImageId) gpu.ImageView
	FrameState(id gpu.FrameImageId) FrameState

	// PresentColorImageLayout is the layout an image must be in when it is presented.
	PresentColorImageLayout() gpu.ImageLayout

	// SubresourceState returns the tracked state of an image; stages update it as they record barriers.
	SubresourceState(id gpu.FrameImageId) SubresourceState
	SetSubresourceState(id gpu.FrameImageId, state SubresourceState)

	// Destroy releases the presentable images. No image may be in flight.
	Destroy()
}
