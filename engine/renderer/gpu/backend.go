package gpu

import (
	"errors"
	"time"
)

var (
	// ErrUnsupportedFormat is returned when none of the requested formats is supported by a surface.
	ErrUnsupportedFormat = errors.New("gpu: no requested format is supported")
	// ErrInvalidExtent is returned when a requested extent, layer count or sample count exceeds device limits.
	ErrInvalidExtent = errors.New("gpu: extent exceeds surface limits")
	// ErrSwapchainOutOfDate is returned when the swapchain no longer matches its surface and must be recreated.
	ErrSwapchainOutOfDate = errors.New("gpu: swapchain out of date")
	// ErrDeviceLost is returned when the device stopped responding.
	ErrDeviceLost = errors.New("gpu: device lost")
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("gpu: operation not supported by backend")
	// ErrTimeout is returned when a wait did not complete in time.
	ErrTimeout = errors.New("gpu: timed out")
)

// Capabilities describes the native synchronization model of a backend.
type Capabilities struct {
	// AcquireImageSemaphore is set when acquire can signal a semaphore that submissions wait on.
	AcquireImageSemaphore bool
	// PresentImageSemaphore is set when present can wait on semaphores signaled by submissions.
	PresentImageSemaphore bool
	// RequiresPresentFence is set when presentation is ordered by a fence instead of semaphores.
	RequiresPresentFence bool
	// PresentViaJob is set when every present goes through the present job regardless of primitive.
	PresentViaJob bool
	// NativeFences is unset when the backend hands out EmulatedFence values.
	NativeFences bool
	// RequiresTick is set when completion callbacks only fire while the device is polled.
	RequiresTick bool
}

// AcquireResult is the outcome of an image acquire.
type AcquireResult uint8

const (
	AcquireSuccess AcquireResult = iota
	AcquireSuboptimal
	AcquireTimeout
	AcquireOutOfDate
	AcquireError
)

func (r AcquireResult) String() string {
	switch r {
	case AcquireSuccess:
		return "Success"
	case AcquireSuboptimal:
		return "Suboptimal"
	case AcquireTimeout:
		return "Timeout"
	case AcquireOutOfDate:
		return "OutOfDate"
	default:
		return "Error"
	}
}

// Image is a non-owning reference to a backend image.
type Image struct {
	native any
}

// NewImage wraps a backend-native image handle.
func NewImage(native any) Image { return Image{native: native} }

func (i Image) Native() any   { return i.native }
func (i Image) IsValid() bool { return i.native != nil }

// ImageView is a backend view over an image, owned by whoever created it.
type ImageView struct {
	native any
}

// NewImageView wraps a backend-native image view handle.
func NewImageView(native any) ImageView { return ImageView{native: native} }

func (v ImageView) Native() any   { return v.native }
func (v ImageView) IsValid() bool { return v.native != nil }

// Surface is a platform presentation surface created by the window layer.
type Surface struct {
	native any
}

// NewSurface wraps a backend-native surface handle.
func NewSurface(native any) Surface { return Surface{native: native} }

func (s Surface) Native() any   { return s.native }
func (s Surface) IsValid() bool { return s.native != nil }

// CommandBuffer is a backend command buffer recorded for one queue family.
type CommandBuffer struct {
	native any
	family QueueFamily
}

// NewCommandBuffer wraps a backend-native command buffer.
func NewCommandBuffer(native any, family QueueFamily) CommandBuffer {
	return CommandBuffer{native: native, family: family}
}

func (c CommandBuffer) Native() any              { return c.native }
func (c CommandBuffer) IsValid() bool            { return c.native != nil }
func (c CommandBuffer) QueueFamily() QueueFamily { return c.family }

// ImageBarrier describes a layout transition and ownership transfer of an image.
type ImageBarrier struct {
	Image          Image
	OldLayout      ImageLayout
	NewLayout      ImageLayout
	SrcStages      PipelineStageFlags
	DstStages      PipelineStageFlags
	SrcAccess      AccessFlags
	DstAccess      AccessFlags
	SrcQueueFamily uint32
	DstQueueFamily uint32
}

// CommandEncoder records commands into a CommandBuffer between BeginEncoding and End.
type CommandEncoder interface {
	// TransitionImageLayout records an image memory barrier.
	//
	// Parameters:
	//   - barrier: the transition to record
	TransitionImageLayout(barrier ImageBarrier)

	// ClearColorImage records a clear of the whole color image, which must be in the given layout.
	//
	// Parameters:
	//   - image: the image to clear
	//   - layout: the layout the image is in at this point of the command stream
	//   - color: the RGBA clear color
	ClearColorImage(image Image, layout ImageLayout, color [4]float32)

	// Native returns the backend-native encoder for recording commands this interface does not cover.
	//
	// Returns:
	//   - any: the native encoder (vk.CommandBuffer, *wgpu.CommandEncoder, ...)
	Native() any

	// End finishes encoding. The command buffer is ready for submission afterwards.
	//
	// Returns:
	//   - error: an error if the backend rejected the recorded commands
	End() error
}

// SubmitBatch is one queue submission.
type SubmitBatch struct {
	CommandBuffers   []CommandBuffer
	WaitSemaphores   []SemaphoreView
	WaitStages       []PipelineStageFlags
	SignalSemaphores []SemaphoreView
	Fence            FenceView
}

// SurfaceCapabilities are the limits a surface places on swapchains created for it.
type SurfaceCapabilities struct {
	MinImageCount  uint32
	MaxImageCount  uint32 // 0 means unbounded
	CurrentExtent  Extent2D
	MinExtent      Extent2D
	MaxExtent      Extent2D
	MaxArrayLayers uint32
	MaxSampleCount uint32
	SupportedUsage ImageUsageFlags
	Formats        []Format
	PresentModes   []PresentMode
}

// ImageDescriptor configures CreateImage.
type ImageDescriptor struct {
	Extent Extent2D
	Format Format
	Usage  ImageUsageFlags
	Label  string
}

// SwapchainDescriptor configures CreateSwapchain.
type SwapchainDescriptor struct {
	Surface     Surface
	Format      Format
	Extent      Extent2D
	ImageCount  uint32
	ArrayLayers uint32
	Usage       ImageUsageFlags
	PresentMode PresentMode
	// Old is the swapchain being replaced, or the zero value.
	Old Swapchain
}

// Swapchain is a backend swapchain and the images it owns.
type Swapchain struct {
	Handle any
	Images []Image
	Format Format
	Extent Extent2D
}

// IsValid reports whether the swapchain refers to a backend object.
func (s Swapchain) IsValid() bool { return s.Handle != nil }

// Backend is the single interface every graphics API implementation satisfies.
// Stages, outputs and the device layer are written only against it.
type Backend interface {
	// Name returns a short identifier used in logs.
	Name() string

	// Capabilities returns the synchronization model of the backend.
	Capabilities() Capabilities

	CreateSemaphore() (any, error)
	DestroySemaphore(native any)

	CreateFence(signaled bool) (any, error)
	DestroyFence(native any)
	FenceStatus(native any) FenceStatus
	WaitFence(native any, timeout time.Duration) FenceWaitResult
	ResetFence(native any)

	// CreateCommandBuffer allocates a primary command buffer for the given queue family.
	CreateCommandBuffer(family QueueFamily) (CommandBuffer, error)
	DestroyCommandBuffer(cb CommandBuffer)

	// BeginEncoding resets cb and starts recording into it.
	//
	// Parameters:
	//   - cb: the command buffer to record into
	//
	// Returns:
	//   - CommandEncoder: the encoder, valid until End
	//   - error: an error if recording could not start
	BeginEncoding(cb CommandBuffer) (CommandEncoder, error)

	// Submit queues a batch on the queue of the given family.
	// The returned Future resolves once the GPU finished executing the batch; batch.Fence is signaled first.
	//
	// Parameters:
	//   - family: the queue family to submit to
	//   - batch: the command buffers and synchronization primitives of the submission
	//
	// Returns:
	//   - *Future: resolves when the batch finished executing
	//   - error: an error if the backend rejected the submission
	Submit(family QueueFamily, batch SubmitBatch) (*Future, error)

	SurfaceCapabilities(surface Surface) (SurfaceCapabilities, error)
	CreateSwapchain(desc SwapchainDescriptor) (Swapchain, error)
	DestroySwapchain(sc Swapchain)
	// CreateImage allocates a device-local 2D image in ImageLayoutUndefined.
	CreateImage(desc ImageDescriptor) (Image, error)
	DestroyImage(image Image)
	CreateImageView(image Image, format Format) (ImageView, error)
	DestroyImageView(view ImageView)

	// AcquireNextImage asks the swapchain for its next presentable image.
	// semaphore and fence may be invalid views; backends without acquire semaphores ignore semaphore.
	//
	// Parameters:
	//   - sc: the swapchain to acquire from
	//   - timeout: the longest time to wait for an image
	//   - semaphore: signaled when the image is ready for rendering
	//   - fence: signaled when the image is ready for rendering
	//
	// Returns:
	//   - uint32: the acquired image index, meaningful for AcquireSuccess and AcquireSuboptimal
	//   - AcquireResult: the outcome of the acquire
	AcquireNextImage(sc Swapchain, timeout time.Duration, semaphore SemaphoreView, fence FenceView) (uint32, AcquireResult)

	// Present queues imageIndex of sc for display after every wait semaphore is signaled.
	//
	// Parameters:
	//   - sc: the swapchain the image belongs to
	//   - imageIndex: the acquired image to present
	//   - waits: semaphores the present waits on
	//
	// Returns:
	//   - error: ErrSwapchainOutOfDate if the swapchain must be recreated, other errors on failure
	Present(sc Swapchain, imageIndex uint32, waits []SemaphoreView) error

	// Tick polls the device so pending completion callbacks run. A no-op for backends without RequiresTick.
	Tick()

	// WaitIdle blocks until every queue is idle.
	WaitIdle()

	// Release destroys the device. No other method may be called afterwards.
	Release()
}
