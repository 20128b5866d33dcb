package gpu

// MaximumConcurrentFrameCount is the capacity of every per-frame array in the engine.
const MaximumConcurrentFrameCount = 3

// FrameIndex identifies one per-frame-in-flight slot, in [0, MaximumConcurrentFrameCount).
type FrameIndex = uint8

// FrameImageId identifies one presentable image of a RenderOutput for the current frame.
type FrameImageId uint8

// QueueFamily identifies the kind of GPU queue a command buffer is recorded for and submitted to.
type QueueFamily uint8

const (
	QueueFamilyGraphics QueueFamily = iota
	QueueFamilyTransfer
	QueueFamilyCompute
	QueueFamilyCount
)

func (q QueueFamily) String() string {
	switch q {
	case QueueFamilyGraphics:
		return "Graphics"
	case QueueFamilyTransfer:
		return "Transfer"
	case QueueFamilyCompute:
		return "Compute"
	default:
		return "Unknown"
	}
}

// QueueFamilyIgnored marks a subresource that is not owned by any queue family.
const QueueFamilyIgnored = ^uint32(0)

// PipelineStageFlags is a mask of GPU pipeline stages. Bit values match Vulkan's.
type PipelineStageFlags uint32

const (
	PipelineStageNone                  PipelineStageFlags = 0
	PipelineStageTopOfPipe             PipelineStageFlags = 0x00000001
	PipelineStageVertexShader          PipelineStageFlags = 0x00000008
	PipelineStageFragmentShader        PipelineStageFlags = 0x00000080
	PipelineStageEarlyFragmentTests    PipelineStageFlags = 0x00000100
	PipelineStageLateFragmentTests     PipelineStageFlags = 0x00000200
	PipelineStageColorAttachmentOutput PipelineStageFlags = 0x00000400
	PipelineStageComputeShader         PipelineStageFlags = 0x00000800
	PipelineStageTransfer              PipelineStageFlags = 0x00001000
	PipelineStageBottomOfPipe          PipelineStageFlags = 0x00002000
	PipelineStageHost                  PipelineStageFlags = 0x00004000
	PipelineStageAllGraphics           PipelineStageFlags = 0x00008000
	PipelineStageAllCommands           PipelineStageFlags = 0x00010000
)

// AccessFlags is a mask of memory access types. Bit values match Vulkan's.
type AccessFlags uint32

const (
	AccessNone                 AccessFlags = 0
	AccessShaderRead           AccessFlags = 0x00000020
	AccessShaderWrite          AccessFlags = 0x00000040
	AccessColorAttachmentRead  AccessFlags = 0x00000080
	AccessColorAttachmentWrite AccessFlags = 0x00000100
	AccessTransferRead         AccessFlags = 0x00000800
	AccessTransferWrite        AccessFlags = 0x00001000
	AccessMemoryRead           AccessFlags = 0x00008000
	AccessMemoryWrite          AccessFlags = 0x00010000
)

// ImageLayout is the memory layout an image is currently in.
type ImageLayout uint8

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutColorAttachmentOptimal
	ImageLayoutShaderReadOnlyOptimal
	ImageLayoutTransferSrcOptimal
	ImageLayoutTransferDstOptimal
	ImageLayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "Undefined"
	case ImageLayoutGeneral:
		return "General"
	case ImageLayoutColorAttachmentOptimal:
		return "ColorAttachmentOptimal"
	case ImageLayoutShaderReadOnlyOptimal:
		return "ShaderReadOnlyOptimal"
	case ImageLayoutTransferSrcOptimal:
		return "TransferSrcOptimal"
	case ImageLayoutTransferDstOptimal:
		return "TransferDstOptimal"
	case ImageLayoutPresent:
		return "Present"
	default:
		return "Unknown"
	}
}

// SupportedPipelineStageFlags returns the pipeline stages that may access an image in the given layout.
//
// Parameters:
//   - layout: the image layout
//
// Returns:
//   - PipelineStageFlags: the stages that may touch an image in that layout
func SupportedPipelineStageFlags(layout ImageLayout) PipelineStageFlags {
	switch layout {
	case ImageLayoutUndefined:
		return PipelineStageTopOfPipe
	case ImageLayoutColorAttachmentOptimal:
		return PipelineStageColorAttachmentOutput
	case ImageLayoutShaderReadOnlyOptimal:
		return PipelineStageVertexShader | PipelineStageFragmentShader | PipelineStageComputeShader
	case ImageLayoutTransferSrcOptimal, ImageLayoutTransferDstOptimal:
		return PipelineStageTransfer
	case ImageLayoutPresent:
		return PipelineStageBottomOfPipe
	default:
		return PipelineStageAllCommands
	}
}

// SupportedAccessFlags returns the access types valid for an image in the given layout.
//
// Parameters:
//   - layout: the image layout
//
// Returns:
//   - AccessFlags: the access mask matching that layout
func SupportedAccessFlags(layout ImageLayout) AccessFlags {
	switch layout {
	case ImageLayoutColorAttachmentOptimal:
		return AccessColorAttachmentRead | AccessColorAttachmentWrite
	case ImageLayoutShaderReadOnlyOptimal:
		return AccessShaderRead
	case ImageLayoutTransferSrcOptimal:
		return AccessTransferRead
	case ImageLayoutTransferDstOptimal:
		return AccessTransferWrite
	case ImageLayoutGeneral:
		return AccessMemoryRead | AccessMemoryWrite
	default:
		return AccessNone
	}
}

// Format is a backend-neutral pixel format.
type Format uint8

const (
	FormatUndefined Format = iota
	FormatBGRA8Unorm
	FormatBGRA8Srgb
	FormatRGBA8Unorm
	FormatRGBA8Srgb
	FormatRGBA16Float
	FormatRGB10A2Unorm
)

func (f Format) String() string {
	switch f {
	case FormatBGRA8Unorm:
		return "BGRA8Unorm"
	case FormatBGRA8Srgb:
		return "BGRA8Srgb"
	case FormatRGBA8Unorm:
		return "RGBA8Unorm"
	case FormatRGBA8Srgb:
		return "RGBA8Srgb"
	case FormatRGBA16Float:
		return "RGBA16Float"
	case FormatRGB10A2Unorm:
		return "RGB10A2Unorm"
	default:
		return "Undefined"
	}
}

// ImageUsageFlags is a mask of the ways an image may be used.
type ImageUsageFlags uint32

const (
	ImageUsageTransferSrc ImageUsageFlags = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
)

// PresentMode controls how presented images are delivered to the display.
type PresentMode uint8

const (
	// PresentModeFifo waits for the vertical blank. Always supported.
	PresentModeFifo PresentMode = iota
	// PresentModeImmediate presents without waiting and may tear.
	PresentModeImmediate
	// PresentModeMailbox replaces the queued image without tearing.
	PresentModeMailbox
)

// Extent2D is a width and height in pixels.
type Extent2D struct {
	Width  uint32
	Height uint32
}

// IsZero reports whether either dimension is zero, as happens for a minimized window.
func (e Extent2D) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}
