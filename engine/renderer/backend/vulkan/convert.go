package vulkan

import (
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	vk "github.com/vulkan-go/vulkan"
)

var formats = map[gpu.Format]vk.Format{
	gpu.FormatBGRA8Unorm:   vk.FormatB8g8r8a8Unorm,
	gpu.FormatBGRA8Srgb:    vk.FormatB8g8r8a8Srgb,
	gpu.FormatRGBA8Unorm:   vk.FormatR8g8b8a8Unorm,
	gpu.FormatRGBA8Srgb:    vk.FormatR8g8b8a8Srgb,
	gpu.FormatRGBA16Float:  vk.FormatR16g16b16a16Sfloat,
	gpu.FormatRGB10A2Unorm: vk.FormatA2b10g10r10UnormPack32,
}

func toFormat(f gpu.Format) (vk.Format, bool) {
	native, ok := formats[f]
	return native, ok
}

func fromFormat(native vk.Format) (gpu.Format, bool) {
	for f, n := range formats {
		if n == native {
			return f, true
		}
	}
	return gpu.FormatUndefined, false
}

func toImageLayout(l gpu.ImageLayout) vk.ImageLayout {
	switch l {
	case gpu.ImageLayoutGeneral:
		return vk.ImageLayoutGeneral
	case gpu.ImageLayoutColorAttachmentOptimal:
		return vk.ImageLayoutColorAttachmentOptimal
	case gpu.ImageLayoutShaderReadOnlyOptimal:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpu.ImageLayoutTransferSrcOptimal:
		return vk.ImageLayoutTransferSrcOptimal
	case gpu.ImageLayoutTransferDstOptimal:
		return vk.ImageLayoutTransferDstOptimal
	case gpu.ImageLayoutPresent:
		return vk.ImageLayoutPresentSrc
	default:
		return vk.ImageLayoutUndefined
	}
}

var usages = []struct {
	logical gpu.ImageUsageFlags
	native  vk.ImageUsageFlagBits
}{
	{gpu.ImageUsageTransferSrc, vk.ImageUsageTransferSrcBit},
	{gpu.ImageUsageTransferDst, vk.ImageUsageTransferDstBit},
	{gpu.ImageUsageSampled, vk.ImageUsageSampledBit},
	{gpu.ImageUsageStorage, vk.ImageUsageStorageBit},
	{gpu.ImageUsageColorAttachment, vk.ImageUsageColorAttachmentBit},
}

func toImageUsage(u gpu.ImageUsageFlags) vk.ImageUsageFlagBits {
	var out vk.ImageUsageFlagBits
	for _, m := range usages {
		if u&m.logical != 0 {
			out |= m.native
		}
	}
	return out
}

func fromImageUsage(native vk.ImageUsageFlagBits) gpu.ImageUsageFlags {
	var out gpu.ImageUsageFlags
	for _, m := range usages {
		if native&m.native != 0 {
			out |= m.logical
		}
	}
	return out
}

func toPresentMode(m gpu.PresentMode) vk.PresentMode {
	switch m {
	case gpu.PresentModeImmediate:
		return vk.PresentModeImmediate
	case gpu.PresentModeMailbox:
		return vk.PresentModeMailbox
	default:
		return vk.PresentModeFifo
	}
}

func fromPresentMode(m vk.PresentMode) (gpu.PresentMode, bool) {
	switch m {
	case vk.PresentModeFifo:
		return gpu.PresentModeFifo, true
	case vk.PresentModeImmediate:
		return gpu.PresentModeImmediate, true
	case vk.PresentModeMailbox:
		return gpu.PresentModeMailbox, true
	default:
		return 0, false
	}
}
