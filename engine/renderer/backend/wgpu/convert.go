package wgpu

import (
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/cogentcore/webgpu/wgpu"
)

var textureFormats = map[gpu.Format]wgpu.TextureFormat{
	gpu.FormatBGRA8Unorm:   wgpu.TextureFormatBGRA8Unorm,
	gpu.FormatBGRA8Srgb:    wgpu.TextureFormatBGRA8UnormSrgb,
	gpu.FormatRGBA8Unorm:   wgpu.TextureFormatRGBA8Unorm,
	gpu.FormatRGBA8Srgb:    wgpu.TextureFormatRGBA8UnormSrgb,
	gpu.FormatRGBA16Float:  wgpu.TextureFormatRGBA16Float,
	gpu.FormatRGB10A2Unorm: wgpu.TextureFormatRGB10A2Unorm,
}

func toTextureFormat(f gpu.Format) (wgpu.TextureFormat, bool) {
	tf, ok := textureFormats[f]
	return tf, ok
}

func fromTextureFormat(tf wgpu.TextureFormat) (gpu.Format, bool) {
	for f, native := range textureFormats {
		if native == tf {
			return f, true
		}
	}
	return gpu.FormatUndefined, false
}

func toTextureUsage(u gpu.ImageUsageFlags) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&gpu.ImageUsageTransferSrc != 0 {
		out |= wgpu.TextureUsageCopySrc
	}
	if u&gpu.ImageUsageTransferDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	if u&gpu.ImageUsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&gpu.ImageUsageStorage != 0 {
		out |= wgpu.TextureUsageStorageBinding
	}
	if u&gpu.ImageUsageColorAttachment != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	return out
}

func toPresentMode(m gpu.PresentMode) wgpu.PresentMode {
	switch m {
	case gpu.PresentModeImmediate:
		return wgpu.PresentModeImmediate
	case gpu.PresentModeMailbox:
		return wgpu.PresentModeMailbox
	default:
		return wgpu.PresentModeFifo
	}
}

func fromPresentMode(m wgpu.PresentMode) (gpu.PresentMode, bool) {
	switch m {
	case wgpu.PresentModeFifo:
		return gpu.PresentModeFifo, true
	case wgpu.PresentModeImmediate:
		return gpu.PresentModeImmediate, true
	case wgpu.PresentModeMailbox:
		return gpu.PresentModeMailbox, true
	default:
		return 0, false
	}
}
