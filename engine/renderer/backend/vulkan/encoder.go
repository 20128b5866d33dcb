package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	vk "github.com/vulkan-go/vulkan"
)

type encoder struct {
	backend *Backend
	cb      *commandBuffer
}

var _ gpu.CommandEncoder = &encoder{}

func (e *encoder) TransitionImageLayout(barrier gpu.ImageBarrier) {
	img, ok := barrier.Image.Native().(*image)
	if !ok {
		common.Logger().Error("[Vulkan] transition of a foreign image")
		return
	}
	src, dst := uint32(vk.QueueFamilyIgnored), uint32(vk.QueueFamilyIgnored)
	if barrier.SrcQueueFamily < uint32(gpu.QueueFamilyCount) && barrier.DstQueueFamily < uint32(gpu.QueueFamilyCount) {
		src = e.backend.families[barrier.SrcQueueFamily]
		dst = e.backend.families[barrier.DstQueueFamily]
		if src == dst {
			src, dst = uint32(vk.QueueFamilyIgnored), uint32(vk.QueueFamilyIgnored)
		}
	}

	vk.CmdPipelineBarrier(e.cb.handle,
		vk.PipelineStageFlags(stagesOrTop(barrier.SrcStages)),
		vk.PipelineStageFlags(stagesOrBottom(barrier.DstStages)),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(barrier.SrcAccess),
			DstAccessMask:       vk.AccessFlags(barrier.DstAccess),
			OldLayout:           toImageLayout(barrier.OldLayout),
			NewLayout:           toImageLayout(barrier.NewLayout),
			SrcQueueFamilyIndex: src,
			DstQueueFamilyIndex: dst,
			Image:               img.handle,
			SubresourceRange:    colorRange(),
		}})
}

// Zero stage masks are invalid without synchronization2.
func stagesOrTop(s gpu.PipelineStageFlags) gpu.PipelineStageFlags {
	return common.Coalesce(s, gpu.PipelineStageTopOfPipe)
}

func stagesOrBottom(s gpu.PipelineStageFlags) gpu.PipelineStageFlags {
	return common.Coalesce(s, gpu.PipelineStageBottomOfPipe)
}

func (e *encoder) ClearColorImage(img gpu.Image, layout gpu.ImageLayout, color [4]float32) {
	i, ok := img.Native().(*image)
	if !ok {
		common.Logger().Error("[Vulkan] clear of a foreign image")
		return
	}
	var value vk.ClearColorValue
	*(*[4]float32)(unsafe.Pointer(&value)) = color
	vk.CmdClearColorImage(e.cb.handle, i.handle, toImageLayout(layout), &value, 1, []vk.ImageSubresourceRange{colorRange()})
}

// Native returns the vk.CommandBuffer being recorded.
func (e *encoder) Native() any { return e.cb.handle }

func (e *encoder) End() error {
	if err := newError(vk.EndCommandBuffer(e.cb.handle)); err != nil {
		return fmt.Errorf("end command buffer: %w", err)
	}
	return nil
}

func colorRange() vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
}
