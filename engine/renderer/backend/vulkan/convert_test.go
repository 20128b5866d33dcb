package vulkan

import (
	"errors"
	"testing"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	vk "github.com/vulkan-go/vulkan"
)

func TestFormatsMapBothWays(t *testing.T) {
	for f := gpu.FormatBGRA8Unorm; f <= gpu.FormatRGB10A2Unorm; f++ {
		native, ok := toFormat(f)
		if !ok {
			t.Fatalf("format %s has no vulkan format", f)
		}
		back, ok := fromFormat(native)
		if !ok || back != f {
			t.Errorf("format %s maps back to %s", f, back)
		}
	}
	if _, ok := fromFormat(vk.FormatR8Unorm); ok {
		t.Error("single channel format must not map")
	}
}

func TestImageLayouts(t *testing.T) {
	cases := map[gpu.ImageLayout]vk.ImageLayout{
		gpu.ImageLayoutUndefined:              vk.ImageLayoutUndefined,
		gpu.ImageLayoutColorAttachmentOptimal: vk.ImageLayoutColorAttachmentOptimal,
		gpu.ImageLayoutTransferDstOptimal:     vk.ImageLayoutTransferDstOptimal,
		gpu.ImageLayoutPresent:                vk.ImageLayoutPresentSrc,
	}
	for l, want := range cases {
		if got := toImageLayout(l); got != want {
			t.Errorf("%s -> %d, want %d", l, got, want)
		}
	}
}

func TestImageUsageRoundTrip(t *testing.T) {
	u := gpu.ImageUsageColorAttachment | gpu.ImageUsageTransferDst | gpu.ImageUsageSampled
	if got := fromImageUsage(toImageUsage(u)); got != u {
		t.Errorf("usage = %b, want %b", got, u)
	}
}

func TestPipelineStagesMatchVulkanBits(t *testing.T) {
	cases := map[gpu.PipelineStageFlags]vk.PipelineStageFlagBits{
		gpu.PipelineStageTopOfPipe:             vk.PipelineStageTopOfPipeBit,
		gpu.PipelineStageColorAttachmentOutput: vk.PipelineStageColorAttachmentOutputBit,
		gpu.PipelineStageComputeShader:         vk.PipelineStageComputeShaderBit,
		gpu.PipelineStageTransfer:              vk.PipelineStageTransferBit,
		gpu.PipelineStageBottomOfPipe:          vk.PipelineStageBottomOfPipeBit,
		gpu.PipelineStageAllCommands:           vk.PipelineStageAllCommandsBit,
	}
	for logical, native := range cases {
		if uint32(logical) != uint32(native) {
			t.Errorf("stage %#x differs from vulkan bit %#x", uint32(logical), uint32(native))
		}
	}
}

func TestAccessMatchesVulkanBits(t *testing.T) {
	if uint32(gpu.AccessColorAttachmentWrite) != uint32(vk.AccessColorAttachmentWriteBit) {
		t.Error("color attachment write bit differs")
	}
	if uint32(gpu.AccessTransferWrite) != uint32(vk.AccessTransferWriteBit) {
		t.Error("transfer write bit differs")
	}
}

func TestNewError(t *testing.T) {
	if newError(vk.Success) != nil {
		t.Fatal("success must not be an error")
	}
	err := newError(vk.ErrorDeviceLost)
	var vkErr *Error
	if !errors.As(err, &vkErr) || vkErr.Result != vk.ErrorDeviceLost {
		t.Fatalf("error = %v", err)
	}
	if got := err.Error(); got != "vulkan error: ErrorDeviceLost (-4)" {
		t.Errorf("message = %q", got)
	}
}

func TestSafeString(t *testing.T) {
	if safeString("VK_KHR_swapchain") != "VK_KHR_swapchain\x00" {
		t.Error("missing terminator")
	}
	if safeString("a\x00") != "a\x00" {
		t.Error("terminator doubled")
	}
}
