package renderer

import (
	"github.com/cogentcore/webgpu/wgpu"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// BackendType identifies the GPU backend implementation used by the Renderer.
type BackendType int

const (
	// BackendVulkan selects the Vulkan backend with native semaphores and fences.
	BackendVulkan BackendType = iota

	// BackendWebGPU selects the WebGPU backend. Fences are emulated from queue work-done callbacks.
	BackendWebGPU

	// BackendHeadless selects the simulated device. It needs no window.
	BackendHeadless
)

func (t BackendType) String() string {
	switch t {
	case BackendVulkan:
		return "Vulkan"
	case BackendWebGPU:
		return "WebGPU"
	case BackendHeadless:
		return "Headless"
	default:
		return "Unknown"
	}
}

// PresentMode controls how rendered frames are presented to the display surface.
type PresentMode int

const (
	// PresentModeVSync waits for the next vertical blank before presenting, capping frame rate
	// to the monitor's refresh rate. Eliminates tearing.
	PresentModeVSync PresentMode = iota

	// PresentModeUncapped presents frames immediately without waiting for vertical blank.
	// May cause screen tearing but provides the lowest latency.
	PresentModeUncapped

	// PresentModeMailbox replaces the queued frame without tearing. Falls back to VSync where unsupported.
	PresentModeMailbox
)

// native returns the present mode requested from the swapchain.
func (m PresentMode) native() gpu.PresentMode {
	switch m {
	case PresentModeUncapped:
		return gpu.PresentModeImmediate
	case PresentModeMailbox:
		return gpu.PresentModeMailbox
	default:
		return gpu.PresentModeFifo
	}
}

// SurfaceSource is the window a Renderer presents to. It creates the native surface for the selected backend.
type SurfaceSource interface {
	// Width returns the current framebuffer width in pixels.
	Width() int

	// Height returns the current framebuffer height in pixels.
	Height() int

	// WebGPUSurface creates a surface for the window on the given WebGPU instance.
	//
	// Parameters:
	//   - instance: the instance the surface belongs to
	//
	// Returns:
	//   - *wgpu.Surface: the created surface, or nil if the window is not initialized
	WebGPUSurface(instance *wgpu.Instance) *wgpu.Surface

	// InitVulkan loads the Vulkan loader through the window system and reports the instance extensions
	// needed for presenting to it.
	//
	// Returns:
	//   - []string: the required instance extensions
	//   - error: an error if the window system has no Vulkan support
	InitVulkan() ([]string, error)

	// VulkanSurface creates a surface for the window on the given Vulkan instance.
	//
	// Parameters:
	//   - instance: the instance the surface belongs to
	//
	// Returns:
	//   - vk.Surface: the created surface
	//   - error: an error if surface creation fails
	VulkanSurface(instance vk.Instance) (vk.Surface, error)
}

func framebufferSize(src SurfaceSource) gpu.Extent2D {
	return gpu.Extent2D{Width: uint32(max(src.Width(), 0)), Height: uint32(max(src.Height(), 0))}
}
