package headless

import "github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"

// Profile selects which native synchronization model the simulated device mimics.
type Profile uint8

const (
	// ProfileVulkan supports acquire and present semaphores.
	ProfileVulkan Profile = iota
	// ProfileWebGPU supports present semaphores on a single implicitly ordered queue, with emulated fences.
	ProfileWebGPU
	// ProfileMetal presents through the present job and orders presentation with a fence.
	ProfileMetal
	// ProfileFenceOnly has no semaphores at all: presentation awaits a fence on the CPU first.
	ProfileFenceOnly
)

func (p Profile) String() string {
	switch p {
	case ProfileVulkan:
		return "vulkan"
	case ProfileWebGPU:
		return "webgpu"
	case ProfileMetal:
		return "metal"
	case ProfileFenceOnly:
		return "fence-only"
	default:
		return "unknown"
	}
}

// Capabilities returns the synchronization model of the profile.
func (p Profile) Capabilities() gpu.Capabilities {
	switch p {
	case ProfileVulkan:
		return gpu.Capabilities{AcquireImageSemaphore: true, PresentImageSemaphore: true, NativeFences: true}
	case ProfileWebGPU:
		return gpu.Capabilities{PresentImageSemaphore: true, RequiresTick: true}
	case ProfileMetal:
		return gpu.Capabilities{RequiresPresentFence: true, PresentViaJob: true}
	default:
		return gpu.Capabilities{RequiresPresentFence: true}
	}
}
