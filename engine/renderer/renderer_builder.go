package renderer

import (
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/framegraph"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// RendererBuilderOption is a functional option applied to a renderer during construction via NewRenderer.
type RendererBuilderOption func(*renderer)

// WithPresentMode sets the surface present mode which controls how frames are delivered to the display.
//
// Parameters:
//   - mode: the PresentMode to use (VSync, Uncapped or Mailbox)
//
// Returns:
//   - RendererBuilderOption: a function that applies the present mode option to a renderer
func WithPresentMode(mode PresentMode) RendererBuilderOption {
	return func(r *renderer) {
		r.presentMode = mode
	}
}

// WithFormats sets the color formats to pick the output format from, in order of preference.
//
// Parameters:
//   - formats: the preferred output formats
//
// Returns:
//   - RendererBuilderOption: a function that applies the formats option to a renderer
func WithFormats(formats ...gpu.Format) RendererBuilderOption {
	return func(r *renderer) {
		r.formats = formats
	}
}

// WithForceSoftwareRenderer forces WGPU to use a CPU/software fallback adapter instead of
// hardware GPU acceleration. This requires a software Vulkan ICD to be installed on the system
// (e.g. SwiftShader or lavapipe). Ignored by the other backends.
//
// Parameters:
//   - force: true to force the software fallback adapter, false to use hardware (default)
//
// Returns:
//   - RendererBuilderOption: a function that applies the force software renderer option to a renderer
func WithForceSoftwareRenderer(force bool) RendererBuilderOption {
	return func(r *renderer) {
		r.forceFallbackAdapter = force
	}
}

// WithPhysicalDevice selects the Vulkan physical device by index. Ignored by the other backends.
//
// Parameters:
//   - id: the index of the physical device
//
// Returns:
//   - RendererBuilderOption: a function that applies the physical device option to a renderer
func WithPhysicalDevice(id int) RendererBuilderOption {
	return func(r *renderer) {
		r.physicalDevice = id
	}
}

// WithApplicationName sets the application name reported to the Vulkan instance.
//
// Parameters:
//   - name: the application name
//
// Returns:
//   - RendererBuilderOption: a function that applies the application name option to a renderer
func WithApplicationName(name string) RendererBuilderOption {
	return func(r *renderer) {
		r.applicationName = name
	}
}

// WithHeadlessProfile selects the synchronization model of the headless backend.
//
// Parameters:
//   - profile: the simulated profile
//   - options: functional options passed to the headless backend
//
// Returns:
//   - RendererBuilderOption: a function that applies the headless profile option to a renderer
func WithHeadlessProfile(profile headless.Profile, options ...headless.BackendBuilderOption) RendererBuilderOption {
	return func(r *renderer) {
		r.headlessProfile = profile
		r.headlessOptions = options
	}
}

// WithOffscreen renders into device-owned images of the given size instead of a window swapchain.
//
// Parameters:
//   - width: the width of the render targets in pixels
//   - height: the height of the render targets in pixels
//
// Returns:
//   - RendererBuilderOption: a function that applies the offscreen option to a renderer
func WithOffscreen(width, height int) RendererBuilderOption {
	return func(r *renderer) {
		r.offscreen = true
		r.offscreenExtent = gpu.Extent2D{Width: uint32(max(width, 1)), Height: uint32(max(height, 1))}
	}
}

// WithRunnerCount sets how many job runners execute stages. Zero keeps the job manager default.
//
// Parameters:
//   - n: the number of runners
//
// Returns:
//   - RendererBuilderOption: a function that applies the runner count option to a renderer
func WithRunnerCount(n int) RendererBuilderOption {
	return func(r *renderer) {
		r.runnerCount = n
	}
}

// WithFenceWaiters sets how many workers block on native fences.
//
// Parameters:
//   - n: the number of fence waiters
//
// Returns:
//   - RendererBuilderOption: a function that applies the fence waiter option to a renderer
func WithFenceWaiters(n int) RendererBuilderOption {
	return func(r *renderer) {
		r.fenceWaiters = n
	}
}

// WithFramegraphOptions passes options through to the framegraph, such as the acquire timeout or frame observers.
//
// Parameters:
//   - options: the framegraph options
//
// Returns:
//   - RendererBuilderOption: a function that applies the framegraph options to a renderer
func WithFramegraphOptions(options ...framegraph.FramegraphBuilderOption) RendererBuilderOption {
	return func(r *renderer) {
		r.framegraphOptions = append(r.framegraphOptions, options...)
	}
}
