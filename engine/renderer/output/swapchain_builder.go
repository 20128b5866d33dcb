package output

import "github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"

// SwapchainBuilderOption is a functional option for configuring a SwapchainOutput.
type SwapchainBuilderOption func(*SwapchainOutput)

// WithFormats sets the surface formats to pick from, in order of preference.
//
// Parameters:
//   - formats: the preferred formats
//
// Returns:
//   - SwapchainBuilderOption: a function that applies the formats to a SwapchainOutput
func WithFormats(formats ...gpu.Format) SwapchainBuilderOption {
	return func(s *SwapchainOutput) {
		if len(formats) > 0 {
			s.formats = formats
		}
	}
}

// WithUsage sets the usage the swapchain images are created with.
func WithUsage(usage gpu.ImageUsageFlags) SwapchainBuilderOption {
	return func(s *SwapchainOutput) {
		s.usage = usage
	}
}

// WithPresentMode requests a present mode. FIFO is used when the surface does not offer it.
func WithPresentMode(mode gpu.PresentMode) SwapchainBuilderOption {
	return func(s *SwapchainOutput) {
		s.presentMode = mode
	}
}

// WithAnimationFrameSource makes every acquired image wait for the platform's animation frame.
//
// Parameters:
//   - src: the platform animation frame source
//
// Returns:
//   - SwapchainBuilderOption: a function that applies the source to a SwapchainOutput
func WithAnimationFrameSource(src AnimationFrameSource) SwapchainBuilderOption {
	return func(s *SwapchainOutput) {
		s.animation = src
	}
}
