package window

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cogentcore/webgpu/wgpu"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Carmen-Shannon/oxy-frame/common"
)

// Window provides platform windowing and input event handling.
// Wraps platform-specific window implementations with a common interface.
type Window interface {
	// SetUpdateCallback sets the function called each message loop iteration.
	//
	// Parameters:
	//   - callback: function to call (or nil to disable)
	SetUpdateCallback(callback func())

	// SetResizeCallback sets the function called when the window is resized.
	//
	// Parameters:
	//   - callback: function receiving new width and height in pixels
	SetResizeCallback(callback func(width, height int))


	// SetKeyDownCallback sets the callback for key press events.
	//
	// Parameters:
	//   - callback: function receiving the virtual key code
	SetKeyDownCallback(callback func(keyCode uint32))

	// SetKeyUpCallback sets the callback for key release events.
	//
	// Parameters:
	//   - callback: function receiving the virtual key code
	SetKeyUpCallback(callback func(keyCode uint32))




	// WebGPUSurface creates a WebGPU surface for the window on instance.
	// The descriptor is platform-appropriate (Windows HWND, X11 Xlib, Wayland, macOS Metal, etc.)
	// and is created by the wgpuglfw bridge from the underlying GLFW window.
	//
	// Parameters:
	//   - instance: the WebGPU instance owning the surface
	//
	// Returns:
	//   - *wgpu.Surface: the surface, or nil if window is not initialized
	WebGPUSurface(instance *wgpu.Instance) *wgpu.Surface

	// InitVulkan points the Vulkan loader at GLFW's instance proc address and returns the instance
	// extensions GLFW needs to present to the window.
	//
	// Returns:
	//   - []string: the required instance extensions
	//   - error: error if Vulkan is not available on this system
	InitVulkan() ([]string, error)

	// VulkanSurface creates a Vulkan surface for the window on instance.
	//
	// Parameters:
	//   - instance: the Vulkan instance owning the surface
	//
	// Returns:
	//   - vk.Surface: the surface
	//   - error: error if surface creation fails
	VulkanSurface(instance vk.Instance) (vk.Surface, error)

	// IsRunning returns true if the window is still active.
	//
	// Returns:
	//   - bool: true if window is running, false if closed
	IsRunning() bool

	// Close closes the window and releases platform resources.
	//
	// Returns:
	//   - error: error if close operation fails
	Close() error

	// ProcessMessages runs the window message loop.
	// Blocks until the window is closed. Calls OnUpdate callback each iteration.
	ProcessMessages()

	// Width returns the current window client area width in pixels.
	//
	// Returns:
	//   - int: framebuffer width in pixels
	Width() int

	// Height returns the current window client area height in pixels.
	//
	// Returns:
	//   - int: framebuffer height in pixels
	Height() int
}

// engineWindow is the implementation of the Window interface.
// Holds window configuration, GLFW state, and event callbacks.
type engineWindow struct {
	// title is the window title displayed in the title bar.
	title string

	// maxWidth is the maximum allowed window width during resize.
	maxWidth int

	// maxHeight is the maximum allowed window height during resize.
	maxHeight int

	// minWidth is the minimum allowed window width during resize.
	minWidth int

	// minHeight is the minimum allowed window height during resize.
	minHeight int

	// width is the current framebuffer width in pixels. Written by the window thread, read by the renderer.
	width atomic.Int32

	// height is the current framebuffer height in pixels.
	height atomic.Int32

	// initialWidth and initialHeight are the requested size at creation, clamped to the size limits.
	initialWidth  int
	initialHeight int

	// resizable controls whether the user can resize the window. Every resize recreates the swapchain.
	resizable bool

	// internalWindow holds the platform-specific window data (glfwWindow).
	internalWindow any

	// onUpdate is called each iteration of the message loop (if set).
	onUpdate func()

	// onResize is called when the window is resized.
	onResize func(width, height int)

	// onKeyDown is called when a key is pressed.
	onKeyDown func(keyCode uint32)

	// onKeyUp is called when a key is released.
	onKeyUp func(keyCode uint32)
}

var _ Window = &engineWindow{}

// NewWindow creates a new Window with the specified options.
// Applies default values first, then each option in order.
//
// Parameters:
//   - options: functional options to configure the window
//
// Returns:
//   - Window: the configured window (not yet spawned)
func NewWindow(options ...WindowBuilderOption) Window {
	w := &engineWindow{
		title:         "Default Window Title",
		maxWidth:      1600,
		maxHeight:     1200,
		minWidth:      600,
		minHeight:     200,
		initialWidth:  1280,
		initialHeight: 720,
		resizable:     true,
	}
	for _, opt := range options {
		opt(w)
	}
	w.clampInitialSize()
	if err := newPlatformWindow(w); err != nil {
		panic(fmt.Sprintf("failed to create platform window: %v", err))
	}
	return w
}

// clampInitialSize keeps the requested size inside the size limits, so the first swapchain matches the window.
func (w *engineWindow) clampInitialSize() {
	w.initialWidth = common.Clamp(w.initialWidth, w.minWidth, max(w.minWidth, w.maxWidth))
	w.initialHeight = common.Clamp(w.initialHeight, w.minHeight, max(w.minHeight, w.maxHeight))
}

func (w *engineWindow) SetUpdateCallback(callback func()) {
	w.onUpdate = callback
}

func (w *engineWindow) SetResizeCallback(callback func(width, height int)) {
	w.onResize = callback
}

func (w *engineWindow) SetKeyDownCallback(callback func(keyCode uint32)) {
	w.onKeyDown = callback
}

func (w *engineWindow) SetKeyUpCallback(callback func(keyCode uint32)) {
	w.onKeyUp = callback
}

func (w *engineWindow) WebGPUSurface(instance *wgpu.Instance) *wgpu.Surface {
	desc := platformGetSurfaceDescriptor(w)
	if desc == nil {
		return nil
	}
	return instance.CreateSurface(desc)
}

func (w *engineWindow) InitVulkan() ([]string, error) {
	return platformInitVulkan(w)
}

func (w *engineWindow) VulkanSurface(instance vk.Instance) (vk.Surface, error) {
	return platformCreateVulkanSurface(w, instance)
}

func (w *engineWindow) IsRunning() bool {
	return platformIsRunningCheck(w)
}

func (w *engineWindow) Close() error {
	return platformCloseWindow(w)
}

func (w *engineWindow) ProcessMessages() {
	for w.IsRunning() {
		if succ := platformProcessMessages(w); !succ {
			break
		}

		if w.onUpdate != nil {
			w.onUpdate()
		}

		runtime.Gosched()
	}
}

func (w *engineWindow) Width() int {
	return int(w.width.Load())
}

func (w *engineWindow) Height() int {
	return int(w.height.Load())
}

func (w *engineWindow) setSize(width, height int) {
	w.width.Store(int32(width))
	w.height.Store(int32(height))
}
