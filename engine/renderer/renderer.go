package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	vkbackend "github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/vulkan"
	wgpubackend "github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/wgpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/framegraph"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
)

// ErrNoWindow is returned when a backend needs a window to present to and none was given.
var ErrNoWindow = errors.New("renderer: backend requires a window or offscreen output")

// renderer is the implementation of the Renderer interface.
type renderer struct {
	mu *sync.Mutex

	backendType BackendType
	window      SurfaceSource
	backend     gpu.Backend
	jobs        *job.Manager
	device      *device.LogicalDevice
	output      output.RenderOutput
	framegraph  *framegraph.Framegraph
	cancel      context.CancelFunc
	released    bool

	// native handles owned by the renderer rather than the backend
	wgpuInstance *wgpu.Instance
	wgpuSurface  *wgpu.Surface
	vkInstance   vk.Instance
	vkSurface    vk.Surface
	surface      gpu.Surface

	// Pre-creation config collected from builder options
	runnerCount          int
	fenceWaiters         int
	forceFallbackAdapter bool
	physicalDevice       int
	applicationName      string
	headlessProfile      headless.Profile
	headlessOptions      []headless.BackendBuilderOption
	presentMode          PresentMode
	formats              []gpu.Format
	offscreen            bool
	offscreenExtent      gpu.Extent2D
	framegraphOptions    []framegraph.FramegraphBuilderOption
}

// Renderer defines the interface for the rendering system.
//
// The Renderer owns one graphics backend, the job system driving it, the logical device, the render output
// and the framegraph that executes a frame. Stages are added through Framegraph before the first frame.
type Renderer interface {
	// BackendType returns the backend implementation the renderer was created with.
	BackendType() BackendType

	// Backend returns the graphics backend.
	Backend() gpu.Backend

	// Jobs returns the job manager whose runners execute every stage.
	Jobs() *job.Manager

	// Device returns the logical device stages record and submit on.
	Device() *device.LogicalDevice

	// Output returns the render output frames are presented to.
	Output() output.RenderOutput

	// Framegraph returns the framegraph executed by RenderFrame.
	Framegraph() *framegraph.Framegraph

	// Resize records a new surface size. The swapchain is recreated by the next frame.
	// This should be called when re-sizing the window or when the surface size should change.
	//
	// Parameters:
	//   - width: the new width of the surface in pixels
	//   - height: the new height of the surface in pixels
	Resize(width, height int)

	// RenderFrame executes one frame of the framegraph and returns once its CPU work is done.
	//
	// Parameters:
	//   - ctx: cancels waiting for the previous frame or for this frame's CPU work
	//
	// Returns:
	//   - error: the context error if ctx ended first
	RenderFrame(ctx context.Context) error

	// WaitIdle blocks until the last frame finished on the GPU.
	WaitIdle(ctx context.Context) error

	// Release waits for outstanding work and destroys everything the renderer created.
	// The renderer must not be used afterwards.
	Release()
}

var _ Renderer = &renderer{}

// NewRenderer creates a Renderer presenting to window through the selected backend.
//
// Parameters:
//   - backendType: the GPU backend to create
//   - window: the window presented to; may be nil for the headless backend or an offscreen output
//   - options: functional options applied to the renderer
//
// Returns:
//   - Renderer: the renderer, ready to have stages added
//   - error: an error if the backend, the output or the framegraph could not be created
func NewRenderer(backendType BackendType, window SurfaceSource, options ...RendererBuilderOption) (Renderer, error) {
	r := &renderer{
		mu:              &sync.Mutex{},
		backendType:     backendType,
		window:          window,
		fenceWaiters:    4,
		applicationName: "oxy-frame",
		headlessProfile: headless.ProfileVulkan,
		offscreenExtent: gpu.Extent2D{Width: 1280, Height: 720},
	}
	for _, opt := range options {
		opt(r)
	}
	if window == nil && backendType != BackendHeadless && !r.offscreen {
		return nil, ErrNoWindow
	}

	if err := r.createBackend(); err != nil {
		r.releaseNative()
		return nil, fmt.Errorf("create %s backend: %w", backendType, err)
	}

	var managerOptions []job.ManagerBuilderOption
	if r.runnerCount > 0 {
		managerOptions = append(managerOptions, job.WithRunnerCount(r.runnerCount))
	}
	r.jobs = job.NewManager(managerOptions...)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.jobs.Start(ctx)
	r.device = device.NewLogicalDevice(r.backend, r.jobs, device.WithFenceWaiters(r.fenceWaiters))

	if err := r.createOutput(); err != nil {
		r.Release()
		return nil, fmt.Errorf("create output: %w", err)
	}

	fg, err := framegraph.New(r.device, r.output, r.framegraphOptions...)
	if err != nil {
		r.Release()
		return nil, err
	}
	r.framegraph = fg

	common.Logger().Info("[Renderer] created", "backend", backendType.String(), "images", r.output.ImageCount(), "resolution", r.output.Resolution())
	return r, nil
}

func (r *renderer) createBackend() error {
	switch r.backendType {
	case BackendHeadless:
		r.backend = headless.NewBackend(r.headlessProfile, r.headlessOptions...)
		if !r.offscreen {
			extent := r.offscreenExtent
			if r.window != nil {
				extent = framebufferSize(r.window)
			}
			r.surface = headless.NewSurface(extent)
		}
		return nil

	case BackendWebGPU:
		r.wgpuInstance = wgpu.CreateInstance(nil)
		if !r.offscreen {
			r.wgpuSurface = r.window.WebGPUSurface(r.wgpuInstance)
			if r.wgpuSurface == nil {
				return ErrNoWindow
			}
			r.surface = wgpubackend.NewSurface(r.wgpuSurface, r.windowSize)
		}
		b, err := wgpubackend.NewBackend(r.wgpuInstance, r.surface, wgpubackend.WithForceFallbackAdapter(r.forceFallbackAdapter))
		if err != nil {
			return err
		}
		r.backend = b
		return nil

	case BackendVulkan:
		var extensions []string
		if r.window != nil {
			exts, err := r.window.InitVulkan()
			if err != nil {
				return err
			}
			extensions = exts
		} else {
			if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
				return err
			}
			if err := vk.Init(); err != nil {
				return err
			}
		}
		instance, err := vkbackend.NewInstance(r.applicationName, extensions)
		if err != nil {
			return err
		}
		r.vkInstance = instance
		if !r.offscreen {
			s, err := r.window.VulkanSurface(instance)
			if err != nil {
				return err
			}
			r.vkSurface = s
			r.surface = vkbackend.NewSurface(s, r.windowSize)
		}
		b, err := vkbackend.NewBackend(instance, r.surface, vkbackend.WithPhysicalDevice(r.physicalDevice))
		if err != nil {
			return err
		}
		r.backend = b
		return nil

	default:
		return fmt.Errorf("unknown backend type %d", r.backendType)
	}
}

func (r *renderer) createOutput() error {
	if r.offscreen {
		format := common.Coalesce(append(r.formats, gpu.FormatRGBA8Unorm)...)
		out, err := output.NewRenderTargetOutput(r.device, r.offscreenExtent, format, gpu.ImageLayoutTransferSrcOptimal)
		if err != nil {
			return err
		}
		r.output = out
		return nil
	}

	extent := r.offscreenExtent
	if r.window != nil {
		extent = framebufferSize(r.window)
	}
	swapchainOptions := []output.SwapchainBuilderOption{output.WithPresentMode(r.presentMode.native())}
	if len(r.formats) > 0 {
		swapchainOptions = append(swapchainOptions, output.WithFormats(r.formats...))
	}
	out, err := output.NewSwapchainOutput(r.device, r.surface, extent, swapchainOptions...)
	if err != nil {
		return err
	}
	r.output = out
	return nil
}

func (r *renderer) windowSize() gpu.Extent2D {
	return framebufferSize(r.window)
}

func (r *renderer) BackendType() BackendType { return r.backendType }

func (r *renderer) Backend() gpu.Backend { return r.backend }

func (r *renderer) Jobs() *job.Manager { return r.jobs }

func (r *renderer) Device() *device.LogicalDevice { return r.device }

func (r *renderer) Output() output.RenderOutput { return r.output }

func (r *renderer) Framegraph() *framegraph.Framegraph { return r.framegraph }

func (r *renderer) Resize(width, height int) {
	extent := gpu.Extent2D{Width: uint32(max(width, 0)), Height: uint32(max(height, 0))}
	if hb, ok := r.backend.(*headless.Backend); ok && r.surface.IsValid() {
		hb.ResizeSurface(r.surface, extent)
	}
	if sc, ok := r.output.(*output.SwapchainOutput); ok {
		sc.Resize(extent)
	}
}

func (r *renderer) RenderFrame(ctx context.Context) error {
	return r.framegraph.ExecuteFrame(ctx)
}

func (r *renderer) WaitIdle(ctx context.Context) error {
	return r.framegraph.WaitIdle(ctx)
}

func (r *renderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true

	if r.framegraph != nil {
		r.framegraph.Destroy()
	}
	if r.output != nil {
		r.output.Destroy()
	}
	if r.device != nil {
		r.device.Destroy()
	}
	if r.jobs != nil {
		if err := r.jobs.Stop(); err != nil {
			common.Logger().Warn("[Renderer] job manager stopped with error", "error", err)
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.backend != nil {
		r.backend.Release()
	}
	r.releaseNative()
}

func (r *renderer) releaseNative() {
	if r.wgpuSurface != nil {
		r.wgpuSurface.Release()
		r.wgpuSurface = nil
	}
	if r.wgpuInstance != nil {
		r.wgpuInstance.Release()
		r.wgpuInstance = nil
	}
	if r.vkSurface != vk.NullSurface {
		vk.DestroySurface(r.vkInstance, r.vkSurface, nil)
		r.vkSurface = vk.NullSurface
	}
	if r.vkInstance != nil {
		vk.DestroyInstance(r.vkInstance, nil)
		r.vkInstance = nil
	}
}
