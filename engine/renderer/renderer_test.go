package renderer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/framegraph"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/stage"
)

type fakeWindow struct {
	width, height int
}

func (w *fakeWindow) Width() int  { return w.width }
func (w *fakeWindow) Height() int { return w.height }

func (w *fakeWindow) WebGPUSurface(*wgpu.Instance) *wgpu.Surface { return nil }

func (w *fakeWindow) InitVulkan() ([]string, error) { return nil, errors.New("no vulkan") }

func (w *fakeWindow) VulkanSurface(vk.Instance) (vk.Surface, error) {
	return vk.NullSurface, errors.New("no vulkan")
}

func clearToPresent(rc *stage.RecordContext) {
	rc.ClearOutputImage([4]float32{0.1, 0.2, 0.3, 1})
	rc.TransitionOutputImage(rc.Output.PresentColorImageLayout())
}

func newHeadlessRenderer(t *testing.T, window SurfaceSource, options ...RendererBuilderOption) Renderer {
	t.Helper()
	options = append([]RendererBuilderOption{
		WithRunnerCount(2),
		WithFenceWaiters(2),
		WithHeadlessProfile(headless.ProfileVulkan, headless.WithWaitTimeout(500*time.Millisecond)),
	}, options...)
	r, err := NewRenderer(BackendHeadless, window, options...)
	if err != nil {
		t.Fatalf("create renderer: %v", err)
	}
	t.Cleanup(r.Release)
	return r
}

func renderFrames(t *testing.T, r Renderer, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range n {
		if err := r.RenderFrame(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := r.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func TestBackendTypeString(t *testing.T) {
	tests := map[BackendType]string{
		BackendVulkan:   "Vulkan",
		BackendWebGPU:   "WebGPU",
		BackendHeadless: "Headless",
		BackendType(42): "Unknown",
	}
	for bt, want := range tests {
		if got := bt.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(bt), got, want)
		}
	}
}

func TestPresentModeNative(t *testing.T) {
	tests := map[PresentMode]gpu.PresentMode{
		PresentModeVSync:    gpu.PresentModeFifo,
		PresentModeUncapped: gpu.PresentModeImmediate,
		PresentModeMailbox:  gpu.PresentModeMailbox,
	}
	for mode, want := range tests {
		if got := mode.native(); got != want {
			t.Errorf("mode %d maps to %v, want %v", mode, got, want)
		}
	}
}

func TestNewRendererRequiresWindow(t *testing.T) {
	if _, err := NewRenderer(BackendWebGPU, nil); !errors.Is(err, ErrNoWindow) {
		t.Fatalf("err = %v, want ErrNoWindow", err)
	}
	if _, err := NewRenderer(BackendVulkan, nil); !errors.Is(err, ErrNoWindow) {
		t.Fatalf("err = %v, want ErrNoWindow", err)
	}
}

func TestHeadlessRendererPresentsFrames(t *testing.T) {
	var presented atomic.Int32
	win := &fakeWindow{width: 32, height: 24}
	r := newHeadlessRenderer(t, win, WithFramegraphOptions(framegraph.WithFrameObserver(func(stats framegraph.FrameStats) {
		if stats.HasImage {
			presented.Add(1)
		}
	})))

	if _, ok := r.Output().(*output.SwapchainOutput); !ok {
		t.Fatalf("output is %T, want a swapchain", r.Output())
	}
	if got := r.Output().Resolution(); got != (gpu.Extent2D{Width: 32, Height: 24}) {
		t.Fatalf("resolution = %v", got)
	}

	fg := r.Framegraph()
	draw := fg.AddOutputStage("draw", stage.RecordFunc(clearToPresent), stage.WithKind(stage.KindRenderPass))
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}

	const frames = 4
	renderFrames(t, r, frames)
	if got := presented.Load(); got != frames {
		t.Fatalf("presented %d frames, want %d", got, frames)
	}
	hb := r.Backend().(*headless.Backend)
	if v := hb.Violations(); len(v) > 0 {
		t.Fatalf("violations: %v", v)
	}
}

func TestHeadlessRendererResize(t *testing.T) {
	win := &fakeWindow{width: 32, height: 32}
	r := newHeadlessRenderer(t, win)
	fg := r.Framegraph()
	draw := fg.AddOutputStage("draw", stage.RecordFunc(clearToPresent))
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}
	renderFrames(t, r, 1)

	win.width, win.height = 64, 48
	r.Resize(win.width, win.height)
	renderFrames(t, r, 2)

	if got := r.Output().Resolution(); got != (gpu.Extent2D{Width: 64, Height: 48}) {
		t.Fatalf("resolution after resize = %v", got)
	}
	if r.Output().IsOutOfDate() {
		t.Fatal("output still out of date")
	}
}

func TestOffscreenRendererUsesRenderTargets(t *testing.T) {
	r := newHeadlessRenderer(t, nil, WithOffscreen(8, 8))
	out, ok := r.Output().(*output.RenderTargetOutput)
	if !ok {
		t.Fatalf("output is %T, want render targets", r.Output())
	}
	if got := out.Resolution(); got != (gpu.Extent2D{Width: 8, Height: 8}) {
		t.Fatalf("resolution = %v", got)
	}

	fg := r.Framegraph()
	draw := fg.AddOutputStage("draw", stage.RecordFunc(clearToPresent))
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}
	renderFrames(t, r, 3)
	if got := fg.FrameNumber(); got != 3 {
		t.Fatalf("frame number = %d, want 3", got)
	}
}

func TestReleaseTwice(t *testing.T) {
	r, err := NewRenderer(BackendHeadless, nil, WithRunnerCount(1))
	if err != nil {
		t.Fatal(err)
	}
	r.Release()
	r.Release()
}
