package output

import (
	"context"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

var testExtent = gpu.Extent2D{Width: 64, Height: 48}

func newTestDevice(t *testing.T, profile headless.Profile) (*device.LogicalDevice, *headless.Backend) {
	t.Helper()
	backend := headless.NewBackend(profile, headless.WithWaitTimeout(500*time.Millisecond))
	jobs := job.NewManager(job.WithRunnerCount(3))
	jobs.Start(context.Background())
	d := device.NewLogicalDevice(backend, jobs, device.WithFenceWaiters(2))
	t.Cleanup(func() {
		d.Destroy()
		_ = jobs.Stop()
		backend.Release()
	})
	return d, backend
}

func newTestSwapchain(t *testing.T, profile headless.Profile) (*SwapchainOutput, *device.LogicalDevice, *headless.Backend) {
	t.Helper()
	d, backend := newTestDevice(t, profile)
	out, err := NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatalf("create swapchain output: %v", err)
	}
	t.Cleanup(out.Destroy)
	return out, d, backend
}

func await(t *testing.T, f *gpu.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("timed out waiting for future")
	}
	return err
}

// transitionToPresent submits a transition of img into the present layout and returns the submission future.
func transitionToPresent(t *testing.T, b *headless.Backend, img gpu.Image, wait, signal gpu.SemaphoreView, fence gpu.FenceView) *gpu.Future {
	t.Helper()
	cb, err := b.CreateCommandBuffer(gpu.QueueFamilyGraphics)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := b.BeginEncoding(cb)
	if err != nil {
		t.Fatal(err)
	}
	enc.TransitionImageLayout(gpu.ImageBarrier{
		Image:     img,
		OldLayout: headless.ImageLayout(img),
		NewLayout: gpu.ImageLayoutPresent,
	})
	if err := enc.End(); err != nil {
		t.Fatal(err)
	}
	batch := gpu.SubmitBatch{CommandBuffers: []gpu.CommandBuffer{cb}, Fence: fence}
	if wait.IsValid() {
		batch.WaitSemaphores = []gpu.SemaphoreView{wait}
		batch.WaitStages = []gpu.PipelineStageFlags{gpu.PipelineStageTransfer}
	}
	if signal.IsValid() {
		batch.SignalSemaphores = []gpu.SemaphoreView{signal}
	}
	f, err := b.Submit(gpu.QueueFamilyGraphics, batch)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.DestroyCommandBuffer(cb) })
	return f
}

func TestSwapchainCreation(t *testing.T) {
	out, _, backend := newTestSwapchain(t, headless.ProfileVulkan)

	if got := out.ImageCount(); got != gpu.MaximumConcurrentFrameCount {
		t.Fatalf("image count = %d, want %d", got, gpu.MaximumConcurrentFrameCount)
	}
	if got := out.Format(); got != gpu.FormatBGRA8Srgb {
		t.Errorf("format = %v, want %v", got, gpu.FormatBGRA8Srgb)
	}
	if got := backend.LiveImageViews(); got != out.ImageCount() {
		t.Errorf("live image views = %d, want %d", got, out.ImageCount())
	}
	for i := range out.ImageCount() {
		id := gpu.FrameImageId(i)
		if st := out.FrameState(id); st != FrameStateInactive {
			t.Errorf("image %d state = %v, want Inactive", i, st)
		}
		if st := out.SubresourceState(id); st != InitialSubresourceState {
			t.Errorf("image %d subresource state = %+v", i, st)
		}
	}
	if !out.SupportsAcquireImageSemaphore() || !out.SupportsPresentImageSemaphore() || out.RequiresPresentFence() {
		t.Errorf("unexpected flags %b for vulkan profile", out.Flags())
	}
}

func TestSwapchainCreationRejectsUnsupportedFormat(t *testing.T) {
	d, _ := newTestDevice(t, headless.ProfileVulkan)
	_, err := NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent, WithFormats(gpu.FormatRGBA16Float))
	if err == nil {
		t.Fatal("expected an error for an unsupported format")
	}
}

func TestRecreateSwapchainIsIdempotent(t *testing.T) {
	out, _, backend := newTestSwapchain(t, headless.ProfileVulkan)
	resized := gpu.Extent2D{Width: 32, Height: 32}

	for range 3 {
		if err := out.RecreateSwapchain(resized); err != nil {
			t.Fatalf("recreate: %v", err)
		}
	}
	if got := out.Resolution(); got != resized {
		t.Errorf("resolution = %+v, want %+v", got, resized)
	}
	if got := backend.LiveImageViews(); got != out.ImageCount() {
		t.Errorf("live image views = %d after recreation, want %d", got, out.ImageCount())
	}
	if out.IsOutOfDate() {
		t.Error("output out of date right after recreation")
	}
}

func TestAcquireRefusedWhileImageInFlight(t *testing.T) {
	out, d, backend := newTestSwapchain(t, headless.ProfileVulkan)

	acquired, err := gpu.NewSemaphore(backend)
	if err != nil {
		t.Fatal(err)
	}
	defer acquired.Destroy(backend)

	id, ok := out.AcquireNextImage(d, time.Second, acquired.View(), gpu.FenceView{})
	if !ok {
		t.Fatal("first acquire failed")
	}
	if st := out.FrameState(id); st != FrameStateProcessingAnimationFrame {
		t.Fatalf("acquired image state = %v", st)
	}
	if _, ok := out.AcquireNextImage(d, time.Second, gpu.SemaphoreView{}, gpu.FenceView{}); ok {
		t.Fatal("second acquire succeeded while an image is in flight")
	}

	rendered, _ := gpu.NewSemaphore(backend)
	defer rendered.Destroy(backend)
	transitionToPresent(t, backend, out.ColorImage(id), acquired.View(), rendered.View(), gpu.FenceView{})
	if err := await(t, out.PresentAcquiredImage(d, id, []gpu.SemaphoreView{rendered.View()}, gpu.FenceView{})); err != nil {
		t.Fatalf("present: %v", err)
	}

	next, ok := out.AcquireNextImage(d, time.Second, gpu.SemaphoreView{}, gpu.FenceView{})
	if !ok {
		t.Fatal("acquire after present failed")
	}
	if next == id {
		t.Errorf("acquired image %d again, want the next image in rotation", id)
	}
}

func TestPresentReturnsImageToInactive(t *testing.T) {
	tests := []struct {
		name    string
		profile headless.Profile
	}{
		{name: "semaphores", profile: headless.ProfileVulkan},
		{name: "ticked semaphores", profile: headless.ProfileWebGPU},
		{name: "fence then present job", profile: headless.ProfileMetal},
		{name: "fence", profile: headless.ProfileFenceOnly},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, d, backend := newTestSwapchain(t, tc.profile)

			for frame := range 4 {
				var acquired gpu.Semaphore
				if out.SupportsAcquireImageSemaphore() {
					acquired, _ = gpu.NewSemaphore(backend)
				}
				id, ok := out.AcquireNextImage(d, time.Second, acquired.View(), gpu.FenceView{})
				if !ok {
					t.Fatalf("frame %d: acquire failed", frame)
				}

				var waits []gpu.SemaphoreView
				var rendered gpu.Semaphore
				var fence gpu.Fence
				if out.RequiresPresentFence() {
					fence, _ = gpu.NewFence(backend, gpu.FenceStatusUnsignaled)
				} else {
					rendered, _ = gpu.NewSemaphore(backend)
					waits = append(waits, rendered.View())
				}
				transitionToPresent(t, backend, out.ColorImage(id), acquired.View(), rendered.View(), fence.View())

				if err := await(t, out.PresentAcquiredImage(d, id, waits, fence.View())); err != nil {
					t.Fatalf("frame %d: present: %v", frame, err)
				}
				if st := out.FrameState(id); st != FrameStateInactive {
					t.Fatalf("frame %d: image %d state = %v after present", frame, id, st)
				}
				if fence.IsValid() && fence.View().Status(backend) != gpu.FenceStatusUnsignaled {
					t.Errorf("frame %d: present fence was not reset", frame)
				}

				backend.WaitIdle()
				acquired.Destroy(backend)
				rendered.Destroy(backend)
				fence.Destroy(backend)
			}

			if !backend.AwaitEvents(headless.EventPresent, 4, time.Second) {
				t.Fatal("backend did not record four presents")
			}
			if v := backend.Violations(); len(v) > 0 {
				t.Fatalf("backend violations: %v", v)
			}
		})
	}
}

func TestOutOfDateSwapchainRecovers(t *testing.T) {
	out, d, backend := newTestSwapchain(t, headless.ProfileVulkan)

	backend.Invalidate(out.Swapchain())
	if _, ok := out.AcquireNextImage(d, time.Second, gpu.SemaphoreView{}, gpu.FenceView{}); ok {
		t.Fatal("acquire succeeded on an out of date swapchain")
	}
	if !out.IsOutOfDate() {
		t.Fatal("output not flagged out of date")
	}
	if err := out.Recreate(); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if _, ok := out.AcquireNextImage(d, time.Second, gpu.SemaphoreView{}, gpu.FenceView{}); !ok {
		t.Fatal("acquire failed after recreation")
	}
}

type manualAnimationFrames struct {
	requests chan func()
}

func (m *manualAnimationFrames) RequestAnimationFrame(fn func()) { m.requests <- fn }

func TestAcquireWaitsForAnimationFrame(t *testing.T) {
	d, _ := newTestDevice(t, headless.ProfileWebGPU)
	frames := &manualAnimationFrames{requests: make(chan func(), 1)}
	out, err := NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent, WithAnimationFrameSource(frames))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Destroy()

	type acquireResult struct {
		id gpu.FrameImageId
		ok bool
	}
	results := make(chan acquireResult, 1)
	go func() {
		id, ok := out.AcquireNextImage(d, time.Second, gpu.SemaphoreView{}, gpu.FenceView{})
		results <- acquireResult{id, ok}
	}()

	var fire func()
	select {
	case fire = <-frames.requests:
	case <-time.After(time.Second):
		t.Fatal("no animation frame requested")
	}
	select {
	case <-results:
		t.Fatal("acquire returned before the animation frame")
	case <-time.After(20 * time.Millisecond):
	}

	fire()
	res := <-results
	if !res.ok {
		t.Fatal("acquire failed")
	}
	if st := out.FrameState(res.id); st != FrameStateProcessingAnimationFrame {
		t.Fatalf("state = %v, want ProcessingAnimationFrame", st)
	}
}

func TestRenderTargetOutputRotates(t *testing.T) {
	for _, profile := range []headless.Profile{headless.ProfileVulkan, headless.ProfileMetal} {
		t.Run(profile.String(), func(t *testing.T) {
			d, backend := newTestDevice(t, profile)
			out, err := NewRenderTargetOutput(d, testExtent, gpu.FormatRGBA8Unorm, gpu.ImageLayoutShaderReadOnlyOptimal)
			if err != nil {
				t.Fatal(err)
			}
			defer out.Destroy()

			for frame := range 2 * gpu.MaximumConcurrentFrameCount {
				id, ok := out.AcquireNextImage(d, 0, gpu.SemaphoreView{}, gpu.FenceView{})
				if !ok {
					t.Fatalf("frame %d: acquire failed", frame)
				}
				if want := gpu.FrameImageId(frame % gpu.MaximumConcurrentFrameCount); id != want {
					t.Fatalf("frame %d: image %d, want %d", frame, id, want)
				}
				if _, ok := out.AcquireNextImage(d, 0, gpu.SemaphoreView{}, gpu.FenceView{}); ok {
					t.Fatalf("frame %d: second acquire succeeded", frame)
				}

				var waits []gpu.SemaphoreView
				var fence gpu.Fence
				var finished gpu.Semaphore
				if out.RequiresPresentFence() {
					fence, _ = gpu.NewFence(backend, gpu.FenceStatusSignaled)
				} else {
					finished, _ = gpu.NewSemaphore(backend)
					empty, _ := backend.CreateCommandBuffer(gpu.QueueFamilyGraphics)
					enc, _ := backend.BeginEncoding(empty)
					_ = enc.End()
					_, _ = backend.Submit(gpu.QueueFamilyGraphics, gpu.SubmitBatch{
						CommandBuffers:   []gpu.CommandBuffer{empty},
						SignalSemaphores: []gpu.SemaphoreView{finished.View()},
					})
					t.Cleanup(func() { backend.DestroyCommandBuffer(empty) })
					waits = append(waits, finished.View())
				}

				if err := await(t, out.PresentAcquiredImage(d, id, waits, fence.View())); err != nil {
					t.Fatalf("frame %d: present: %v", frame, err)
				}
				if st := out.FrameState(id); st != FrameStateInactive {
					t.Fatalf("frame %d: state = %v after present", frame, st)
				}
				backend.WaitIdle()
				fence.Destroy(backend)
				finished.Destroy(backend)
			}
			if v := backend.Violations(); len(v) > 0 {
				t.Fatalf("backend violations: %v", v)
			}
		})
	}
}
