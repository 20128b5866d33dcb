package framegraph

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/stage"
)

var testExtent = gpu.Extent2D{Width: 16, Height: 16}

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

func newTestFramegraph(t *testing.T, d *device.LogicalDevice, out output.RenderOutput, options ...FramegraphBuilderOption) *Framegraph {
	t.Helper()
	fg, err := New(d, out, options...)
	if err != nil {
		t.Fatalf("create framegraph: %v", err)
	}
	t.Cleanup(fg.Destroy)
	return fg
}

func executeFrames(t *testing.T, fg *Framegraph, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range n {
		if err := fg.ExecuteFrame(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := fg.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

type recorder struct {
	records   atomic.Int32
	executing atomic.Bool
	fg        *Framegraph
	record    func(rc *stage.RecordContext)
}

func (r *recorder) Record(rc *stage.RecordContext) {
	r.records.Add(1)
	if r.fg != nil {
		r.executing.Store(r.fg.IsExecuting())
	}
	if r.record != nil {
		r.record(rc)
	}
}

func clearToPresent(rc *stage.RecordContext) {
	rc.ClearOutputImage([4]float32{0, 0.5, 1, 1})
	rc.TransitionOutputImage(rc.Output.PresentColorImageLayout())
}

func TestExecuteFrameRunsEveryStage(t *testing.T) {
	profiles := []headless.Profile{headless.ProfileVulkan, headless.ProfileWebGPU, headless.ProfileMetal}
	for _, profile := range profiles {
		t.Run(profile.String(), func(t *testing.T) {
			d, backend := newTestDevice(t, profile)
			out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(out.Destroy)

			var observed atomic.Int32
			fg := newTestFramegraph(t, d, out, WithFrameObserver(func(stats FrameStats) {
				if stats.HasImage {
					observed.Add(1)
				}
			}))

			compute := &recorder{}
			main := &recorder{fg: fg, record: clearToPresent}
			simulate := fg.AddStage("simulate", compute, stage.WithKind(stage.KindComputePass))
			draw := fg.AddOutputStage("draw", main, stage.WithKind(stage.KindRenderPass))
			if err := fg.Connect(simulate, draw); err != nil {
				t.Fatal(err)
			}
			if err := fg.PresentAfter(draw); err != nil {
				t.Fatal(err)
			}

			const frames = 5
			executeFrames(t, fg, frames)
			backend.WaitIdle()

			if compute.records.Load() != frames || main.records.Load() != frames {
				t.Fatalf("records simulate=%d draw=%d, want %d", compute.records.Load(), main.records.Load(), frames)
			}
			if !main.executing.Load() {
				t.Error("framegraph not executing while recording")
			}
			if fg.IsExecuting() {
				t.Error("framegraph executing after WaitIdle")
			}
			if got := fg.FrameNumber(); got != frames {
				t.Errorf("frame number = %d, want %d", got, frames)
			}
			if got := observed.Load(); got != frames {
				t.Errorf("observed %d frames with an image, want %d", got, frames)
			}
			if got := len(backend.EventsOf(headless.EventPresent)); got != frames {
				t.Errorf("%d presents, want %d", got, frames)
			}
			for i := range gpu.MaximumConcurrentFrameCount {
				if fg.IsFrameProcessingCpu(gpu.FrameIndex(i)) || fg.IsFrameProcessingGpu(gpu.FrameIndex(i)) {
					t.Errorf("frame %d still marked as processing", i)
				}
			}
			for _, v := range backend.Violations() {
				t.Errorf("violation: %v", v)
			}
		})
	}
}

func TestExecuteFrameWithoutStagesPresents(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileVulkan)
	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(out.Destroy)
	fg := newTestFramegraph(t, d, out)

	executeFrames(t, fg, 3)
	backend.WaitIdle()
	if got := fg.PresentStage().PresentedCount(); got != 3 {
		t.Fatalf("presented %d times, want 3", got)
	}
	for _, v := range backend.Violations() {
		t.Errorf("violation: %v", v)
	}
}

func TestExecuteFrameOnRenderTarget(t *testing.T) {
	for _, profile := range []headless.Profile{headless.ProfileVulkan, headless.ProfileMetal} {
		t.Run(profile.String(), func(t *testing.T) {
			d, backend := newTestDevice(t, profile)
			out, err := output.NewRenderTargetOutput(d, testExtent, gpu.FormatRGBA8Unorm, gpu.ImageLayoutShaderReadOnlyOptimal)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(out.Destroy)
			fg := newTestFramegraph(t, d, out)

			draw := fg.AddOutputStage("offscreen", &recorder{record: clearToPresent})
			if err := fg.PresentAfter(draw); err != nil {
				t.Fatal(err)
			}
			executeFrames(t, fg, 4)
			backend.WaitIdle()

			if got := fg.PresentStage().PresentedCount(); got != 4 {
				t.Fatalf("presented %d times, want 4", got)
			}
			for i := range out.ImageCount() {
				if st := out.FrameState(gpu.FrameImageId(i)); st != output.FrameStateInactive {
					t.Errorf("target %d left %v", i, st)
				}
				if got := headless.ClearCount(out.ColorImage(gpu.FrameImageId(i))); got == 0 {
					t.Errorf("target %d never rendered", i)
				}
			}
			for _, v := range backend.Violations() {
				t.Errorf("violation: %v", v)
			}
		})
	}
}

func TestExecuteFrameCancelled(t *testing.T) {
	d, _ := newTestDevice(t, headless.ProfileVulkan)
	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(out.Destroy)
	fg := newTestFramegraph(t, d, out)

	release := make(chan struct{})
	fg.AddStage("blocking", &recorder{record: func(*stage.RecordContext) { <-release }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := fg.ExecuteFrame(ctx); err != context.DeadlineExceeded {
		t.Fatalf("ExecuteFrame = %v, want deadline exceeded", err)
	}
	if err := fg.ExecuteFrame(ctx); err != context.DeadlineExceeded {
		t.Fatalf("ExecuteFrame with a frame in flight = %v, want deadline exceeded", err)
	}
	close(release)

	executeFrames(t, fg, 1)
}

func TestAddFrameObserverAfterCreation(t *testing.T) {
	d, _ := newTestDevice(t, headless.ProfileVulkan)
	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(out.Destroy)
	fg := newTestFramegraph(t, d, out)
	draw := fg.AddOutputStage("draw", &recorder{record: clearToPresent})
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}

	var numbers []uint64
	fg.AddFrameObserver(func(stats FrameStats) {
		numbers = append(numbers, stats.Number)
	})
	executeFrames(t, fg, 3)

	if len(numbers) != 3 || numbers[0] != 0 || numbers[2] != 2 {
		t.Fatalf("observed frames %v, want [0 1 2]", numbers)
	}
}

func TestOutputStageAfterDisabledOneWaitsOnAcquire(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileVulkan)
	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(out.Destroy)
	fg := newTestFramegraph(t, d, out)

	overlay := &recorder{}
	main := &recorder{record: clearToPresent}
	fg.AddOutputStage("overlay", overlay, stage.WithDisabled())
	draw := fg.AddOutputStage("draw", main)
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}

	const frames = 4
	executeFrames(t, fg, frames)
	backend.WaitIdle()

	if overlay.records.Load() != 0 {
		t.Error("disabled output stage recorded")
	}
	if got := fg.PresentStage().PresentedCount(); got != frames {
		t.Fatalf("presented %d times, want %d", got, frames)
	}
	acquire := headless.SemaphoreID(fg.StartFrameStage().AcquireSemaphore(gpu.FrameIndex((frames - 1) % gpu.MaximumConcurrentFrameCount)))
	if waits := draw.WaitSemaphores(); len(waits) != 1 || headless.SemaphoreID(waits[0]) != acquire {
		t.Errorf("draw waits on %d semaphores, want only the acquire semaphore %d", len(waits), acquire)
	}
	for _, v := range backend.Violations() {
		t.Errorf("violation: %v", v)
	}
}

func TestCancelledFrameAbortsAcquisition(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileVulkan)
	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(out.Destroy)

	var withImage, withoutImage atomic.Int32
	fg := newTestFramegraph(t, d, out, WithAcquireTimeout(time.Millisecond), WithFrameObserver(func(stats FrameStats) {
		if stats.HasImage {
			withImage.Add(1)
		} else {
			withoutImage.Add(1)
		}
	}))
	draw := fg.AddOutputStage("draw", &recorder{record: clearToPresent})
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}

	backend.DelayAcquire(1 << 30)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := fg.ExecuteFrame(ctx); err != context.DeadlineExceeded {
		t.Fatalf("ExecuteFrame = %v, want deadline exceeded", err)
	}

	idle, cancelIdle := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelIdle()
	if err := fg.WaitIdle(idle); err != nil {
		t.Fatalf("aborted frame never finished: %v", err)
	}
	if withoutImage.Load() != 1 || withImage.Load() != 0 {
		t.Fatalf("observed %d frames without and %d with an image, want one aborted frame", withoutImage.Load(), withImage.Load())
	}

	backend.DelayAcquire(0)
	executeFrames(t, fg, 2)
	backend.WaitIdle()
	if got := fg.PresentStage().PresentedCount(); got != 2 {
		t.Errorf("presented %d times after the aborted frame, want 2", got)
	}
	for _, v := range backend.Violations() {
		t.Errorf("violation: %v", v)
	}
}
