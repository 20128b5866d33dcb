package stage

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
)

var testExtent = gpu.Extent2D{Width: 32, Height: 32}

// frameHarness drives frames of a small stage graph on a headless device.
type frameHarness struct {
	t       *testing.T
	backend *headless.Backend
	device  *device.LogicalDevice
	jobs    *job.Manager
	out     *output.SwapchainOutput
	ctx     Context
	start   *StartFrameStage
	present *PresentStage
	end     *job.Job
	done    chan struct{}
	number  uint64
}

func newFrameHarness(t *testing.T, profile headless.Profile) *frameHarness {
	t.Helper()
	backend := headless.NewBackend(profile, headless.WithWaitTimeout(500*time.Millisecond))
	jobs := job.NewManager(job.WithRunnerCount(3))
	jobs.Start(context.Background())
	d := device.NewLogicalDevice(backend, jobs, device.WithFenceWaiters(2))

	out, err := output.NewSwapchainOutput(d, headless.NewSurface(testExtent), testExtent)
	if err != nil {
		t.Fatalf("create output: %v", err)
	}

	h := &frameHarness{t: t, backend: backend, device: d, jobs: jobs, out: out, done: make(chan struct{}, 1)}
	h.ctx = Context{Device: d, Output: out}
	h.start, err = NewStartFrameStage(h.ctx)
	if err != nil {
		t.Fatalf("create start frame stage: %v", err)
	}
	h.ctx.Images = h.start
	h.present = NewPresentStage(h.ctx, "present")
	h.start.AddSubsequentCpuStage(h.present)

	h.end = job.NewJob("frame end", job.PriorityFrameEnd, job.ExecutorFunc(func(*job.Runner) job.Result {
		h.done <- struct{}{}
		return job.ResultFinished
	}))
	h.present.Job().AddSubsequentStage(h.end)

	t.Cleanup(func() {
		backend.WaitIdle()
		h.present.Destroy()
		h.start.Destroy()
		out.Destroy()
		d.Destroy()
		_ = jobs.Stop()
		backend.Release()
	})
	return h
}

// stage creates a stage that starts with the frame and must finish before the frame ends.
func (h *frameHarness) stage(name string, recorder Recorder, options ...StageBuilderOption) *Stage {
	s := NewStage(h.ctx, name, recorder, options...)
	h.start.AddSubsequentCpuStage(s)
	s.SubmitJob().AddSubsequentStage(h.end)
	s.FinishedJob().AddSubsequentStage(h.end)
	h.t.Cleanup(s.Destroy)
	return s
}

func (h *frameHarness) frameIndex() gpu.FrameIndex {
	return gpu.FrameIndex(h.number % gpu.MaximumConcurrentFrameCount)
}

// runFrame executes one frame and waits until every stage and the present finished.
func (h *frameHarness) runFrame() {
	h.t.Helper()
	h.device.BeginFrame(h.frameIndex(), h.number)
	h.jobs.Queue(h.start.Job())
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("frame %d did not finish", h.number)
	}
	h.number++
}

// settle waits for the simulated queues to drain so their events are recorded.
func (h *frameHarness) settle() {
	h.backend.WaitIdle()
}

func (h *frameHarness) assertNoViolations() {
	h.t.Helper()
	for _, v := range h.backend.Violations() {
		h.t.Errorf("violation: %v", v)
	}
}

type countingRecorder struct {
	records  atomic.Int32
	executed atomic.Int32
	record   func(rc *RecordContext)
}

func (c *countingRecorder) Record(rc *RecordContext) {
	c.records.Add(1)
	if c.record != nil {
		c.record(rc)
	}
}

func (c *countingRecorder) OnCommandsExecuted() { c.executed.Add(1) }

type gatedRecorder struct {
	countingRecorder
	checks atomic.Int32
	open   atomic.Bool
}

func newGatedRecorder(open bool) *gatedRecorder {
	g := &gatedRecorder{}
	g.open.Store(open)
	return g
}

func (g *gatedRecorder) ShouldRecordCommands() bool {
	g.checks.Add(1)
	return g.open.Load()
}

// clearAndPresent clears the output image and leaves it ready to present.
func clearAndPresent(rc *RecordContext) {
	rc.ClearOutputImage([4]float32{0, 0, 0, 1})
	rc.TransitionOutputImage(rc.Output.PresentColorImageLayout())
}

func clearOnly(rc *RecordContext) {
	rc.ClearOutputImage([4]float32{1, 0, 0, 1})
}

type manualClock struct {
	frame  atomic.Uint32
	number atomic.Uint64
}

func (c *manualClock) CurrentFrameIndex() gpu.FrameIndex { return gpu.FrameIndex(c.frame.Load()) }
func (c *manualClock) FrameNumber() uint64              { return c.number.Load() }

func (c *manualClock) advance() {
	n := c.number.Add(1)
	c.frame.Store(uint32(n % gpu.MaximumConcurrentFrameCount))
}

func ids(views []gpu.SemaphoreView) []uint64 {
	out := make([]uint64, 0, len(views))
	for _, v := range views {
		out = append(out, headless.SemaphoreID(v))
	}
	return out
}
