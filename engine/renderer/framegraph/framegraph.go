package framegraph

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/stage"
)

// FrameStats describes one finished frame.
type FrameStats struct {
	Number    uint64
	Index     gpu.FrameIndex
	HasImage  bool
	CPUTime   time.Duration
	TotalTime time.Duration
}

// Framegraph executes a graph of stages once per frame: it acquires the output image, runs every stage,
// presents, and tracks the frame until its GPU work finished.
//
// One frame is processed at a time. Edges may only change between frames.
type Framegraph struct {
	device *device.LogicalDevice
	jobs   *job.Manager
	out    output.RenderOutput
	ctx    stage.Context

	start   *stage.StartFrameStage
	present *stage.PresentStage

	startJob     *job.Job
	endJob       *job.Job
	finishGpuJob *job.Job

	mu         *sync.Mutex
	stages     []*stage.Stage
	presentSet bool
	observers  []func(FrameStats)

	acquireTimeout time.Duration
	inFlight       *semaphore.Weighted
	executing      atomic.Bool
	number         atomic.Uint64
	cpuFrames      common.AtomicFlags[uint8]
	gpuFrames      common.AtomicFlags[uint8]

	frameStart time.Time
	cpuEnd     time.Time
	cpuDone    chan struct{}
}

// New creates an empty framegraph presenting to out.
//
// Parameters:
//   - d: the device the stages record and submit on
//   - out: the output presented to every frame
//   - options: functional options for Framegraph
//
// Returns:
//   - *Framegraph: the framegraph, presenting straight after acquisition until stages are added
//   - error: if the acquire stage could not be created
func New(d *device.LogicalDevice, out output.RenderOutput, options ...FramegraphBuilderOption) (*Framegraph, error) {
	f := &Framegraph{
		device:         d,
		jobs:           d.Jobs(),
		out:            out,
		mu:             &sync.Mutex{},
		acquireTimeout: time.Millisecond,
		inFlight:       semaphore.NewWeighted(1),
		cpuDone:        make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(f)
	}

	f.ctx = stage.Context{Device: d, Jobs: f.jobs, Output: out, Graph: f}
	start, err := stage.NewStartFrameStage(f.ctx, stage.WithAcquireTimeout(f.acquireTimeout))
	if err != nil {
		return nil, fmt.Errorf("create framegraph: %w", err)
	}
	f.start = start
	f.ctx.Images = start
	f.present = stage.NewPresentStage(f.ctx, "present")

	f.startJob = job.NewJob("frame start", job.PriorityAcquireImage, job.ExecutorFunc(f.onStartFrame))
	f.endJob = job.NewJob("frame end", job.PriorityFrameEnd, job.ExecutorFunc(f.onEndFrame))
	f.finishGpuJob = job.NewJob("frame gpu finished", job.PriorityFrameEnd, job.ExecutorFunc(f.onFinishFrameGpuExecution))

	f.startJob.AddSubsequentStage(start.Job())
	f.startJob.AddSubsequentStage(f.endJob)
	f.startJob.AddSubsequentStage(f.finishGpuJob)
	start.AddSubsequentCpuStage(f.present)
	f.present.Job().AddSubsequentStage(f.endJob)
	f.present.Job().AddSubsequentStage(f.finishGpuJob)
	f.endJob.AddSubsequentStage(f.finishGpuJob)
	return f, nil
}

// AddFrameObserver registers fn to be called with the stats of every frame once its GPU work finished.
// It is called on a job runner and must not block.
func (f *Framegraph) AddFrameObserver(fn func(FrameStats)) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

// Context returns the context stages of this framegraph are created with.
func (f *Framegraph) Context() stage.Context { return f.ctx }

// StartFrameStage returns the acquire stage.
func (f *Framegraph) StartFrameStage() *stage.StartFrameStage { return f.start }

// PresentStage returns the present stage.
func (f *Framegraph) PresentStage() *stage.PresentStage { return f.present }

// Stages returns the stages in the order they were added.
func (f *Framegraph) Stages() []*stage.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.stages)
}

// IsExecuting implements stage.GraphState. It is true from the start of a frame until its GPU work finished.
func (f *Framegraph) IsExecuting() bool { return f.executing.Load() }

// FrameNumber returns the number the next frame will have.
func (f *Framegraph) FrameNumber() uint64 { return f.number.Load() }

// IsFrameProcessingCpu reports whether frame still has CPU work pending.
func (f *Framegraph) IsFrameProcessingCpu(frame gpu.FrameIndex) bool { return f.cpuFrames.IsSet(1 << frame) }

// IsFrameProcessingGpu reports whether frame still has GPU work pending.
func (f *Framegraph) IsFrameProcessingGpu(frame gpu.FrameIndex) bool { return f.gpuFrames.IsSet(1 << frame) }

func (f *Framegraph) assertMutable(what string) {
	common.Assertf(!f.IsExecuting(), "%s while the framegraph is executing", what)
}

// AddStage adds a stage that starts with the frame and does not touch the output image.
//
// Parameters:
//   - name: a debug name
//   - recorder: records the commands of the stage
//   - options: functional options for the Stage
//
// Returns:
//   - *stage.Stage: the stage, already part of the frame
func (f *Framegraph) AddStage(name string, recorder stage.Recorder, options ...stage.StageBuilderOption) *stage.Stage {
	f.assertMutable("stage added")
	s := stage.NewStage(f.ctx, name, recorder, options...)
	f.startJob.AddSubsequentStage(s.Job())
	s.SubmitJob().AddSubsequentStage(f.endJob)
	s.FinishedJob().AddSubsequentStage(f.finishGpuJob)

	f.mu.Lock()
	f.stages = append(f.stages, s)
	f.mu.Unlock()
	return s
}

// AddOutputStage adds a stage that records into the acquired output image. It runs once the image is known
// and waits for the acquisition on the GPU, whichever other output stages are skipped.
func (f *Framegraph) AddOutputStage(name string, recorder stage.Recorder, options ...stage.StageBuilderOption) *stage.Stage {
	s := f.AddStage(name, recorder, options...)
	f.start.AddSubsequentCpuStage(s)
	f.start.AddSubsequentGpuStage(s)
	return s
}

// Connect makes child follow parent on the CPU and wait for it on the GPU.
func (f *Framegraph) Connect(parent, child *stage.Stage) error {
	f.assertMutable("edge added")
	if err := parent.AddSubsequentCpuGpuStage(child); err != nil {
		return fmt.Errorf("connect %s -> %s: %w", parent.Name(), child.Name(), err)
	}
	return nil
}

// Disconnect removes an edge added by Connect.
func (f *Framegraph) Disconnect(parent, child *stage.Stage) {
	f.assertMutable("edge removed")
	parent.RemoveSubsequentCpuGpuStage(nil, child)
}

// PresentAfter presents once s finished on the GPU. Several stages may present.
func (f *Framegraph) PresentAfter(s *stage.Stage) error {
	f.assertMutable("present edge added")
	if err := s.AddSubsequentCpuGpuPresentStage(f.present); err != nil {
		return fmt.Errorf("present after %s: %w", s.Name(), err)
	}
	f.mu.Lock()
	f.presentSet = true
	f.mu.Unlock()
	return nil
}

// finalize presents straight after acquisition when no stage presents.
func (f *Framegraph) finalize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.presentSet {
		f.start.AddSubsequentPresentStage(f.present)
		f.presentSet = true
	}
}

// ExecuteFrame runs one frame. It waits until the previous frame's GPU work finished, then returns once the
// frame's CPU work is done and its present was handed to the output. The GPU part keeps running.
//
// Cancelling ctx while the frame runs aborts a pending acquisition; the frame then completes without an image.
//
// Parameters:
//   - ctx: cancels the wait for the previous frame and for the CPU work
//
// Returns:
//   - error: ctx.Err() when cancelled
func (f *Framegraph) ExecuteFrame(ctx context.Context) error {
	if err := f.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}
	f.finalize()

	number := f.number.Load()
	frame := gpu.FrameIndex(number % gpu.MaximumConcurrentFrameCount)
	f.executing.Store(true)
	f.frameStart = time.Now()
	f.cpuFrames.Set(1 << frame)
	f.gpuFrames.Set(1 << frame)
	f.device.BeginFrame(frame, number)

	select {
	case <-f.cpuDone:
	default:
	}
	f.jobs.Queue(f.startJob)
	select {
	case <-f.cpuDone:
		return nil
	case <-ctx.Done():
		f.start.Abort()
		return ctx.Err()
	}
}

// WaitIdle waits until no frame is being processed.
func (f *Framegraph) WaitIdle(ctx context.Context) error {
	if err := f.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}
	f.inFlight.Release(1)
	return nil
}

func (f *Framegraph) onStartFrame(*job.Runner) job.Result {
	common.Logger().Debug("[Framegraph] frame started", "frame", f.device.FrameNumber())
	return job.ResultFinished
}

func (f *Framegraph) onEndFrame(*job.Runner) job.Result {
	f.cpuEnd = time.Now()
	f.cpuFrames.Clear(1 << f.device.CurrentFrameIndex())
	select {
	case f.cpuDone <- struct{}{}:
	default:
	}
	return job.ResultFinished
}

func (f *Framegraph) onFinishFrameGpuExecution(*job.Runner) job.Result {
	frame := f.device.CurrentFrameIndex()
	stats := FrameStats{
		Number:    f.device.FrameNumber(),
		Index:     frame,
		HasImage:  f.start.HasImage(),
		CPUTime:   f.cpuEnd.Sub(f.frameStart),
		TotalTime: time.Since(f.frameStart),
	}
	f.gpuFrames.Clear(1 << frame)

	f.mu.Lock()
	observers := slices.Clone(f.observers)
	f.mu.Unlock()
	for _, observe := range observers {
		observe(stats)
	}

	f.number.Add(1)
	f.executing.Store(false)
	f.inFlight.Release(1)
	return job.ResultFinished
}

// Destroy waits for the last frame and releases every stage. The framegraph must not be used afterwards.
func (f *Framegraph) Destroy() {
	_ = f.WaitIdle(context.Background())
	f.device.Backend().WaitIdle()
	for _, s := range f.Stages() {
		s.Destroy()
	}
	f.present.Destroy()
	f.start.Destroy()
}
