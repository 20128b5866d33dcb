package stage

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
)

const defaultAcquireTimeout = time.Millisecond

// StartFrameStage acquires the output image every other stage of the frame works on.
//
// Acquisition never blocks its runner: while no image is ready the runner executes other ready jobs.
// An out-of-date output is recreated once none of its images is in flight.
//
// The acquire semaphore goes to the only consumer of the image when there is one. Otherwise a relay
// submission waits on it and signals one semaphore per consumer.
type StartFrameStage struct {
	ctx     Context
	name    string
	timeout time.Duration
	job     *job.Job

	mu         *sync.Mutex
	children   []Node
	semaphores [gpu.MaximumConcurrentFrameCount]gpu.Semaphore
	relays     map[Node]gpu.Semaphore
	handout    handout
	relay      *device.Submission

	image    atomic.Uint32
	hasImage atomic.Bool
	// abort holds the frame number + 1 whose acquisition is to end without an image.
	abort atomic.Uint64
}

var _ Node = &StartFrameStage{}
var _ ImageSource = &StartFrameStage{}
var _ job.ExternalFinisher = &StartFrameStage{}

// NewStartFrameStage creates the acquire stage for ctx.Output.
//
// Parameters:
//   - ctx: the collaborators of the stage; Output must be set
//   - options: functional options for StartFrameStage
//
// Returns:
//   - *StartFrameStage: the stage
//   - error: if the acquire semaphores could not be created
func NewStartFrameStage(ctx Context, options ...StartFrameStageBuilderOption) (*StartFrameStage, error) {
	common.Assert(ctx.Output != nil, "start frame stage needs an output")
	s := &StartFrameStage{
		ctx:     ctx,
		name:    "start frame",
		timeout: defaultAcquireTimeout,
		mu:      &sync.Mutex{},
	}
	for _, opt := range options {
		opt(s)
	}
	s.job = job.NewJob(s.name, job.PriorityAcquireImage, s)

	if ctx.Output.SupportsAcquireImageSemaphore() {
		for i := range s.semaphores {
			semaphore, err := gpu.NewSemaphore(ctx.Device.Backend())
			if err != nil {
				s.Destroy()
				return nil, fmt.Errorf("create acquire semaphore: %w", err)
			}
			s.semaphores[i] = semaphore
		}
	}
	return s, nil
}

func (s *StartFrameStage) Name() string { return s.name }

// Job returns the acquire job. Every stage needing the image follows it.
func (s *StartFrameStage) Job() *job.Job { return s.job }

// GpuParents implements Node.
func (s *StartFrameStage) GpuParents() []Node { return nil }

// PipelineStageFlags implements Node. Consumers of the acquired image wait in every stage.
func (s *StartFrameStage) PipelineStageFlags() gpu.PipelineStageFlags {
	return gpu.PipelineStageAllCommands
}

// IsSkipped implements Node.
func (s *StartFrameStage) IsSkipped() bool { return false }

// FrameImageId implements ImageSource.
func (s *StartFrameStage) FrameImageId() gpu.FrameImageId { return gpu.FrameImageId(s.image.Load()) }

// HasImage implements ImageSource. It is false when the last acquisition was aborted.
func (s *StartFrameStage) HasImage() bool { return s.hasImage.Load() }

// Abort ends the acquisition of the current frame without an image, whether it is pending or not started yet.
// Stages of that frame see no image. Later frames are not affected.
func (s *StartFrameStage) Abort() { s.abort.Store(s.ctx.clock().FrameNumber() + 1) }

// AddSubsequentCpuStage orders next after the acquisition.
func (s *StartFrameStage) AddSubsequentCpuStage(next Node) {
	s.ctx.assertMutable("CPU edge")
	s.job.AddSubsequentStage(next.Job())
}

// AddSubsequentGpuStage makes child wait for the acquired image on the GPU.
func (s *StartFrameStage) AddSubsequentGpuStage(child *Stage) {
	s.ctx.assertMutable("GPU edge")
	child.addGpuParent(s)
	s.job.AddSubsequentStage(child.submitJob)

	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()
}

// RemoveSubsequentGpuStage removes an edge added by AddSubsequentGpuStage.
func (s *StartFrameStage) RemoveSubsequentGpuStage(child *Stage) {
	s.ctx.assertMutable("GPU edge")
	child.removeGpuParent(s)
	s.job.RemoveSubsequentStage(child.submitJob)

	s.mu.Lock()
	s.children = slices.DeleteFunc(s.children, func(n Node) bool { return n == Node(child) })
	s.mu.Unlock()
}

// AddSubsequentPresentStage lets p present without any stage in between.
func (s *StartFrameStage) AddSubsequentPresentStage(p *PresentStage) {
	s.ctx.assertMutable("present edge")
	p.addGpuDependency(s, s.job)

	s.mu.Lock()
	s.children = append(s.children, p)
	s.mu.Unlock()
}

func (s *StartFrameStage) hasGpuChildren() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children) > 0
}

// AcquireSemaphore returns the semaphore signaled by the acquisition of frame, if the output uses one.
func (s *StartFrameStage) AcquireSemaphore(frame gpu.FrameIndex) gpu.SemaphoreView {
	return s.semaphores[frame].View()
}

// SubmissionFinishedSemaphore implements Node. It returns the acquire semaphore, or the relay semaphore
// of consumer when the image has several consumers.
func (s *StartFrameStage) SubmissionFinishedSemaphore(consumer Node) gpu.SemaphoreView {
	if !s.IsSubmissionFinishedSemaphoreUsable() {
		return gpu.SemaphoreView{}
	}
	number := s.ctx.clock().FrameNumber()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handout.lookup(number, consumer)
}

// IsSubmissionFinishedSemaphoreUsable implements Node.
func (s *StartFrameStage) IsSubmissionFinishedSemaphoreUsable() bool {
	return s.semaphores[0].IsValid() && s.HasImage() && s.hasGpuChildren()
}

// SubmissionFinishedFence implements Node. Acquisition never signals a fence.
func (s *StartFrameStage) SubmissionFinishedFence() gpu.FenceView { return gpu.FenceView{} }

// IsSubmissionFinishedFenceUsable implements Node.
func (s *StartFrameStage) IsSubmissionFinishedFenceUsable() bool { return false }

// OnExecute acquires the next image, yielding r to other jobs until one is available.
func (s *StartFrameStage) OnExecute(r *job.Runner) job.Result {
	s.hasImage.Store(false)
	out := s.ctx.Output
	clock := s.ctx.clock()
	frame := clock.CurrentFrameIndex()
	key := clock.FrameNumber() + 1

	var semaphore gpu.SemaphoreView
	if s.hasGpuChildren() {
		semaphore = s.AcquireSemaphore(frame)
	}

	for {
		if s.abort.CompareAndSwap(key, 0) {
			common.Logger().Debug("[StartFrameStage] acquisition aborted", "frame", frame)
			return job.ResultFinished
		}

		if out.IsOutOfDate() && allInactive(out) {
			if err := out.Recreate(); err != nil {
				common.Logger().Warn("[StartFrameStage] output recreation failed, frame has no image", "error", err)
				return job.ResultFinished
			}
		}

		if id, ok := out.AcquireNextImage(s.ctx.Device, s.timeout, semaphore, gpu.FenceView{}); ok {
			s.image.Store(uint32(id))
			s.hasImage.Store(true)
			if semaphore.IsValid() && s.handOut(semaphore) {
				return job.ResultAwaitExternalFinish
			}
			return job.ResultFinished
		}

		if !r.RunNextJob() {
			runtime.Gosched()
		}
	}
}

// OnAwaitExternalFinish implements job.ExternalFinisher. The job finishes once the relay was submitted, so
// every consumer is submitted after the semaphores it waits on.
func (s *StartFrameStage) OnAwaitExternalFinish(r *job.Runner) {
	s.mu.Lock()
	relay := s.relay
	s.relay = nil
	s.mu.Unlock()

	s.ctx.jobs().AfterResolved(r, relay.Submitted, job.PriorityAcquireImage, func(r *job.Runner, err error) {
		if err != nil {
			common.Logger().Error("[StartFrameStage] acquire relay submission failed", "error", err)
		}
		s.job.SignalExecutionFinished(r)
	})
}

// handOut assigns the acquired semaphore to the consumers of the image and reports whether a relay
// submission was queued for it.
func (s *StartFrameStage) handOut(acquired gpu.SemaphoreView) bool {
	s.mu.Lock()
	children := slices.Clone(s.children)
	s.mu.Unlock()

	var consumers []Node
	seen := make(map[Node]struct{})
	for _, child := range children {
		collectConsumers(child, seen, func(consumer Node) {
			consumers = append(consumers, consumer)
		})
	}

	number := s.ctx.clock().FrameNumber()
	assigned := make(map[Node]gpu.SemaphoreView, len(consumers))
	if len(consumers) == 1 {
		assigned[consumers[0]] = acquired
		s.mu.Lock()
		s.handout.set(number, assigned)
		s.mu.Unlock()
		return false
	}

	params := device.SubmitParameters{
		WaitSemaphores: []gpu.SemaphoreView{acquired},
		WaitStages:     []gpu.PipelineStageFlags{gpu.PipelineStageAllCommands},
	}
	for _, consumer := range consumers {
		if semaphore := s.relaySemaphore(consumer); semaphore.IsValid() {
			assigned[consumer] = semaphore
			params.SignalSemaphores = append(params.SignalSemaphores, semaphore)
		}
	}
	relay := s.ctx.Device.QueueSubmissionJob(gpu.QueueFamilyGraphics).Queue(job.PriorityAcquireImage, nil, params)

	s.mu.Lock()
	s.handout.set(number, assigned)
	s.relay = relay
	s.mu.Unlock()
	return true
}

func (s *StartFrameStage) relaySemaphore(consumer Node) gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if semaphore, ok := s.relays[consumer]; ok {
		return semaphore.View()
	}
	semaphore, err := gpu.NewSemaphore(s.ctx.Device.Backend())
	if err != nil {
		common.Logger().Error("[StartFrameStage] relay semaphore creation failed", "consumer", consumer.Name(), "error", err)
		return gpu.SemaphoreView{}
	}
	if s.relays == nil {
		s.relays = make(map[Node]gpu.Semaphore)
	}
	s.relays[consumer] = semaphore
	return semaphore.View()
}

// Destroy releases the acquire semaphores. The GPU must be idle.
func (s *StartFrameStage) Destroy() {
	backend := s.ctx.Device.Backend()
	for i := range s.semaphores {
		s.semaphores[i].Destroy(backend)
		s.semaphores[i] = gpu.Semaphore{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for consumer, semaphore := range s.relays {
		semaphore.Destroy(backend)
		delete(s.relays, consumer)
	}
}

func allInactive(out output.RenderOutput) bool {
	for i := range out.ImageCount() {
		if out.FrameState(gpu.FrameImageId(i)) != output.FrameStateInactive {
			return false
		}
	}
	return true
}

// StartFrameStageBuilderOption is a functional option for configuring a StartFrameStage.
type StartFrameStageBuilderOption func(*StartFrameStage)

// WithAcquireTimeout sets how long one acquisition attempt may wait for an image before the runner yields.
//
// Parameters:
//   - timeout: the timeout of one attempt
//
// Returns:
//   - StartFrameStageBuilderOption: a function that applies the timeout to a StartFrameStage
func WithAcquireTimeout(timeout time.Duration) StartFrameStageBuilderOption {
	return func(s *StartFrameStage) {
		s.timeout = timeout
	}
}

// WithStartFrameName sets the debug name of the stage.
func WithStartFrameName(name string) StartFrameStageBuilderOption {
	return func(s *StartFrameStage) {
		s.name = common.Coalesce(name, s.name)
	}
}
