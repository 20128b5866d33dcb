package stage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// Flags hold the per-stage state bits.
type Flags uint8

const (
	FlagSkipped Flags = 1 << iota
	FlagEvaluatedSkipped
	// FlagManagedByPass: an owning stage records for this one, which does no work of its own.
	FlagManagedByPass
	FlagEnabled
	FlagAwaitingSubmission
	FlagAwaitingGPUFinish
)

// The stage state word keeps the flags in the low byte and, above them, the frame number + 1 the skip
// evaluation belongs to. Both change together in one compare-and-swap.
const (
	flagBits   = 8
	flagMask   = uint64(1)<<flagBits - 1
	skipFlags  = FlagSkipped | FlagEvaluatedSkipped
	awaitFlags = FlagAwaitingSubmission | FlagAwaitingGPUFinish
)

type gpuEdge struct {
	child     *Stage
	semaphore gpu.Semaphore
}

// Stage is a unit of CPU recording and GPU execution in the stage graph.
//
// Each stage runs as three jobs: the stage job records, the submit job hands the recorded commands to the
// queue once every GPU parent was submitted, and the finished job runs once the GPU completed them.
type Stage struct {
	ctx      Context
	name     string
	kind     Kind
	family   gpu.QueueFamily
	stages   gpu.PipelineStageFlags
	recorder Recorder
	priority job.Priority

	state       common.AtomicFlags[uint64]
	job         *job.Job
	submitJob   *job.Job
	finishedJob *job.Job

	mu               *sync.Mutex
	gpuParents       []Node
	edges            []*gpuEdge
	present          *PresentStage
	presentSemaphore gpu.Semaphore
	presentFence     gpu.Fence
	forwarded        map[Node]gpu.Semaphore
	handout          handout
	softDependencies []*Stage
	managed          []*Stage
	onEnable         func()
	onDisable        func()

	// Recording state, written by the stage job and read by the submit job that follows it.
	// An invalid encoded buffer means the recording failed; the submission still waits and signals.
	runnerData  *device.RunnerData
	frame       gpu.FrameIndex
	encoded     gpu.CommandBuffer
	waits       []gpu.SemaphoreView
	waitStages  []gpu.PipelineStageFlags
	signals     []gpu.SemaphoreView
	signalFence gpu.FenceView
	finished    *gpu.Future
}

var _ Node = &Stage{}

// NewStage creates an enabled stage that records with recorder.
//
// Parameters:
//   - ctx: the collaborators of the stage
//   - name: a debug name
//   - recorder: records the commands of the stage; may be nil for a stage that only orders others
//   - options: functional options for Stage
//
// Returns:
//   - *Stage: the stage, with its submit job following its stage job
func NewStage(ctx Context, name string, recorder Recorder, options ...StageBuilderOption) *Stage {
	s := &Stage{
		ctx:      ctx,
		name:     common.Coalesce(name, "stage"),
		kind:     KindGeneric,
		family:   KindGeneric.QueueFamily(),
		stages:   KindGeneric.PipelineStageFlags(),
		priority: job.PriorityRecordCommands,
		recorder: recorder,
		mu:       &sync.Mutex{},
	}
	s.state.Store(uint64(FlagEnabled))

	for _, opt := range options {
		opt(s)
	}

	s.job = job.NewJob(s.name, s.priority, s)
	s.submitJob = job.NewJob(s.name+" submit", job.PrioritySubmit, submitExecutor{s})
	s.finishedJob = job.NewJob(s.name+" finished", job.PrioritySubmit, job.ExecutorFunc(s.onFinishedExecution))
	s.job.AddSubsequentStage(s.submitJob)
	return s
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Kind() Kind { return s.kind }

// Job returns the recording job. CPU dependents follow it.
func (s *Stage) Job() *job.Job { return s.job }

// SubmitJob returns the job that submits the recorded commands.
func (s *Stage) SubmitJob() *job.Job { return s.submitJob }

// FinishedJob returns the job queued once the GPU finished the stage's commands.
func (s *Stage) FinishedJob() *job.Job { return s.finishedJob }

// RecordedQueueFamily returns the queue family the stage records and submits for.
func (s *Stage) RecordedQueueFamily() gpu.QueueFamily { return s.family }

func (s *Stage) PipelineStageFlags() gpu.PipelineStageFlags { return s.stages }

// Flags returns the current state bits.
func (s *Stage) Flags() Flags { return Flags(s.state.Load() & flagMask) }

func (s *Stage) setFlags(mask Flags) Flags {
	old, _ := s.state.Update(func(v uint64) uint64 { return v | uint64(mask) })
	return Flags(old & flagMask)
}

// tryClearFlags clears mask and reports whether every bit of it was set.
func (s *Stage) tryClearFlags(mask Flags) bool {
	old, _ := s.state.Update(func(v uint64) uint64 { return v &^ uint64(mask) })
	return Flags(old)&mask == mask
}

func (s *Stage) IsEnabled() bool { return s.Flags()&FlagEnabled != 0 }

// WasSkipped reports the last skip evaluation without evaluating again.
func (s *Stage) WasSkipped() bool { return s.Flags()&FlagSkipped != 0 }

func (s *Stage) IsManagedByPass() bool { return s.Flags()&FlagManagedByPass != 0 }

// Enable lets the stage run from the next skip evaluation on.
func (s *Stage) Enable() {
	if old := s.setFlags(FlagEnabled); old&FlagEnabled == 0 && s.onEnable != nil {
		s.onEnable()
	}
}

// Disable skips the stage from the next skip evaluation on. A frame that already evaluated keeps its decision.
func (s *Stage) Disable() {
	if s.tryClearFlags(FlagEnabled) && s.onDisable != nil {
		s.onDisable()
	}
}

// AddSoftDependency makes s skip whenever dependency skips, without ordering the two.
func (s *Stage) AddSoftDependency(dependency *Stage) {
	common.Assert(dependency != s, "stage depends on itself")
	s.mu.Lock()
	s.softDependencies = append(s.softDependencies, dependency)
	s.mu.Unlock()
}

// AddManagedStage hands the recording of child to s. child records into s's command buffer, is submitted
// with it, and finishes when s does.
func (s *Stage) AddManagedStage(child *Stage) {
	s.ctx.assertMutable("managed stage")
	common.Assert(child.family == s.family, "managed stage records for another queue family")
	common.Assertf(len(child.GpuParents()) == 0, "managed stage %s has GPU parents of its own", child.name)
	child.setFlags(FlagManagedByPass)

	s.mu.Lock()
	s.managed = append(s.managed, child)
	s.mu.Unlock()

	if !s.job.IsDirectlyFollowedBy(child.job) {
		s.job.AddSubsequentStage(child.job)
	}
	s.submitJob.AddSubsequentStage(child.submitJob)
	s.finishedJob.AddSubsequentStage(child.finishedJob)
}

// EvaluateShouldSkip decides whether the stage does GPU work this frame. The decision is computed once per
// frame number; concurrent callers all observe the first published result.
func (s *Stage) EvaluateShouldSkip() bool {
	key := (s.ctx.clock().FrameNumber() + 1) << flagBits
	if st := s.state.Load(); st&^flagMask == key && Flags(st)&FlagEvaluatedSkipped != 0 {
		return Flags(st)&FlagSkipped != 0
	}

	skip := !s.IsEnabled() || s.isGatedOff()
	if !skip {
		s.mu.Lock()
		deps := slices.Clone(s.softDependencies)
		s.mu.Unlock()
		skip = slices.ContainsFunc(deps, (*Stage).EvaluateShouldSkip)
	}

	_, st := s.state.Update(func(old uint64) uint64 {
		if old&^flagMask == key && Flags(old)&FlagEvaluatedSkipped != 0 {
			return old
		}
		f := Flags(old&flagMask)&^skipFlags | FlagEvaluatedSkipped
		if skip {
			f |= FlagSkipped
		}
		return key | uint64(f)
	})
	return Flags(st)&FlagSkipped != 0
}

// IsSkipped implements Node.
func (s *Stage) IsSkipped() bool { return s.EvaluateShouldSkip() }

func (s *Stage) isGatedOff() bool {
	gate, ok := s.recorder.(RecordGate)
	return ok && !gate.ShouldRecordCommands()
}

// GpuParents implements Node.
func (s *Stage) GpuParents() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.gpuParents)
}

func (s *Stage) addGpuParent(parent Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	common.Assertf(!slices.Contains(s.gpuParents, parent), "GPU edge %s -> %s added twice", parent.Name(), s.name)
	s.gpuParents = append(s.gpuParents, parent)
}

func (s *Stage) removeGpuParent(parent Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpuParents = slices.DeleteFunc(s.gpuParents, func(n Node) bool { return n == parent })
}

// AddSubsequentCpuStage orders next after the recording of s.
func (s *Stage) AddSubsequentCpuStage(next Node) {
	s.ctx.assertMutable("CPU edge")
	s.job.AddSubsequentStage(next.Job())
}

// RemoveSubsequentCpuStage removes an edge added by AddSubsequentCpuStage.
func (s *Stage) RemoveSubsequentCpuStage(next Node) {
	s.ctx.assertMutable("CPU edge")
	s.job.RemoveSubsequentStage(next.Job())
}

// AddSubsequentGpuStage makes child wait on the GPU work of s, through a semaphore owned by s.
//
// Parameters:
//   - child: the consuming stage
//
// Returns:
//   - error: if the semaphore could not be created
func (s *Stage) AddSubsequentGpuStage(child *Stage) error {
	s.ctx.assertMutable("GPU edge")
	common.Assert(s.stages != 0, "GPU edge from a stage without pipeline stages")
	common.Assert(child != s, "stage waits on itself")
	common.Assertf(!child.IsManagedByPass(), "GPU edge to managed stage %s", child.name)

	semaphore, err := gpu.NewSemaphore(s.ctx.Device.Backend())
	if err != nil {
		return fmt.Errorf("create semaphore %s -> %s: %w", s.name, child.name, err)
	}

	child.addGpuParent(s)

	s.mu.Lock()
	s.edges = append(s.edges, &gpuEdge{child: child, semaphore: semaphore})
	s.mu.Unlock()

	s.submitJob.AddSubsequentStage(child.submitJob)
	return nil
}

// RemoveSubsequentGpuStage removes an edge added by AddSubsequentGpuStage. Its semaphore is destroyed
// through the deferred-destruction queue of r, or of any runner when r is nil.
func (s *Stage) RemoveSubsequentGpuStage(r *job.Runner, child *Stage) {
	s.ctx.assertMutable("GPU edge")

	s.mu.Lock()
	i := slices.IndexFunc(s.edges, func(e *gpuEdge) bool { return e.child == child })
	common.Assertf(i >= 0, "no GPU edge %s -> %s", s.name, child.name)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	edge := s.edges[i]
	s.edges = slices.Delete(s.edges, i, i+1)
	s.mu.Unlock()

	child.removeGpuParent(s)

	s.submitJob.RemoveSubsequentStage(child.submitJob)
	destroySemaphore(s.ctx, r, edge.semaphore)
}

// AddSubsequentCpuGpuStage orders child after s on the CPU and makes it wait on s on the GPU.
func (s *Stage) AddSubsequentCpuGpuStage(child *Stage) error {
	s.AddSubsequentCpuStage(child)
	return s.AddSubsequentGpuStage(child)
}

// RemoveSubsequentCpuGpuStage removes both edges added by AddSubsequentCpuGpuStage.
func (s *Stage) RemoveSubsequentCpuGpuStage(r *job.Runner, child *Stage) {
	s.RemoveSubsequentCpuStage(child)
	s.RemoveSubsequentGpuStage(r, child)
}

// AddSubsequentPresentStage makes s a GPU parent of the present. s then owns a present semaphore when the
// output presents with semaphores, or a present fence when it requires one.
//
// Parameters:
//   - p: the present stage
//
// Returns:
//   - error: if the semaphore or fence could not be created
func (s *Stage) AddSubsequentPresentStage(p *PresentStage) error {
	s.ctx.assertMutable("present edge")
	backend := s.ctx.Device.Backend()

	s.mu.Lock()
	common.Assertf(s.present == nil, "stage %s already presents", s.name)
	s.mu.Unlock()

	var semaphore gpu.Semaphore
	var fence gpu.Fence
	var err error
	if p.SupportsSemaphores() {
		common.Assert(s.stages != 0, "present edge from a stage without pipeline stages")
		semaphore, err = gpu.NewSemaphore(backend)
	} else if p.RequiresFence() {
		fence, err = gpu.NewFence(backend, gpu.FenceStatusUnsignaled)
	}
	if err != nil {
		return fmt.Errorf("create present synchronization for %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.present = p
	s.presentSemaphore = semaphore
	s.presentFence = fence
	s.mu.Unlock()

	p.addGpuDependency(s, s.submitJob)
	return nil
}

// RemoveSubsequentPresentStage removes the edge added by AddSubsequentPresentStage.
func (s *Stage) RemoveSubsequentPresentStage(r *job.Runner, p *PresentStage) {
	s.ctx.assertMutable("present edge")

	s.mu.Lock()
	common.Assertf(s.present == p, "stage %s does not present to this stage", s.name)
	if s.present != p {
		s.mu.Unlock()
		return
	}
	semaphore, fence := s.presentSemaphore, s.presentFence
	s.present, s.presentSemaphore, s.presentFence = nil, gpu.Semaphore{}, gpu.Fence{}
	s.mu.Unlock()

	p.removeGpuDependency(s, s.submitJob)
	destroySemaphore(s.ctx, r, semaphore)
	destroyFence(s.ctx, r, fence)
}

// AddSubsequentCpuGpuPresentStage orders the present after s on the CPU and on the GPU.
func (s *Stage) AddSubsequentCpuGpuPresentStage(p *PresentStage) error {
	s.AddSubsequentCpuStage(p)
	return s.AddSubsequentPresentStage(p)
}

// SemaphoreCount returns the number of semaphores s owns: one per GPU edge plus the present semaphore.
func (s *Stage) SemaphoreCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.edges)
	if s.presentSemaphore.IsValid() {
		n++
	}
	return n
}

// EdgeSemaphore returns the semaphore of the GPU edge to child without handing it out.
func (s *Stage) EdgeSemaphore(child *Stage) gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.child == child {
			return e.semaphore.View()
		}
	}
	return gpu.SemaphoreView{}
}

// PresentSemaphore returns the semaphore signaled for the present, if any.
func (s *Stage) PresentSemaphore() gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentSemaphore.View()
}

// SubmissionFinishedSemaphore implements Node. It returns the semaphore the last submission of s signaled
// for consumer, and is only meaningful once that submission was planned.
func (s *Stage) SubmissionFinishedSemaphore(consumer Node) gpu.SemaphoreView {
	if s.EvaluateShouldSkip() {
		return gpu.SemaphoreView{}
	}
	number := s.ctx.clock().FrameNumber()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handout.lookup(number, consumer)
}

// IsSubmissionFinishedSemaphoreUsable implements Node.
func (s *Stage) IsSubmissionFinishedSemaphoreUsable() bool { return !s.EvaluateShouldSkip() }

// SubmissionFinished returns the future of the last submission's GPU completion, or nil before the first one.
func (s *Stage) SubmissionFinished() *gpu.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// SubmissionFinishedFence implements Node.
func (s *Stage) SubmissionFinishedFence() gpu.FenceView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentFence.View()
}

// IsSubmissionFinishedFenceUsable implements Node. A skipped stage never signals its fence.
func (s *Stage) IsSubmissionFinishedFenceUsable() bool {
	return s.SubmissionFinishedFence().IsValid() && !s.EvaluateShouldSkip()
}

// gpuChildren returns the nodes that wait on s on the GPU.
func (s *Stage) gpuChildren() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := make([]Node, 0, len(s.edges)+1)
	for _, e := range s.edges {
		children = append(children, e.child)
	}
	if s.present != nil {
		children = append(children, s.present)
	}
	return children
}

// planSignals decides, for the frame being submitted, which semaphore every consumer of s waits on. A consumer
// is an executing GPU child, or an executing stage or semaphore-waiting present reached through skipped
// children. Each consumer gets exactly one semaphore and every returned semaphore has exactly one consumer.
func (s *Stage) planSignals() []gpu.SemaphoreView {
	s.mu.Lock()
	edges := slices.Clone(s.edges)
	present := s.present
	presentSemaphore := s.presentSemaphore.View()
	s.mu.Unlock()

	assigned := make(map[Node]gpu.SemaphoreView)
	var signals []gpu.SemaphoreView
	assign := func(consumer Node, semaphore gpu.SemaphoreView) {
		assigned[consumer] = semaphore
		signals = append(signals, semaphore)
	}

	for _, e := range edges {
		if !e.child.EvaluateShouldSkip() {
			assign(e.child, e.semaphore.View())
		}
	}
	if present != nil && presentSemaphore.IsValid() {
		assign(present, presentSemaphore)
	}

	// A skipped child hands its edge semaphore to the first consumer found below it; further consumers
	// get a semaphore of their own.
	seen := make(map[Node]struct{})
	for _, e := range edges {
		if !e.child.EvaluateShouldSkip() {
			continue
		}
		edgeFree := true
		collectConsumers(e.child, seen, func(consumer Node) {
			if _, ok := assigned[consumer]; ok {
				return
			}
			if edgeFree {
				edgeFree = false
				assign(consumer, e.semaphore.View())
				return
			}
			if semaphore := s.forwardedSemaphore(consumer); semaphore.IsValid() {
				assign(consumer, semaphore)
			}
		})
	}

	s.mu.Lock()
	s.handout.set(s.ctx.clock().FrameNumber(), assigned)
	s.mu.Unlock()
	return signals
}

func (s *Stage) forwardedSemaphore(consumer Node) gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if semaphore, ok := s.forwarded[consumer]; ok {
		return semaphore.View()
	}
	semaphore, err := gpu.NewSemaphore(s.ctx.Device.Backend())
	if err != nil {
		common.Logger().Error("[Stage] forwarded semaphore creation failed", "stage", s.name, "consumer", consumer.Name(), "error", err)
		return gpu.SemaphoreView{}
	}
	if s.forwarded == nil {
		s.forwarded = make(map[Node]gpu.Semaphore)
	}
	s.forwarded[consumer] = semaphore
	return semaphore.View()
}

// WaitSemaphores returns the semaphores the last recording collected to wait on.
func (s *Stage) WaitSemaphores() []gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.waits)
}

// SignalSemaphores returns the semaphores the last recording collected to signal.
func (s *Stage) SignalSemaphores() []gpu.SemaphoreView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.signals)
}

// OnExecute records the stage. Submission is left to the submit job.
func (s *Stage) OnExecute(r *job.Runner) job.Result {
	common.Assertf(s.Flags()&awaitFlags == 0, "stage %s recorded while a submission is pending", s.name)

	if s.IsManagedByPass() {
		return job.ResultFinished
	}
	if s.EvaluateShouldSkip() {
		s.finishedJob.SignalExecutionFinished(r)
		return job.ResultFinished
	}

	clock := s.ctx.clock()
	frame := clock.CurrentFrameIndex()
	data := s.ctx.Device.RunnerData(r)
	data.OnStartFrameCpuWork(frame)

	cb, err := s.record(r, data, frame, clock.FrameNumber())
	if err != nil {
		common.Logger().Error("[Stage] recording failed, submitting synchronization only", "stage", s.name, "error", err)
		cb = gpu.CommandBuffer{}
	}

	s.mu.Lock()
	s.runnerData, s.frame, s.encoded = data, frame, cb
	s.signalFence = s.presentFence.View()
	s.mu.Unlock()

	s.setFlags(awaitFlags)
	return job.ResultFinished
}

// collectWaits gathers the semaphores of every executing node s synchronizes with. Every GPU parent was
// submitted, so each of them already planned what it signals for s.
func (s *Stage) collectWaits() ([]gpu.SemaphoreView, []gpu.PipelineStageFlags) {
	var waits []gpu.SemaphoreView
	var waitStages []gpu.PipelineStageFlags
	IterateUsedStages(s, func(u UsedStage) {
		if !u.Stage.IsSubmissionFinishedSemaphoreUsable() {
			return
		}
		if semaphore := u.Stage.SubmissionFinishedSemaphore(s); semaphore.IsValid() {
			common.Assertf(!slices.Contains(waits, semaphore), "stage %s waits on a semaphore twice", s.name)
			waits = append(waits, semaphore)
			waitStages = append(waitStages, u.Stage.PipelineStageFlags())
		}
	})
	return waits, waitStages
}

func (s *Stage) record(r *job.Runner, data *device.RunnerData, frame gpu.FrameIndex, number uint64) (gpu.CommandBuffer, error) {
	cb, err := data.PerFrameCommandBuffer(s.family, frame)
	if err != nil {
		return gpu.CommandBuffer{}, err
	}
	enc, err := s.ctx.Device.Backend().BeginEncoding(cb)
	if err != nil {
		return gpu.CommandBuffer{}, fmt.Errorf("begin encoding: %w", err)
	}

	rc := &RecordContext{
		Runner:      r,
		Encoder:     enc,
		Family:      s.family,
		Frame:       frame,
		FrameNumber: number,
		Output:      s.ctx.Output,
	}
	if src := s.ctx.Images; src != nil && src.HasImage() {
		rc.Image, rc.HasImage = src.FrameImageId(), true
	}

	s.mu.Lock()
	managed := slices.Clone(s.managed)
	s.mu.Unlock()

	recordWith(s.recorder, rc)
	for _, child := range managed {
		if !child.EvaluateShouldSkip() {
			recordWith(child.recorder, rc)
		}
	}

	if err := enc.End(); err != nil {
		return gpu.CommandBuffer{}, fmt.Errorf("end encoding: %w", err)
	}
	return cb, nil
}

func recordWith(recorder Recorder, rc *RecordContext) {
	if recorder == nil {
		return
	}
	if before, ok := recorder.(BeforeRecorder); ok {
		before.BeforeRecord(rc)
	}
	recorder.Record(rc)
	if after, ok := recorder.(AfterRecorder); ok {
		after.AfterRecord(rc)
	}
}

// SubmitEncodedCommandBuffer queues the recorded commands on the stage's queue. When the backend accepted
// them the submit job finishes; when the GPU completed them the finished job is queued.
func (s *Stage) SubmitEncodedCommandBuffer() {
	common.Assertf(s.Flags()&awaitFlags == awaitFlags, "stage %s submitted without a recording", s.name)

	waits, waitStages := s.collectWaits()
	var signals []gpu.SemaphoreView
	if s.stages != 0 {
		signals = s.planSignals()
	}

	s.mu.Lock()
	s.waits, s.waitStages, s.signals = waits, waitStages, signals
	data, frame := s.runnerData, s.frame
	params := device.SubmitParameters{
		WaitSemaphores:   waits,
		WaitStages:       waitStages,
		SignalSemaphores: signals,
		Fence:            s.signalFence,
	}
	var buffers []gpu.CommandBuffer
	if s.encoded.IsValid() {
		buffers = []gpu.CommandBuffer{s.encoded}
	}
	s.mu.Unlock()

	data.OnStartFrameGpuWork(frame)
	sub := s.ctx.Device.QueueSubmissionJob(s.family).Queue(s.job.Priority(), buffers, params)
	jobs := s.ctx.jobs()

	s.mu.Lock()
	s.finished = sub.Finished
	s.mu.Unlock()

	jobs.AfterResolved(nil, sub.Submitted, job.PrioritySubmit, func(r *job.Runner, err error) {
		if err != nil {
			common.Logger().Error("[Stage] submission failed", "stage", s.name, "error", err)
		}
		cleared := s.tryClearFlags(FlagAwaitingSubmission)
		common.Assertf(cleared, "stage %s submitted twice", s.name)
		s.submitJob.SignalExecutionFinished(r)
		data.OnFinishFrameCpuWork(frame)

		jobs.AfterResolved(r, sub.Finished, job.PrioritySubmit, func(r *job.Runner, _ error) {
			cleared := s.tryClearFlags(FlagAwaitingGPUFinish)
			common.Assertf(cleared, "stage %s finished twice", s.name)
			jobs.Queue(s.finishedJob)
			data.OnFinishFrameGpuWork(frame)
		})
	})
}

func (s *Stage) onFinishedExecution(*job.Runner) job.Result {
	if observer, ok := s.recorder.(ExecutionObserver); ok {
		observer.OnCommandsExecuted()
	}
	return job.ResultFinished
}

// Destroy releases every semaphore and fence the stage owns. The GPU must be idle.
func (s *Stage) Destroy() {
	backend := s.ctx.Device.Backend()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		e.semaphore.Destroy(backend)
	}
	for consumer, semaphore := range s.forwarded {
		semaphore.Destroy(backend)
		delete(s.forwarded, consumer)
	}
	s.presentSemaphore.Destroy(backend)
	s.presentFence.Destroy(backend)
}

type submitExecutor struct{ s *Stage }

func (e submitExecutor) OnExecute(*job.Runner) job.Result {
	if e.s.Flags()&FlagAwaitingSubmission == 0 {
		return job.ResultFinished
	}
	e.s.SubmitEncodedCommandBuffer()
	return job.ResultAwaitExternalFinish
}

func destroySemaphore(ctx Context, r *job.Runner, semaphore gpu.Semaphore) {
	if !semaphore.IsValid() {
		return
	}
	if r != nil {
		ctx.Device.RunnerData(r).DestroySemaphore(semaphore)
		return
	}
	ctx.jobs().QueueCallback(job.PriorityDeallocateResources, func(r *job.Runner) {
		ctx.Device.RunnerData(r).DestroySemaphore(semaphore)
	})
}

func destroyFence(ctx Context, r *job.Runner, fence gpu.Fence) {
	if !fence.IsValid() {
		return
	}
	if r != nil {
		ctx.Device.RunnerData(r).DestroyFence(fence)
		return
	}
	ctx.jobs().QueueCallback(job.PriorityDeallocateResources, func(r *job.Runner) {
		ctx.Device.RunnerData(r).DestroyFence(fence)
	})
}
