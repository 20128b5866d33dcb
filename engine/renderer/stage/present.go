package stage

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// PresentStage presents the acquired output image once the GPU work of its parents is done.
//
// Its job stays open from OnExecute until the output reports the present, so stages following it
// on the CPU observe a finished present.
type PresentStage struct {
	ctx  Context
	name string
	job  *job.Job

	mu                   *sync.Mutex
	parents              []Node
	transitionSemaphores [gpu.MaximumConcurrentFrameCount]gpu.Semaphore

	presented atomic.Uint64
	last      atomic.Pointer[gpu.Future]
}

var _ Node = &PresentStage{}
var _ job.ExternalFinisher = &PresentStage{}

// NewPresentStage creates the present stage for ctx.Output.
//
// Parameters:
//   - ctx: the collaborators of the stage; Output and Images must be set
//   - name: a debug name
//
// Returns:
//   - *PresentStage: the stage
func NewPresentStage(ctx Context, name string) *PresentStage {
	common.Assert(ctx.Output != nil, "present stage needs an output")
	p := &PresentStage{
		ctx:  ctx,
		name: common.Coalesce(name, "present"),
		mu:   &sync.Mutex{},
	}
	p.job = job.NewJob(p.name, job.PriorityPresent, p)
	return p
}

func (p *PresentStage) Name() string { return p.name }

// Job returns the present job. It finishes once the image was handed to the output.
func (p *PresentStage) Job() *job.Job { return p.job }

// SupportsSemaphores reports whether the present waits on semaphores.
func (p *PresentStage) SupportsSemaphores() bool { return p.ctx.Output.SupportsPresentImageSemaphore() }

// RequiresFence reports whether the present needs a fence signaled by its parents.
func (p *PresentStage) RequiresFence() bool {
	return !p.SupportsSemaphores() && p.ctx.Output.RequiresPresentFence()
}

// PresentedCount returns how many presents completed.
func (p *PresentStage) PresentedCount() uint64 { return p.presented.Load() }

// LastPresent returns the future of the last present handed to the output, or nil.
func (p *PresentStage) LastPresent() *gpu.Future { return p.last.Load() }

func (p *PresentStage) addGpuDependency(parent Node, after *job.Job) {
	p.mu.Lock()
	common.Assertf(!slices.Contains(p.parents, parent), "stage %s already presents", parent.Name())
	p.parents = append(p.parents, parent)
	p.mu.Unlock()
	after.AddSubsequentStage(p.job)
}

func (p *PresentStage) removeGpuDependency(parent Node, after *job.Job) {
	p.mu.Lock()
	p.parents = slices.DeleteFunc(p.parents, func(n Node) bool { return n == parent })
	p.mu.Unlock()
	after.RemoveSubsequentStage(p.job)
}

// GpuParents implements Node.
func (p *PresentStage) GpuParents() []Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.parents)
}

// PipelineStageFlags implements Node. Nothing waits on a present.
func (p *PresentStage) PipelineStageFlags() gpu.PipelineStageFlags { return gpu.PipelineStageNone }

func (p *PresentStage) IsSkipped() bool { return false }

func (p *PresentStage) SubmissionFinishedSemaphore(Node) gpu.SemaphoreView { return gpu.SemaphoreView{} }

func (p *PresentStage) IsSubmissionFinishedSemaphoreUsable() bool { return false }

func (p *PresentStage) SubmissionFinishedFence() gpu.FenceView { return gpu.FenceView{} }

func (p *PresentStage) IsSubmissionFinishedFenceUsable() bool { return false }

// OnExecute implements job.Executor. The work happens in OnAwaitExternalFinish.
func (p *PresentStage) OnExecute(*job.Runner) job.Result {
	return job.ResultAwaitExternalFinish
}

// presentSync is what one present waits on.
type presentSync struct {
	waits []gpu.SemaphoreView
	// fence is handed to the output, which awaits and resets it before presenting.
	fence gpu.FenceView
	// fences are every fence signaled for this present; all of them are reset once it completed.
	fences []gpu.FenceView
	// gates are CPU-side completions awaited before anything else when no primitive covers a parent.
	gates []*gpu.Future
}

func (p *PresentStage) gather() presentSync {
	var ps presentSync
	semaphores := p.SupportsSemaphores()
	fenced := p.RequiresFence()

	IterateUsedStages(p, func(u UsedStage) {
		if semaphores {
			if u.Stage.IsSubmissionFinishedSemaphoreUsable() {
				if semaphore := u.Stage.SubmissionFinishedSemaphore(p); semaphore.IsValid() {
					ps.waits = append(ps.waits, semaphore)
				}
			}
			return
		}
		if fenced && u.Stage.IsSubmissionFinishedFenceUsable() {
			fence := u.Stage.SubmissionFinishedFence()
			ps.fences = append(ps.fences, fence)
			if !ps.fence.IsValid() {
				ps.fence = fence
				return
			}
		}
		if s, ok := u.Stage.(*Stage); ok {
			if finished := s.SubmissionFinished(); finished != nil {
				ps.gates = append(ps.gates, finished)
			}
		}
	})
	return ps
}

// OnAwaitExternalFinish gathers what the present waits on and hands the image to the output. When the image
// is not in its present layout, a transition is submitted first and the present follows it.
func (p *PresentStage) OnAwaitExternalFinish(r *job.Runner) {
	ps := p.gather()
	images := p.ctx.Images
	if images == nil || !images.HasImage() {
		p.drain(r, ps)
		return
	}
	id := images.FrameImageId()
	out := p.ctx.Output
	jobs := p.ctx.jobs()

	if out.SubresourceState(id).Layout == out.PresentColorImageLayout() {
		if len(ps.gates) == 0 {
			p.present(r, id, ps.waits, ps.fence, ps.fences)
			return
		}
		jobs.AfterResolved(r, gpu.All(ps.gates...), job.PriorityPresent, func(r *job.Runner, _ error) {
			p.present(r, id, ps.waits, ps.fence, ps.fences)
		})
		return
	}

	gates := ps.gates
	if ps.fence.IsValid() {
		gates = append(gates, p.ctx.Device.QueuePresentJob().QueueAwaitFence(ps.fence))
	}
	frame := p.ctx.clock().CurrentFrameIndex()
	jobs.AfterResolved(r, gpu.All(gates...), job.PriorityPresent, func(r *job.Runner, _ error) {
		if err := p.transitionAndPresent(r, id, frame, ps.waits, ps.fences); err != nil {
			common.Logger().Error("[PresentStage] layout transition failed", "stage", p.name, "error", err)
			p.job.SignalExecutionFinished(r)
		}
	})
}

// drain consumes what the parents signaled for a frame without an image: the semaphores are waited on by an
// empty submission and the fences are reset once signaled. The job finishes when both are done.
func (p *PresentStage) drain(r *job.Runner, ps presentSync) {
	gates := ps.gates
	for _, fence := range ps.fences {
		gates = append(gates, p.ctx.Device.QueuePresentJob().QueueAwaitFence(fence))
	}
	if len(ps.waits) > 0 {
		params := device.SubmitParameters{WaitSemaphores: ps.waits}
		for range ps.waits {
			params.WaitStages = append(params.WaitStages, gpu.PipelineStageAllCommands)
		}
		sub := p.ctx.Device.QueueSubmissionJob(gpu.QueueFamilyGraphics).Queue(job.PriorityPresent, nil, params)
		gates = append(gates, sub.Finished)
	}

	backend := p.ctx.Device.Backend()
	p.ctx.jobs().AfterResolved(r, gpu.All(gates...), job.PriorityPresent, func(r *job.Runner, err error) {
		if err != nil {
			common.Logger().Error("[PresentStage] drain without image failed", "stage", p.name, "error", err)
		}
		for _, fence := range ps.fences {
			fence.Reset(backend)
		}
		p.job.SignalExecutionFinished(r)
	})
}

func (p *PresentStage) transitionAndPresent(r *job.Runner, id gpu.FrameImageId, frame gpu.FrameIndex, waits []gpu.SemaphoreView, fences []gpu.FenceView) error {
	out := p.ctx.Output
	backend := p.ctx.Device.Backend()
	cb, err := backend.CreateCommandBuffer(gpu.QueueFamilyGraphics)
	if err != nil {
		return fmt.Errorf("create command buffer: %w", err)
	}
	data := p.ctx.Device.RunnerData(r)

	enc, err := backend.BeginEncoding(cb)
	if err != nil {
		data.DestroyCommandBuffer(cb)
		return fmt.Errorf("begin encoding: %w", err)
	}
	transitionImage(enc, out, id, out.PresentColorImageLayout(), uint32(gpu.QueueFamilyGraphics))
	if err := enc.End(); err != nil {
		data.DestroyCommandBuffer(cb)
		return fmt.Errorf("end encoding: %w", err)
	}

	params := device.SubmitParameters{WaitSemaphores: waits}
	for range waits {
		params.WaitStages = append(params.WaitStages, gpu.PipelineStageAllCommands)
	}
	var presentWaits []gpu.SemaphoreView
	if p.SupportsSemaphores() {
		semaphore, err := p.transitionSemaphore(frame)
		if err != nil {
			data.DestroyCommandBuffer(cb)
			return err
		}
		params.SignalSemaphores = []gpu.SemaphoreView{semaphore}
		presentWaits = params.SignalSemaphores
	}

	data.OnStartFrameGpuWork(frame)
	sub := p.ctx.Device.QueueSubmissionJob(gpu.QueueFamilyGraphics).Queue(job.PriorityPresent, []gpu.CommandBuffer{cb}, params)
	jobs := p.ctx.jobs()
	jobs.AfterResolved(nil, sub.Finished, job.PriorityDeallocateResources, func(*job.Runner, error) {
		data.DestroyCommandBuffer(cb)
		data.OnFinishFrameGpuWork(frame)
	})

	// Without semaphores the present follows the completion of the transition.
	after := sub.Finished
	if presentWaits != nil {
		after = sub.Submitted
	}
	jobs.AfterResolved(r, after, job.PriorityPresent, func(r *job.Runner, err error) {
		if err != nil {
			common.Logger().Error("[PresentStage] layout transition submission failed", "stage", p.name, "error", err)
		}
		p.present(r, id, presentWaits, gpu.FenceView{}, fences)
	})
	return nil
}

func (p *PresentStage) transitionSemaphore(frame gpu.FrameIndex) (gpu.SemaphoreView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.transitionSemaphores[frame].IsValid() {
		semaphore, err := gpu.NewSemaphore(p.ctx.Device.Backend())
		if err != nil {
			return gpu.SemaphoreView{}, fmt.Errorf("create transition semaphore: %w", err)
		}
		p.transitionSemaphores[frame] = semaphore
	}
	return p.transitionSemaphores[frame].View(), nil
}

func (p *PresentStage) present(r *job.Runner, id gpu.FrameImageId, waits []gpu.SemaphoreView, fence gpu.FenceView, fences []gpu.FenceView) {
	presented := p.ctx.Output.PresentAcquiredImage(p.ctx.Device, id, waits, fence)
	p.last.Store(presented)

	backend := p.ctx.Device.Backend()
	p.ctx.jobs().AfterResolved(r, presented, job.PriorityPresent, func(r *job.Runner, err error) {
		switch {
		case errors.Is(err, gpu.ErrSwapchainOutOfDate):
			common.Logger().Warn("[PresentStage] output out of date at present", "stage", p.name)
		case err != nil:
			common.Logger().Error("[PresentStage] present failed", "stage", p.name, "error", err)
		}
		for _, f := range fences {
			f.Reset(backend)
		}
		p.presented.Add(1)
		p.job.SignalExecutionFinished(r)
	})
}

// Destroy releases the transition semaphores. The GPU must be idle.
func (p *PresentStage) Destroy() {
	backend := p.ctx.Device.Backend()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.transitionSemaphores {
		p.transitionSemaphores[i].Destroy(backend)
		p.transitionSemaphores[i] = gpu.Semaphore{}
	}
}
