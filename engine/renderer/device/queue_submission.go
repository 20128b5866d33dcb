package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// SubmitParameters are the synchronization primitives of one queued submission.
type SubmitParameters struct {
	WaitSemaphores   []gpu.SemaphoreView
	WaitStages       []gpu.PipelineStageFlags
	SignalSemaphores []gpu.SemaphoreView
	Fence            gpu.FenceView
}

// Submission tracks a queued submission.
type Submission struct {
	// Submitted resolves once the backend accepted the submission.
	Submitted *gpu.Future
	// Finished resolves once the GPU executed the submission.
	Finished *gpu.Future
}

type operationKind uint8

const (
	operationSubmit operationKind = iota
	operationPresent
	operationAwaitFence
	operationCallback
)

type operation struct {
	kind operationKind

	buffers []gpu.CommandBuffer
	params  SubmitParameters
	sub     *Submission

	swapchain  gpu.Swapchain
	imageIndex uint32
	waits      []gpu.SemaphoreView
	fence      gpu.FenceView
	result     *gpu.Future

	callback func()
}

// QueueSubmissionJob serializes every submit and present of one queue on a single runner.
// Producers on any goroutine append operations; the job swaps the pending buffer and drains it in order.
type QueueSubmissionJob struct {
	job    *job.Job
	device *LogicalDevice
	family gpu.QueueFamily

	mu        *sync.Mutex
	pending   []operation
	draining  []operation
	inFlight  atomic.Int32
	submitted atomic.Uint64
}

var _ job.Executor = &QueueSubmissionJob{}

func newQueueSubmissionJob(d *LogicalDevice, family gpu.QueueFamily, name string, runner *job.Runner) *QueueSubmissionJob {
	q := &QueueSubmissionJob{
		device: d,
		family: family,
		mu:     &sync.Mutex{},
	}
	q.job = job.NewJob(name, job.PrioritySubmit, q)
	q.job.SetExclusiveRunner(runner)
	return q
}

// QueueFamily returns the queue family the job submits to.
func (q *QueueSubmissionJob) QueueFamily() gpu.QueueFamily { return q.family }

// SubmittedCount returns how many batches the job handed to the backend.
func (q *QueueSubmissionJob) SubmittedCount() uint64 { return q.submitted.Load() }

// Queue schedules command buffers for submission. The returned futures report backend acceptance and GPU completion.
//
// Parameters:
//   - priority: the priority the submission job is queued with
//   - buffers: the encoded command buffers to submit
//   - params: wait semaphores, wait stages, signal semaphores and fence
//
// Returns:
//   - *Submission: the acceptance and completion futures
func (q *QueueSubmissionJob) Queue(priority job.Priority, buffers []gpu.CommandBuffer, params SubmitParameters) *Submission {
	common.Assert(len(params.WaitSemaphores) == len(params.WaitStages), "every wait semaphore needs a wait stage mask")

	sub := &Submission{Submitted: gpu.NewFuture(), Finished: gpu.NewFuture()}
	q.push(priority, operation{kind: operationSubmit, buffers: buffers, params: params, sub: sub})
	return sub
}

// QueuePresent schedules a present of imageIndex after waits are signaled.
//
// Parameters:
//   - priority: the priority the submission job is queued with
//   - sc: the swapchain to present
//   - imageIndex: the acquired image
//   - waits: semaphores the present waits on
//
// Returns:
//   - *gpu.Future: resolves once the backend returned from present
func (q *QueueSubmissionJob) QueuePresent(priority job.Priority, sc gpu.Swapchain, imageIndex uint32, waits []gpu.SemaphoreView) *gpu.Future {
	f := gpu.NewFuture()
	q.push(priority, operation{kind: operationPresent, swapchain: sc, imageIndex: imageIndex, waits: waits, result: f})
	return f
}

// QueueAwaitFence resolves the returned future once fence is signaled. The wait blocks a fence waiter, never a runner.
//
// Parameters:
//   - fence: the fence to wait for
//
// Returns:
//   - *gpu.Future: resolves once the fence is signaled
func (q *QueueSubmissionJob) QueueAwaitFence(fence gpu.FenceView) *gpu.Future {
	f := gpu.NewFuture()
	q.push(job.PrioritySubmit, operation{kind: operationAwaitFence, fence: fence, result: f})
	return f
}

// QueueCallback runs fn on the submission runner, in order with the queued submissions.
func (q *QueueSubmissionJob) QueueCallback(fn func()) {
	q.push(job.PrioritySubmit, operation{kind: operationCallback, callback: fn})
}

func (q *QueueSubmissionJob) push(priority job.Priority, op operation) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()

	if priority > q.job.Priority() || !q.job.IsQueued() {
		q.job.SetPriority(max(priority, job.PrioritySubmit))
	}
	q.device.jobs.Queue(q.job)
}

func (q *QueueSubmissionJob) OnExecute(r *job.Runner) job.Result {
	q.mu.Lock()
	q.pending, q.draining = q.draining[:0], q.pending
	q.mu.Unlock()

	backend := q.device.backend
	for i := range q.draining {
		op := &q.draining[i]
		switch op.kind {
		case operationSubmit:
			q.submit(op)
		case operationPresent:
			err := backend.Present(op.swapchain, op.imageIndex, op.waits)
			if err != nil && !errors.Is(err, gpu.ErrSwapchainOutOfDate) {
				err = fmt.Errorf("present image %d: %w", op.imageIndex, err)
			}
			op.result.Resolve(err)
		case operationAwaitFence:
			q.device.awaitFence(op.fence, op.result)
		case operationCallback:
			op.callback()
		}
		q.draining[i] = operation{}
	}

	if backend.Capabilities().RequiresTick && q.inFlight.Load() > 0 {
		backend.Tick()
		q.mu.Lock()
		idle := len(q.pending) == 0
		q.mu.Unlock()
		if idle {
			q.job.SetPriority(job.PriorityLowest)
		}
		return job.ResultTryRequeue
	}
	return job.ResultFinished
}

func (q *QueueSubmissionJob) submit(op *operation) {
	finished, err := q.device.backend.Submit(q.family, gpu.SubmitBatch{
		CommandBuffers:   op.buffers,
		WaitSemaphores:   op.params.WaitSemaphores,
		WaitStages:       op.params.WaitStages,
		SignalSemaphores: op.params.SignalSemaphores,
		Fence:            op.params.Fence,
	})
	common.Assertf(err == nil, "%s queue submission failed: %v", q.family, err)
	if err != nil {
		err = fmt.Errorf("submit to %s queue: %w", q.family, err)
		op.sub.Submitted.Resolve(err)
		op.sub.Finished.Resolve(err)
		return
	}

	q.submitted.Add(1)
	q.inFlight.Add(1)
	op.sub.Submitted.Resolve(nil)

	sub := op.sub
	go func() {
		<-finished.Done()
		q.inFlight.Add(-1)
		sub.Finished.Resolve(finished.Err())
	}()
}
