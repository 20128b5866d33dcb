package job

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-frame/common"
)

// Result tells the runner what to do after OnExecute returns.
type Result uint8

const (
	// ResultFinished completes the job and releases its subsequent jobs.
	ResultFinished Result = iota
	// ResultAwaitExternalFinish parks the job until something calls SignalExecutionFinished.
	ResultAwaitExternalFinish
	// ResultTryRequeue puts the job back on the ready queue without completing it.
	ResultTryRequeue
)

// Executor is the work a Job performs on a runner.
type Executor interface {
	// OnExecute runs the job on the given runner.
	//
	// Parameters:
	//   - r: the runner executing the job
	//
	// Returns:
	//   - Result: how the runner should treat the job afterwards
	OnExecute(r *Runner) Result
}

// ExternalFinisher is implemented by executors that return ResultAwaitExternalFinish.
// OnAwaitExternalFinish is called right after OnExecute on the same runner.
type ExternalFinisher interface {
	OnAwaitExternalFinish(r *Runner)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(r *Runner) Result

func (f ExecutorFunc) OnExecute(r *Runner) Result { return f(r) }

// Job is one node of the CPU job graph. It becomes ready once every job it follows signaled completion,
// and it rearms itself for the next round when that happens.
type Job struct {
	name     string
	priority atomic.Uint32
	executor Executor

	mu          *sync.Mutex
	subsequent  []*Job
	parentCount atomic.Int32
	remaining   atomic.Int32

	exclusive atomic.Pointer[Runner]
	queued    atomic.Bool
}

// NewJob creates a job that runs executor when ready.
//
// Parameters:
//   - name: a debug name used in logs
//   - priority: the priority of the job on the ready queue
//   - executor: the work performed by the job
//
// Returns:
//   - *Job: the new job with no edges
func NewJob(name string, priority Priority, executor Executor) *Job {
	j := &Job{
		name:     common.Coalesce(name, "job"),
		executor: executor,
		mu:       &sync.Mutex{},
	}
	j.priority.Store(uint32(priority))
	return j
}

func (j *Job) Name() string { return j.name }

func (j *Job) Priority() Priority { return Priority(j.priority.Load()) }

func (j *Job) SetPriority(p Priority) { j.priority.Store(uint32(p)) }

// Executor returns the work performed by the job.
func (j *Job) Executor() Executor { return j.executor }

// AddSubsequentStage makes next wait for this job. Must not be called while either job is in flight.
func (j *Job) AddSubsequentStage(next *Job) {
	common.Assert(next != j, "job cannot follow itself")

	j.mu.Lock()
	defer j.mu.Unlock()

	j.subsequent = append(j.subsequent, next)
	next.parentCount.Add(1)
	next.remaining.Add(1)
}

// RemoveSubsequentStage removes an edge added by AddSubsequentStage. Removing a missing edge is a no-op.
func (j *Job) RemoveSubsequentStage(next *Job) {
	j.mu.Lock()
	defer j.mu.Unlock()

	i := slices.Index(j.subsequent, next)
	if i < 0 {
		return
	}
	j.subsequent = slices.Delete(j.subsequent, i, i+1)
	next.parentCount.Add(-1)
	next.remaining.Add(-1)
}

// IsDirectlyFollowedBy reports whether next waits on this job.
func (j *Job) IsDirectlyFollowedBy(next *Job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Contains(j.subsequent, next)
}

// SubsequentStages returns a snapshot of the jobs waiting on this job.
func (j *Job) SubsequentStages() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.subsequent)
}

// ParentCount returns how many jobs this job waits on.
func (j *Job) ParentCount() int {
	return int(j.parentCount.Load())
}

// SetExclusiveRunner pins the job to one runner. Passing nil lets any runner execute it.
func (j *Job) SetExclusiveRunner(r *Runner) {
	j.exclusive.Store(r)
}

// ExclusiveRunner returns the runner the job is pinned to, or nil.
func (j *Job) ExclusiveRunner() *Runner {
	return j.exclusive.Load()
}

// IsQueued reports whether the job sits on a ready queue.
func (j *Job) IsQueued() bool {
	return j.queued.Load()
}

// SignalExecutionFinished completes the job: every subsequent job whose last pending parent this was
// is queued on the runner's manager. Must be called from a runner.
//
// Parameters:
//   - r: the runner signaling completion
func (j *Job) SignalExecutionFinished(r *Runner) {
	common.Assert(r != nil, "job completion must be signaled from a runner")

	for _, next := range j.SubsequentStages() {
		next.onParentFinished(r.manager)
	}
}

func (j *Job) onParentFinished(m *Manager) {
	left := j.remaining.Add(-1)
	common.Assertf(left >= 0, "job %q released more often than it has parents", j.name)
	if left == 0 {
		j.remaining.Store(j.parentCount.Load())
		m.Queue(j)
	}
}
