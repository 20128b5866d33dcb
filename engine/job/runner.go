package job

import (
	"fmt"
	"runtime"
	"sync"
)

// Runner is one job runner goroutine, locked to its OS thread while it runs.
// It executes its exclusive queue before the shared ready queue.
type Runner struct {
	index     int
	manager   *Manager
	exclusive readyQueue
	locals    sync.Map
	depth     int
}

// Index returns the position of the runner in its manager.
func (r *Runner) Index() int { return r.index }

// Manager returns the manager owning the runner.
func (r *Runner) Manager() *Manager { return r.manager }

// Local returns the runner-local value stored under key, creating it with create on first use.
// Only the runner itself should mutate the returned value.
//
// Parameters:
//   - key: identifies the value
//   - create: builds the value when none exists yet
//
// Returns:
//   - any: the runner-local value
func (r *Runner) Local(key any, create func() any) any {
	if v, ok := r.locals.Load(key); ok {
		return v
	}
	v, _ := r.locals.LoadOrStore(key, create())
	return v
}

// RunNextJob executes one ready job on the calling runner, if any is available.
// Jobs use it to yield cooperatively instead of blocking while they wait.
//
// Returns:
//   - bool: true if a job was executed
func (r *Runner) RunNextJob() bool {
	e, ok := r.manager.tryNext(r)
	if !ok {
		return false
	}
	r.execute(e)
	return true
}

// QueueExclusive queues a callback that only this runner may execute.
//
// Parameters:
//   - priority: the priority of the callback among this runner's exclusive work
//   - fn: the work to run
func (r *Runner) QueueExclusive(priority Priority, fn func(r *Runner)) {
	r.manager.queueEntry(r, readyEntry{callback: fn, priority: priority})
}

func (r *Runner) run() (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner %d panicked: %v", r.index, rec)
			r.manager.logger().Error("[JobManager] runner panicked", "runner", r.index, "panic", rec)
		}
	}()

	for {
		e, ok := r.manager.waitNext(r)
		if !ok {
			return nil
		}
		r.execute(e)
	}
}

func (r *Runner) execute(e readyEntry) {
	r.depth++
	defer func() { r.depth-- }()

	if e.callback != nil {
		e.callback(r)
		return
	}

	j := e.job
	j.queued.Store(false)
	switch j.executor.OnExecute(r) {
	case ResultFinished:
		j.SignalExecutionFinished(r)
	case ResultAwaitExternalFinish:
		if f, ok := j.executor.(ExternalFinisher); ok {
			f.OnAwaitExternalFinish(r)
		}
	case ResultTryRequeue:
		r.manager.Queue(j)
	}
}

// IsNested reports whether the runner is executing a job from inside another job's RunNextJob yield.
func (r *Runner) IsNested() bool { return r.depth > 1 }
