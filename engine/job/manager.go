package job

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"golang.org/x/sync/errgroup"
)

// Manager owns the job runners and the shared ready queue.
type Manager struct {
	mu    *sync.Mutex
	cond  *sync.Cond
	ready readyQueue
	seq   uint64

	runnerCount int
	runners     []*Runner
	group       *errgroup.Group
	started     bool
	stopped     bool
	stopOnce    sync.Once
}

// NewManager creates a stopped manager. Call Start before queueing work that must run.
//
// Parameters:
//   - options: functional options applied to the manager
//
// Returns:
//   - *Manager: the new manager
func NewManager(options ...ManagerBuilderOption) *Manager {
	m := &Manager{
		mu:          &sync.Mutex{},
		runnerCount: max(runtime.NumCPU()-1, 2),
	}
	m.cond = sync.NewCond(m.mu)

	for _, opt := range options {
		opt(m)
	}

	m.runners = make([]*Runner, m.runnerCount)
	for i := range m.runners {
		m.runners[i] = &Runner{index: i, manager: m}
	}
	return m
}

// Start launches one goroutine per runner. The runners stop when ctx is cancelled, Stop is called,
// or one of them panics.
//
// Parameters:
//   - ctx: bounds the lifetime of the runners
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	for _, r := range m.runners {
		g.Go(r.run)
	}
	go func() {
		<-gctx.Done()
		m.stop()
	}()

	m.logger().Info("[JobManager] started", "runners", len(m.runners))
}

// Stop stops every runner and waits for them to exit. Queued jobs that have not started are dropped.
//
// Returns:
//   - error: the first runner failure, if any
func (m *Manager) Stop() error {
	m.stop()
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.cond.Broadcast()
	})
}

// Runners returns the runners of the manager.
func (m *Manager) Runners() []*Runner { return m.runners }

// Runner returns the runner at index i.
func (m *Manager) Runner(i int) *Runner { return m.runners[i] }

// Queue puts a job on the ready queue, or on its exclusive runner's queue.
// Queueing a job that is already queued is a no-op.
//
// Parameters:
//   - j: the job to queue
func (m *Manager) Queue(j *Job) {
	if j.queued.Swap(true) {
		return
	}
	m.queueEntry(j.ExclusiveRunner(), readyEntry{job: j, priority: j.Priority()})
}

// QueueCallback runs fn once on any runner.
//
// Parameters:
//   - priority: the priority of the callback on the ready queue
//   - fn: the work to run
func (m *Manager) QueueCallback(priority Priority, fn func(r *Runner)) {
	m.queueEntry(nil, readyEntry{callback: fn, priority: priority})
}

// Execute runs fn on a runner and returns a Future that resolves with its error.
//
// Parameters:
//   - priority: the priority of the work on the ready queue
//   - fn: the work to run
//
// Returns:
//   - *gpu.Future: resolves once fn returned
func (m *Manager) Execute(priority Priority, fn func(r *Runner) error) *gpu.Future {
	f := gpu.NewFuture()
	m.QueueCallback(priority, func(r *Runner) {
		f.Resolve(fn(r))
	})
	return f
}

// AfterResolved runs fn on a runner once f resolves. When the caller is a runner and f already resolved,
// fn runs directly on it; otherwise fn is queued once the future completes.
//
// Parameters:
//   - r: the calling runner, or nil when called from another goroutine
//   - f: the future to wait for
//   - priority: the priority fn is queued with
//   - fn: receives the runner and the error f resolved with
func (m *Manager) AfterResolved(r *Runner, f *gpu.Future, priority Priority, fn func(r *Runner, err error)) {
	if r != nil && f.Resolved() {
		fn(r, f.Err())
		return
	}
	go func() {
		<-f.Done()
		m.QueueCallback(priority, func(r *Runner) {
			fn(r, f.Err())
		})
	}()
}

// RunUntil executes ready jobs on r until done is closed. It never blocks r while work is available.
//
// Parameters:
//   - r: the calling runner
//   - done: closed when the caller may continue
func (m *Manager) RunUntil(r *Runner, done <-chan struct{}) {
	common.Assert(r.manager == m, "runner belongs to another manager")
	for {
		select {
		case <-done:
			return
		default:
		}
		if !r.RunNextJob() {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Microsecond):
			}
		}
	}
}

func (m *Manager) queueEntry(r *Runner, e readyEntry) {
	m.mu.Lock()
	e.seq = m.seq
	m.seq++
	if r != nil {
		r.exclusive.push(e)
	} else {
		m.ready.push(e)
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *Manager) pick(r *Runner) (readyEntry, bool) {
	if r.exclusive.Len() > 0 && (m.ready.Len() == 0 || r.exclusive[0].priority >= m.ready[0].priority) {
		return r.exclusive.pop()
	}
	return m.ready.pop()
}

func (m *Manager) tryNext(r *Runner) (readyEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return readyEntry{}, false
	}
	return m.pick(r)
}

func (m *Manager) waitNext(r *Runner) (readyEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.stopped {
			return readyEntry{}, false
		}
		if e, ok := m.pick(r); ok {
			return e, true
		}
		m.cond.Wait()
	}
}

func (m *Manager) logger() *slog.Logger {
	return common.Logger()
}
