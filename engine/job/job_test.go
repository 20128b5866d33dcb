package job

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

func startManager(t *testing.T, runners int) *Manager {
	t.Helper()
	m := NewManager(WithRunnerCount(runners))
	m.Start(context.Background())
	t.Cleanup(func() {
		if err := m.Stop(); err != nil {
			t.Errorf("manager stopped with error: %v", err)
		}
	})
	return m
}

func waitFor(t *testing.T, f *gpu.Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestJobOrderingAndRearm(t *testing.T) {
	m := startManager(t, 4)

	var mu sync.Mutex
	var order []string
	record := func(name string) Executor {
		return ExecutorFunc(func(*Runner) Result {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return ResultFinished
		})
	}

	done := gpu.NewFuture()
	a := NewJob("a", PriorityRecordCommands, record("a"))
	b := NewJob("b", PriorityRecordCommands, record("b"))
	c := NewJob("c", PriorityRecordCommands, record("c"))
	end := NewJob("end", PriorityFrameEnd, ExecutorFunc(func(*Runner) Result {
		done.Resolve(nil)
		return ResultFinished
	}))
	a.AddSubsequentStage(b)
	a.AddSubsequentStage(c)
	b.AddSubsequentStage(end)
	c.AddSubsequentStage(end)

	if end.ParentCount() != 2 {
		t.Fatalf("expected 2 parents, got %d", end.ParentCount())
	}

	for round := range 3 {
		mu.Lock()
		order = order[:0]
		mu.Unlock()
		done = gpu.NewFuture()

		m.Queue(a)
		waitFor(t, done)

		mu.Lock()
		if len(order) != 3 || order[0] != "a" {
			t.Fatalf("round %d: unexpected order %v", round, order)
		}
		mu.Unlock()
	}
}

func TestRemoveSubsequentStage(t *testing.T) {
	a := NewJob("a", PriorityLowest, ExecutorFunc(func(*Runner) Result { return ResultFinished }))
	b := NewJob("b", PriorityLowest, ExecutorFunc(func(*Runner) Result { return ResultFinished }))

	a.AddSubsequentStage(b)
	if !a.IsDirectlyFollowedBy(b) {
		t.Fatal("edge missing after add")
	}
	a.RemoveSubsequentStage(b)
	a.RemoveSubsequentStage(b)
	if a.IsDirectlyFollowedBy(b) || b.ParentCount() != 0 {
		t.Fatalf("edge still present, parents=%d", b.ParentCount())
	}
}

type externalExecutor struct {
	awaiting chan *Runner
}

func (e *externalExecutor) OnExecute(*Runner) Result { return ResultAwaitExternalFinish }

func (e *externalExecutor) OnAwaitExternalFinish(r *Runner) { e.awaiting <- r }

func TestAwaitExternalFinish(t *testing.T) {
	m := startManager(t, 2)

	exec := &externalExecutor{awaiting: make(chan *Runner, 1)}
	parked := NewJob("parked", PriorityPresent, exec)
	done := gpu.NewFuture()
	after := NewJob("after", PriorityLowest, ExecutorFunc(func(*Runner) Result {
		done.Resolve(nil)
		return ResultFinished
	}))
	parked.AddSubsequentStage(after)

	m.Queue(parked)
	<-exec.awaiting
	if done.Resolved() {
		t.Fatal("subsequent job ran before external finish")
	}

	m.QueueCallback(PriorityHighest, parked.SignalExecutionFinished)
	waitFor(t, done)
}

func TestRunNextJobYields(t *testing.T) {
	m := startManager(t, 1)

	var ran atomic.Bool
	result := m.Execute(PriorityAcquireImage, func(r *Runner) error {
		m.QueueCallback(PriorityLowest, func(*Runner) { ran.Store(true) })
		for !ran.Load() {
			r.RunNextJob()
		}
		return nil
	})
	waitFor(t, result)
}

func TestExclusiveRunner(t *testing.T) {
	m := startManager(t, 3)
	target := m.Runner(2)

	var seen atomic.Int32
	seen.Store(-1)
	done := gpu.NewFuture()
	j := NewJob("exclusive", PrioritySubmit, ExecutorFunc(func(r *Runner) Result {
		seen.Store(int32(r.Index()))
		done.Resolve(nil)
		return ResultFinished
	}))
	j.SetExclusiveRunner(target)

	m.Queue(j)
	waitFor(t, done)
	if seen.Load() != 2 {
		t.Fatalf("exclusive job ran on runner %d", seen.Load())
	}
}

func TestAfterResolved(t *testing.T) {
	m := startManager(t, 2)

	f := gpu.NewFuture()
	done := gpu.NewFuture()
	m.AfterResolved(nil, f, PriorityHighest, func(r *Runner, err error) {
		if r == nil {
			done.Resolve(context.Canceled)
			return
		}
		done.Resolve(err)
	})

	time.Sleep(time.Millisecond)
	if done.Resolved() {
		t.Fatal("callback ran before the future resolved")
	}
	f.Resolve(nil)
	waitFor(t, done)
}

func TestReadyQueuePriorityOrder(t *testing.T) {
	var q readyQueue
	q.push(readyEntry{priority: PriorityLowest, seq: 0})
	q.push(readyEntry{priority: PriorityPresent, seq: 1})
	q.push(readyEntry{priority: PriorityPresent, seq: 2})
	q.push(readyEntry{priority: PrioritySubmit, seq: 3})

	want := []uint64{1, 2, 3, 0}
	for i, seq := range want {
		e, ok := q.pop()
		if !ok || e.seq != seq {
			t.Fatalf("pop %d: expected seq %d, got %d", i, seq, e.seq)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("expected empty queue")
	}
}
