package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/profiler"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/stage"
)

func newHeadlessRenderer(t *testing.T) renderer.Renderer {
	t.Helper()
	r, err := renderer.NewRenderer(renderer.BackendHeadless, nil, renderer.WithRunnerCount(2), renderer.WithOffscreen(16, 16))
	if err != nil {
		t.Fatalf("create renderer: %v", err)
	}
	t.Cleanup(r.Release)

	fg := r.Framegraph()
	draw := fg.AddOutputStage("clear", stage.RecordFunc(func(rc *stage.RecordContext) {
		rc.ClearOutputImage([4]float32{1, 0, 0, 1})
		rc.TransitionOutputImage(rc.Output.PresentColorImageLayout())
	}))
	if err := fg.PresentAfter(draw); err != nil {
		t.Fatal(err)
	}
	return r
}

func runUntil(t *testing.T, e Engine, done <-chan struct{}) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		e.Run()
		close(finished)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("engine did not reach the expected state")
	}
	e.Quit()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

func TestRunRendersFramesUntilQuit(t *testing.T) {
	r := newHeadlessRenderer(t)
	p := profiler.NewProfiler(profiler.WithUpdateInterval(time.Hour))
	e := NewEngine(WithRenderer(r), WithProfiler(p), WithProfiling(true))

	var frames atomic.Int32
	done := make(chan struct{})
	e.SetRenderCallback(func(float32) {
		if frames.Add(1) == 5 {
			close(done)
		}
	})
	runUntil(t, e, done)

	if got := r.Framegraph().FrameNumber(); got < 5 {
		t.Fatalf("framegraph executed %d frames, want at least 5", got)
	}
	if r.Framegraph().IsExecuting() {
		t.Fatal("framegraph still executing after Run returned")
	}
}

func TestTickCallbackFires(t *testing.T) {
	e := NewEngine(WithTickRate(500))
	var ticks atomic.Int32
	done := make(chan struct{})
	e.SetTickCallback(func(dt float32) {
		if dt <= 0 {
			t.Errorf("non-positive delta %v", dt)
		}
		if ticks.Add(1) == 3 {
			close(done)
		}
	})
	runUntil(t, e, done)
}

func TestQuitTwice(t *testing.T) {
	e := NewEngine()
	e.Quit()
	e.Quit()
	e.Run()
}

func TestRenderFrameLimit(t *testing.T) {
	e := NewEngine(WithRenderFrameLimit(0)).(*engine)
	if e.renderFrameLimit != 0 {
		t.Fatalf("limit = %v", e.renderFrameLimit)
	}
	e.SetRenderFrameLimit(50)
	if e.renderFrameLimit != 20*time.Millisecond {
		t.Fatalf("limit = %v", e.renderFrameLimit)
	}
}
