//go:build !oxy_release

package stage

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
)

type executingGraph struct{ executing bool }

func (g *executingGraph) IsExecuting() bool { return g.executing }

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not assert", what)
		}
	}()
	fn()
}

func TestEdgeMutationWhileExecutingAsserts(t *testing.T) {
	graph := &executingGraph{}
	ctx := Context{Clock: &manualClock{}, Graph: graph}
	a := NewStage(ctx, "a", nil)
	b := NewStage(ctx, "b", nil)

	a.AddSubsequentCpuStage(b)
	graph.executing = true
	expectPanic(t, "CPU edge removal during a frame", func() { a.RemoveSubsequentCpuStage(b) })
	expectPanic(t, "CPU edge during a frame", func() { b.AddSubsequentCpuStage(a) })
}

func TestDuplicateGpuEdgeAsserts(t *testing.T) {
	h := newFrameHarness(t, headless.ProfileVulkan)
	a := h.stage("a", nil)
	b := h.stage("b", nil)
	if err := a.AddSubsequentGpuStage(b); err != nil {
		t.Fatal(err)
	}
	expectPanic(t, "duplicate GPU edge", func() { _ = a.AddSubsequentGpuStage(b) })
}
