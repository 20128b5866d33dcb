package stage

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

func TestEvaluateShouldSkipIsCachedPerFrame(t *testing.T) {
	clock := &manualClock{}
	gate := newGatedRecorder(true)
	s := NewStage(Context{Clock: clock}, "gated", gate)

	for range 3 {
		if s.EvaluateShouldSkip() {
			t.Fatal("open stage skipped")
		}
	}
	if got := gate.checks.Load(); got != 1 {
		t.Fatalf("ShouldRecordCommands called %d times in one frame, want 1", got)
	}

	gate.open.Store(false)
	s.Disable()
	if s.EvaluateShouldSkip() {
		t.Fatal("decision changed within the frame it was made in")
	}

	clock.advance()
	if !s.EvaluateShouldSkip() {
		t.Fatal("closed stage not skipped after the frame changed")
	}
	if !s.WasSkipped() {
		t.Fatal("WasSkipped does not reflect the evaluation")
	}

	s.Enable()
	gate.open.Store(true)
	clock.advance()
	if s.EvaluateShouldSkip() {
		t.Fatal("reopened stage still skipped")
	}
	if !s.IsEnabled() {
		t.Fatal("Enable did not set the enabled flag")
	}
}

func TestEvaluateShouldSkipConcurrentCallersAgree(t *testing.T) {
	clock := &manualClock{}
	gate := newGatedRecorder(false)
	s := NewStage(Context{Clock: clock}, "contended", gate)

	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.EvaluateShouldSkip()
		}()
	}
	wg.Wait()

	for i, skipped := range results {
		if !skipped {
			t.Fatalf("caller %d saw the stage as not skipped", i)
		}
	}
	before := gate.checks.Load()
	s.EvaluateShouldSkip()
	if gate.checks.Load() != before {
		t.Fatal("published decision was evaluated again")
	}
}

func TestSoftDependencySkipsDependent(t *testing.T) {
	clock := &manualClock{}
	a := NewStage(Context{Clock: clock}, "a", nil)
	b := NewStage(Context{Clock: clock}, "b", nil)
	b.AddSoftDependency(a)

	if b.EvaluateShouldSkip() {
		t.Fatal("b skipped while a runs")
	}
	a.Disable()
	clock.advance()
	if !b.EvaluateShouldSkip() {
		t.Fatal("b runs while its soft dependency is skipped")
	}
}

func TestEnableDisableHooks(t *testing.T) {
	var enabled, disabled int
	s := NewStage(Context{Clock: &manualClock{}}, "hooks", nil,
		WithDisabled(),
		WithOnEnable(func() { enabled++ }),
		WithOnDisable(func() { disabled++ }),
	)
	if s.IsEnabled() {
		t.Fatal("WithDisabled stage is enabled")
	}
	s.Enable()
	s.Enable()
	s.Disable()
	s.Disable()
	if enabled != 1 || disabled != 1 {
		t.Fatalf("hooks ran enable=%d disable=%d, want 1 each", enabled, disabled)
	}
}

func TestKindDefaults(t *testing.T) {
	ctx := Context{Clock: &manualClock{}}
	compute := NewStage(ctx, "compute", nil, WithKind(KindComputePass))
	if compute.RecordedQueueFamily() != gpu.QueueFamilyCompute {
		t.Errorf("compute pass records for %v", compute.RecordedQueueFamily())
	}
	if compute.PipelineStageFlags() != gpu.PipelineStageComputeShader {
		t.Errorf("compute pass stages = %#x", compute.PipelineStageFlags())
	}

	transfer := NewStage(ctx, "upload", nil, WithKind(KindGeneric), WithQueueFamily(gpu.QueueFamilyTransfer),
		WithPipelineStageFlags(gpu.PipelineStageTransfer))
	if transfer.RecordedQueueFamily() != gpu.QueueFamilyTransfer || transfer.PipelineStageFlags() != gpu.PipelineStageTransfer {
		t.Errorf("overrides ignored: family %v stages %#x", transfer.RecordedQueueFamily(), transfer.PipelineStageFlags())
	}
}

func TestSemaphoreCountTracksGpuEdges(t *testing.T) {
	h := newFrameHarness(t, headless.ProfileVulkan)
	live := h.backend.LiveSemaphores()

	a := h.stage("a", nil)
	b := h.stage("b", nil)
	c := h.stage("c", nil)

	if err := a.AddSubsequentGpuStage(b); err != nil {
		t.Fatal(err)
	}
	if got := a.SemaphoreCount(); got != 1 {
		t.Fatalf("semaphore count = %d after one edge", got)
	}
	if err := a.AddSubsequentGpuStage(c); err != nil {
		t.Fatal(err)
	}
	if got := a.SemaphoreCount(); got != 2 {
		t.Fatalf("semaphore count = %d after two edges", got)
	}
	if !slices.Contains(c.GpuParents(), Node(a)) {
		t.Fatal("c does not list a as a GPU parent")
	}
	if got := h.backend.LiveSemaphores() - live; got != 2 {
		t.Fatalf("backend holds %d new semaphores, want 2", got)
	}

	a.RemoveSubsequentGpuStage(nil, c)
	if got := a.SemaphoreCount(); got != 1 {
		t.Fatalf("semaphore count = %d after removing an edge", got)
	}
	if slices.Contains(c.GpuParents(), Node(a)) {
		t.Fatal("c still lists a as a GPU parent")
	}
	if a.EdgeSemaphore(c).IsValid() {
		t.Fatal("removed edge still has a semaphore")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.backend.LiveSemaphores()-live != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := h.backend.LiveSemaphores() - live; got != 1 {
		t.Fatalf("backend holds %d new semaphores after removal, want 1", got)
	}

	if err := a.AddSubsequentGpuStage(c); err != nil {
		t.Fatal(err)
	}
	a.RemoveSubsequentGpuStage(nil, c)
	if got := a.SemaphoreCount(); got != 1 {
		t.Fatalf("add then remove changed the semaphore count to %d", got)
	}
}

func TestPresentEdgeOwnsPresentPrimitive(t *testing.T) {
	tests := []struct {
		profile       headless.Profile
		wantSemaphore bool
		wantFence     bool
	}{
		{headless.ProfileVulkan, true, false},
		{headless.ProfileWebGPU, true, false},
		{headless.ProfileMetal, false, true},
		{headless.ProfileFenceOnly, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			h := newFrameHarness(t, tt.profile)
			s := h.stage("s", nil)
			if err := s.AddSubsequentPresentStage(h.present); err != nil {
				t.Fatal(err)
			}
			if got := s.PresentSemaphore().IsValid(); got != tt.wantSemaphore {
				t.Errorf("present semaphore valid = %v", got)
			}
			if got := s.SubmissionFinishedFence().IsValid(); got != tt.wantFence {
				t.Errorf("present fence valid = %v", got)
			}

			s.RemoveSubsequentPresentStage(nil, h.present)
			if s.SemaphoreCount() != 0 || s.SubmissionFinishedFence().IsValid() {
				t.Error("present primitives survived the edge removal")
			}
			if len(h.present.GpuParents()) != 0 {
				t.Error("present still lists the stage as a parent")
			}
		})
	}
}
