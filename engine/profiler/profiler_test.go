package profiler

import (
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/framegraph"
)

func TestTickWaitsForInterval(t *testing.T) {
	p := NewProfiler(WithUpdateInterval(time.Hour))
	for range 10 {
		if p.Tick() {
			t.Fatal("logged before the interval elapsed")
		}
	}
}

func TestObservedFramesAreAveraged(t *testing.T) {
	p := NewProfiler(WithUpdateInterval(0))
	p.Observe(framegraph.FrameStats{Number: 0, HasImage: true, CPUTime: 2 * time.Millisecond, TotalTime: 4 * time.Millisecond})
	p.Observe(framegraph.FrameStats{Number: 1, HasImage: false, CPUTime: 4 * time.Millisecond, TotalTime: 8 * time.Millisecond})

	if !p.Tick() {
		t.Fatal("zero interval did not log")
	}
	got := p.Last()
	if got.Frames != 2 || got.Presented != 1 {
		t.Fatalf("frames=%d presented=%d", got.Frames, got.Presented)
	}
	if got.AvgCPUTime != 3*time.Millisecond {
		t.Errorf("cpu avg = %v", got.AvgCPUTime)
	}
	if got.AvgFrameTime != 6*time.Millisecond {
		t.Errorf("frame avg = %v", got.AvgFrameTime)
	}
	if got.MaxFrameTime != 8*time.Millisecond {
		t.Errorf("frame max = %v", got.MaxFrameTime)
	}

	if !p.Tick() {
		t.Fatal("second tick did not log")
	}
	if got := p.Last(); got.Frames != 0 || got.AvgFrameTime != 0 {
		t.Fatalf("interval not reset: %+v", got)
	}
}
