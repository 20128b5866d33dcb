package gpu

import (
	"testing"
	"time"
)

func TestEmulatedFenceSignalReset(t *testing.T) {
	f := NewEmulatedFence(FenceStatusUnsignaled)
	if f.Status() != FenceStatusUnsignaled {
		t.Fatal("expected unsignaled fence")
	}
	if res := f.Wait(0); res != FenceWaitTimeout {
		t.Fatalf("expected timeout on unsignaled fence, got %s", res)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal()
	}()
	if res := f.Wait(time.Second); res != FenceWaitSuccess {
		t.Fatalf("expected success, got %s", res)
	}

	f.Reset()
	if f.Status() != FenceStatusUnsignaled {
		t.Fatal("reset did not clear the fence")
	}
	if res := f.Wait(time.Millisecond); res != FenceWaitTimeout {
		t.Fatalf("expected timeout after reset, got %s", res)
	}
}

func TestEmulatedFenceInitiallySignaled(t *testing.T) {
	f := NewEmulatedFence(FenceStatusSignaled)
	if res := f.Wait(-1); res != FenceWaitSuccess {
		t.Fatalf("expected success, got %s", res)
	}
}

func TestSupportedFlagsForPresentLayout(t *testing.T) {
	if SupportedPipelineStageFlags(ImageLayoutPresent) != PipelineStageBottomOfPipe {
		t.Error("present layout should map to bottom of pipe")
	}
	if SupportedAccessFlags(ImageLayoutPresent) != AccessNone {
		t.Error("present layout should have no access")
	}
	if SupportedAccessFlags(ImageLayoutColorAttachmentOptimal)&AccessColorAttachmentWrite == 0 {
		t.Error("color attachment layout should allow attachment writes")
	}
}
