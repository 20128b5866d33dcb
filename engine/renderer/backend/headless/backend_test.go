package headless

import (
	"context"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

func recordTransition(t *testing.T, b *Backend, img gpu.Image, from, to gpu.ImageLayout) gpu.CommandBuffer {
	t.Helper()
	cb, err := b.CreateCommandBuffer(gpu.QueueFamilyGraphics)
	if err != nil {
		t.Fatalf("create command buffer: %v", err)
	}
	enc, err := b.BeginEncoding(cb)
	if err != nil {
		t.Fatalf("begin encoding: %v", err)
	}
	enc.TransitionImageLayout(gpu.ImageBarrier{Image: img, OldLayout: from, NewLayout: to})
	if err := enc.End(); err != nil {
		t.Fatalf("end encoding: %v", err)
	}
	return cb
}

func TestSubmitWaitsOnSemaphore(t *testing.T) {
	b := NewBackend(ProfileVulkan, WithWaitTimeout(200*time.Millisecond))
	defer b.Release()

	sem, err := gpu.NewSemaphore(b)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := b.CreateImage(gpu.ImageDescriptor{Extent: gpu.Extent2D{Width: 4, Height: 4}, Format: gpu.FormatRGBA8Unorm})

	first := recordTransition(t, b, img, gpu.ImageLayoutUndefined, gpu.ImageLayoutTransferDstOptimal)
	second := recordTransition(t, b, img, gpu.ImageLayoutTransferDstOptimal, gpu.ImageLayoutPresent)

	waiting, err := b.Submit(gpu.QueueFamilyCompute, gpu.SubmitBatch{
		CommandBuffers: []gpu.CommandBuffer{second},
		WaitSemaphores: []gpu.SemaphoreView{sem.View()},
		WaitStages:     []gpu.PipelineStageFlags{gpu.PipelineStageTransfer},
	})
	if err != nil {
		t.Fatal(err)
	}
	signaling, err := b.Submit(gpu.QueueFamilyGraphics, gpu.SubmitBatch{
		CommandBuffers:   []gpu.CommandBuffer{first},
		SignalSemaphores: []gpu.SemaphoreView{sem.View()},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := gpu.All(waiting, signaling).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if v := b.Violations(); len(v) != 0 {
		t.Fatalf("unexpected violations: %v", v)
	}
	if ImageLayout(img) != gpu.ImageLayoutPresent {
		t.Fatalf("expected present layout, got %s", ImageLayout(img))
	}

	sem.Destroy(b)
	if b.LiveSemaphores() != 0 {
		t.Fatalf("expected no live semaphores, got %d", b.LiveSemaphores())
	}
}

func TestUnsignaledWaitIsReported(t *testing.T) {
	b := NewBackend(ProfileVulkan, WithWaitTimeout(10*time.Millisecond))
	defer b.Release()

	sem, _ := gpu.NewSemaphore(b)
	f, err := b.Submit(gpu.QueueFamilyGraphics, gpu.SubmitBatch{
		WaitSemaphores: []gpu.SemaphoreView{sem.View()},
		WaitStages:     []gpu.PipelineStageFlags{gpu.PipelineStageTopOfPipe},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(b.Violations()) != 1 {
		t.Fatalf("expected one violation, got %v", b.Violations())
	}
}

func TestWebGPUCompletionRequiresTick(t *testing.T) {
	b := NewBackend(ProfileWebGPU)
	defer b.Release()

	fence, _ := gpu.NewFence(b, gpu.FenceStatusUnsignaled)
	f, err := b.Submit(gpu.QueueFamilyGraphics, gpu.SubmitBatch{Fence: fence.View()})
	if err != nil {
		t.Fatal(err)
	}
	if !b.AwaitEvents(EventSubmit, 1, time.Second) {
		t.Fatal("submission never executed")
	}
	if f.Resolved() {
		t.Fatal("completion fired without a tick")
	}

	b.Tick()
	if !f.Resolved() || fence.View().Status(b) != gpu.FenceStatusSignaled {
		t.Fatal("tick did not deliver completion")
	}
	fence.Destroy(b)
}

func TestAcquireRotatesAndDelays(t *testing.T) {
	b := NewBackend(ProfileMetal)
	defer b.Release()

	surface := NewSurface(gpu.Extent2D{Width: 64, Height: 64})
	sc, err := b.CreateSwapchain(gpu.SwapchainDescriptor{
		Surface: surface, Format: gpu.FormatBGRA8Unorm, Extent: gpu.Extent2D{Width: 64, Height: 64}, ImageCount: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	b.DelayAcquire(1)
	if _, res := b.AcquireNextImage(sc, time.Millisecond, gpu.SemaphoreView{}, gpu.FenceView{}); res != gpu.AcquireTimeout {
		t.Fatalf("expected timeout, got %s", res)
	}
	first, res := b.AcquireNextImage(sc, time.Millisecond, gpu.SemaphoreView{}, gpu.FenceView{})
	if res != gpu.AcquireSuccess || first != 0 {
		t.Fatalf("expected image 0, got %d (%s)", first, res)
	}
	second, _ := b.AcquireNextImage(sc, time.Millisecond, gpu.SemaphoreView{}, gpu.FenceView{})
	if second != 1 {
		t.Fatalf("expected image 1, got %d", second)
	}
	if _, res := b.AcquireNextImage(sc, time.Millisecond, gpu.SemaphoreView{}, gpu.FenceView{}); res != gpu.AcquireTimeout {
		t.Fatalf("expected timeout with every image acquired, got %s", res)
	}

	b.ResizeSurface(surface, gpu.Extent2D{Width: 32, Height: 32})
	b.Invalidate(sc)
	if _, res := b.AcquireNextImage(sc, time.Millisecond, gpu.SemaphoreView{}, gpu.FenceView{}); res != gpu.AcquireOutOfDate {
		t.Fatalf("expected out of date, got %s", res)
	}
}
