package device

import (
	"context"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/backend/headless"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

func newTestDevice(t *testing.T, profile headless.Profile) (*LogicalDevice, *headless.Backend) {
	t.Helper()
	backend := headless.NewBackend(profile, headless.WithWaitTimeout(500*time.Millisecond))
	jobs := job.NewManager(job.WithRunnerCount(3))
	jobs.Start(context.Background())
	d := NewLogicalDevice(backend, jobs, WithFenceWaiters(2))
	t.Cleanup(func() {
		d.Destroy()
		_ = jobs.Stop()
		backend.Release()
	})
	return d, backend
}

func await(t *testing.T, f *gpu.Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestQueueSubmissionResolvesFutures(t *testing.T) {
	for _, profile := range []headless.Profile{headless.ProfileVulkan, headless.ProfileWebGPU} {
		t.Run(profile.String(), func(t *testing.T) {
			d, backend := newTestDevice(t, profile)

			fence, err := gpu.NewFence(backend, gpu.FenceStatusUnsignaled)
			if err != nil {
				t.Fatal(err)
			}
			defer fence.Destroy(backend)

			var sub *Submission
			recorded := d.Jobs().Execute(job.PriorityRecordCommands, func(r *job.Runner) error {
				cb, err := d.RunnerData(r).PerFrameCommandBuffer(gpu.QueueFamilyGraphics, 0)
				if err != nil {
					return err
				}
				enc, err := backend.BeginEncoding(cb)
				if err != nil {
					return err
				}
				if err := enc.End(); err != nil {
					return err
				}

				sub = d.QueueSubmissionJob(gpu.QueueFamilyGraphics).Queue(job.PrioritySubmit, []gpu.CommandBuffer{cb}, SubmitParameters{
					Fence: fence.View(),
				})
				return nil
			})
			await(t, recorded)
			await(t, sub.Submitted)
			await(t, sub.Finished)

			if fence.View().Status(backend) != gpu.FenceStatusSignaled {
				t.Fatal("fence not signaled after completion")
			}
			if d.QueueSubmissionJob(gpu.QueueFamilyGraphics).SubmittedCount() != 1 {
				t.Fatal("expected exactly one submission")
			}
			if v := backend.Violations(); len(v) != 0 {
				t.Fatalf("violations: %v", v)
			}
		})
	}
}

func TestQueueAwaitFence(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileFenceOnly)

	fence, _ := gpu.NewFence(backend, gpu.FenceStatusUnsignaled)
	defer fence.Destroy(backend)

	awaited := d.QueuePresentJob().QueueAwaitFence(fence.View())
	time.Sleep(5 * time.Millisecond)
	if awaited.Resolved() {
		t.Fatal("await resolved before the fence was signaled")
	}

	fence.View().Native().(*gpu.EmulatedFence).Signal()
	await(t, awaited)
}

func TestPerFrameCommandBuffersRecycle(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileVulkan)

	result := d.Jobs().Execute(job.PriorityRecordCommands, func(r *job.Runner) error {
		data := d.RunnerData(r)
		d.BeginFrame(0, 1)
		a, _ := data.PerFrameCommandBuffer(gpu.QueueFamilyGraphics, 0)
		b, _ := data.PerFrameCommandBuffer(gpu.QueueFamilyGraphics, 0)
		if a == b {
			t.Error("two stages in one frame shared a command buffer")
		}

		d.BeginFrame(0, 1+gpu.MaximumConcurrentFrameCount)
		c, _ := data.PerFrameCommandBuffer(gpu.QueueFamilyGraphics, 0)
		if c != a {
			t.Error("frame slot did not recycle its first command buffer")
		}
		return nil
	})
	await(t, result)

	if backend.LiveCommandBuffers() != 2 {
		t.Fatalf("expected 2 live command buffers, got %d", backend.LiveCommandBuffers())
	}
}

func TestDeferredDestructionWaitsForFrameWork(t *testing.T) {
	d, backend := newTestDevice(t, headless.ProfileVulkan)

	sem, _ := gpu.NewSemaphore(backend)
	d.BeginFrame(1, 1)

	var data *RunnerData
	await(t, d.Jobs().Execute(job.PriorityRecordCommands, func(r *job.Runner) error {
		data = d.RunnerData(r)
		data.OnStartFrameGpuWork(1)
		data.DestroySemaphore(sem)
		return nil
	}))

	time.Sleep(5 * time.Millisecond)
	if backend.LiveSemaphores() != 1 {
		t.Fatal("semaphore destroyed while frame GPU work was pending")
	}
	if d.IsFrameIdle(1) {
		t.Fatal("frame reported idle with GPU work pending")
	}

	data.OnFinishFrameGpuWork(1)
	deadline := time.Now().Add(2 * time.Second)
	for backend.LiveSemaphores() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if backend.LiveSemaphores() != 0 {
		t.Fatal("deferred semaphore never destroyed")
	}
}
