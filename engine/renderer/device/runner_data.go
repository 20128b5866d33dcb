package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

type commandBufferPool struct {
	generation uint64
	next       int
	buffers    []gpu.CommandBuffer
}

type deferredDestruction struct {
	semaphores     []gpu.Semaphore
	fences         []gpu.Fence
	commandBuffers []gpu.CommandBuffer
}

func (d *deferredDestruction) isEmpty() bool {
	return len(d.semaphores) == 0 && len(d.fences) == 0 && len(d.commandBuffers) == 0
}

type perFrameData struct {
	cpuWork atomic.Int32
	gpuWork atomic.Int32
	pools   [gpu.QueueFamilyCount]commandBufferPool
	pending deferredDestruction
}

// RunnerData is the render state one runner keeps for one device: per-frame command buffer pools,
// per-frame CPU and GPU work counters and the deferred-destruction queues.
// Only the owning runner records into its command buffers and destroys its resources.
type RunnerData struct {
	device *LogicalDevice
	runner *job.Runner

	mu       *sync.Mutex
	perFrame [gpu.MaximumConcurrentFrameCount]perFrameData
}

func newRunnerData(d *LogicalDevice, r *job.Runner) *RunnerData {
	return &RunnerData{device: d, runner: r, mu: &sync.Mutex{}}
}

// Runner returns the runner owning the data.
func (d *RunnerData) Runner() *job.Runner { return d.runner }

// PerFrameCommandBuffer hands out a command buffer of the frame's pool for the given family.
// Buffers are recycled once the same frame slot comes round again.
//
// Parameters:
//   - family: the queue family the buffer is recorded for
//   - frame: the frame slot
//
// Returns:
//   - gpu.CommandBuffer: a command buffer not otherwise used during this frame
//   - error: an error if a new buffer had to be allocated and allocation failed
func (d *RunnerData) PerFrameCommandBuffer(family gpu.QueueFamily, frame gpu.FrameIndex) (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pool := &d.perFrame[frame].pools[family]
	if generation := d.device.FrameNumber(); pool.generation != generation {
		pool.generation = generation
		pool.next = 0
	}
	if pool.next < len(pool.buffers) {
		cb := pool.buffers[pool.next]
		pool.next++
		return cb, nil
	}

	cb, err := d.device.backend.CreateCommandBuffer(family)
	if err != nil {
		return gpu.CommandBuffer{}, fmt.Errorf("allocate %s command buffer: %w", family, err)
	}
	pool.buffers = append(pool.buffers, cb)
	pool.next++
	return cb, nil
}

// OnStartFrameCpuWork marks CPU work for the frame slot as started.
func (d *RunnerData) OnStartFrameCpuWork(frame gpu.FrameIndex) {
	d.perFrame[frame].cpuWork.Add(1)
}

// OnFinishFrameCpuWork marks CPU work for the frame slot as done. May be called from any runner.
func (d *RunnerData) OnFinishFrameCpuWork(frame gpu.FrameIndex) {
	left := d.perFrame[frame].cpuWork.Add(-1)
	common.Assert(left >= 0, "frame CPU work finished more often than started")
	d.flushIfIdle(frame)
}

// OnStartFrameGpuWork marks GPU work for the frame slot as submitted.
func (d *RunnerData) OnStartFrameGpuWork(frame gpu.FrameIndex) {
	d.perFrame[frame].gpuWork.Add(1)
}

// OnFinishFrameGpuWork marks GPU work for the frame slot as complete. May be called from any runner.
func (d *RunnerData) OnFinishFrameGpuWork(frame gpu.FrameIndex) {
	left := d.perFrame[frame].gpuWork.Add(-1)
	common.Assert(left >= 0, "frame GPU work finished more often than started")
	d.flushIfIdle(frame)
}

// DestroySemaphore destroys s once the current frame's GPU work finished.
func (d *RunnerData) DestroySemaphore(s gpu.Semaphore) {
	if !s.IsValid() {
		return
	}
	d.enqueueDestruction(func(p *deferredDestruction) { p.semaphores = append(p.semaphores, s) })
}

// DestroyFence destroys f once the current frame's GPU work finished.
func (d *RunnerData) DestroyFence(f gpu.Fence) {
	if !f.IsValid() {
		return
	}
	d.enqueueDestruction(func(p *deferredDestruction) { p.fences = append(p.fences, f) })
}

// DestroyCommandBuffer destroys cb once the current frame's GPU work finished.
func (d *RunnerData) DestroyCommandBuffer(cb gpu.CommandBuffer) {
	if !cb.IsValid() {
		return
	}
	d.enqueueDestruction(func(p *deferredDestruction) { p.commandBuffers = append(p.commandBuffers, cb) })
}

func (d *RunnerData) enqueueDestruction(add func(p *deferredDestruction)) {
	frame := d.device.CurrentFrameIndex()
	d.mu.Lock()
	add(&d.perFrame[frame].pending)
	d.mu.Unlock()
	d.flushIfIdle(frame)
}

func (d *RunnerData) isFrameIdle(frame gpu.FrameIndex) bool {
	data := &d.perFrame[frame]
	return data.cpuWork.Load() == 0 && data.gpuWork.Load() == 0
}

func (d *RunnerData) flushIfIdle(frame gpu.FrameIndex) {
	if !d.isFrameIdle(frame) {
		return
	}

	d.mu.Lock()
	pending := d.perFrame[frame].pending
	d.perFrame[frame].pending = deferredDestruction{}
	d.mu.Unlock()
	if pending.isEmpty() {
		return
	}

	d.runner.QueueExclusive(job.PriorityDeallocateResources, func(*job.Runner) {
		d.destroy(pending)
	})
}

func (d *RunnerData) destroy(p deferredDestruction) {
	backend := d.device.backend
	for i := range p.semaphores {
		p.semaphores[i].Destroy(backend)
	}
	for i := range p.fences {
		p.fences[i].Destroy(backend)
	}
	for _, cb := range p.commandBuffers {
		backend.DestroyCommandBuffer(cb)
	}
}

func (d *RunnerData) destroyAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.perFrame {
		data := &d.perFrame[i]
		d.destroy(data.pending)
		data.pending = deferredDestruction{}
		for family := range data.pools {
			for _, cb := range data.pools[family].buffers {
				d.device.backend.DestroyCommandBuffer(cb)
			}
			data.pools[family] = commandBufferPool{}
		}
	}
}
