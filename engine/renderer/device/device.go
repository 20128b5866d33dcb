package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// Identifier distinguishes logical devices in runner-local storage.
type Identifier uint8

// LogicalDevice binds a backend to the job system: it owns the queue submission jobs,
// the present job, the fence waiters and the per-runner render data.
type LogicalDevice struct {
	id      Identifier
	backend gpu.Backend
	jobs    *job.Manager

	submissionRunner int
	fenceWaiterCount int
	submission       [gpu.QueueFamilyCount]*QueueSubmissionJob
	present          *QueueSubmissionJob
	fenceWaiters     worker.DynamicWorkerPool
	fenceTaskID      atomic.Int64

	mu         *sync.Mutex
	runnerData map[int]*RunnerData

	frameIndex  atomic.Uint32
	frameNumber atomic.Uint64
}

// NewLogicalDevice creates the device layer for a backend.
//
// Parameters:
//   - backend: the graphics backend the device submits to
//   - jobs: the job manager whose runners execute device work
//   - options: functional options applied to the device
//
// Returns:
//   - *LogicalDevice: the new device
func NewLogicalDevice(backend gpu.Backend, jobs *job.Manager, options ...DeviceBuilderOption) *LogicalDevice {
	d := &LogicalDevice{
		backend:          backend,
		jobs:             jobs,
		fenceWaiterCount: 4,
		mu:               &sync.Mutex{},
		runnerData:       make(map[int]*RunnerData),
	}
	for _, opt := range options {
		opt(d)
	}

	runner := jobs.Runner(min(d.submissionRunner, len(jobs.Runners())-1))
	for family := range gpu.QueueFamilyCount {
		d.submission[family] = newQueueSubmissionJob(d, family, "Submit "+family.String(), runner)
	}
	d.present = newQueueSubmissionJob(d, gpu.QueueFamilyGraphics, "Present", runner)
	d.fenceWaiters = worker.NewDynamicWorkerPool(d.fenceWaiterCount, 64, 1*time.Second)

	common.Logger().Info("[Device] created", "backend", backend.Name(), "id", d.id)
	return d
}

func (d *LogicalDevice) Identifier() Identifier { return d.id }

func (d *LogicalDevice) Backend() gpu.Backend { return d.backend }

func (d *LogicalDevice) Jobs() *job.Manager { return d.jobs }

// QueueSubmissionJob returns the submission job of a queue family.
func (d *LogicalDevice) QueueSubmissionJob(family gpu.QueueFamily) *QueueSubmissionJob {
	return d.submission[family]
}

// QueuePresentJob returns the job that performs presents and present-fence waits.
func (d *LogicalDevice) QueuePresentJob() *QueueSubmissionJob {
	return d.present
}

// BeginFrame records the frame that new per-frame resources and deferred destructions belong to.
//
// Parameters:
//   - frame: the per-frame-in-flight slot of the frame
//   - number: the monotonically increasing engine frame number
func (d *LogicalDevice) BeginFrame(frame gpu.FrameIndex, number uint64) {
	d.frameIndex.Store(uint32(frame))
	d.frameNumber.Store(number)
}

// CurrentFrameIndex returns the slot passed to the last BeginFrame.
func (d *LogicalDevice) CurrentFrameIndex() gpu.FrameIndex {
	return gpu.FrameIndex(d.frameIndex.Load())
}

// FrameNumber returns the frame number passed to the last BeginFrame.
func (d *LogicalDevice) FrameNumber() uint64 {
	return d.frameNumber.Load()
}

// RunnerData returns the render data the runner keeps for this device, creating it on first use.
//
// Parameters:
//   - r: the runner owning the data
//
// Returns:
//   - *RunnerData: the runner-local render data
func (d *LogicalDevice) RunnerData(r *job.Runner) *RunnerData {
	return r.Local(runnerDataKey{device: d}, func() any {
		data := newRunnerData(d, r)
		d.mu.Lock()
		d.runnerData[r.Index()] = data
		d.mu.Unlock()
		return data
	}).(*RunnerData)
}

// IsFrameIdle reports whether no runner has CPU or GPU work pending for the frame slot.
func (d *LogicalDevice) IsFrameIdle(frame gpu.FrameIndex) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, data := range d.runnerData {
		if !data.isFrameIdle(frame) {
			return false
		}
	}
	return true
}

// AwaitFrameFinish runs other jobs on r until no runner has work pending for the frame slot.
//
// Parameters:
//   - r: the calling runner
//   - frame: the frame slot to wait for
func (d *LogicalDevice) AwaitFrameFinish(r *job.Runner, frame gpu.FrameIndex) {
	for !d.IsFrameIdle(frame) {
		if !r.RunNextJob() {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// Destroy waits for the GPU to go idle and flushes every deferred destruction.
// The backend itself is released by its owner.
func (d *LogicalDevice) Destroy() {
	d.backend.WaitIdle()

	d.mu.Lock()
	datas := make([]*RunnerData, 0, len(d.runnerData))
	for _, data := range d.runnerData {
		datas = append(datas, data)
	}
	d.mu.Unlock()

	for _, data := range datas {
		data.destroyAll()
	}
}

func (d *LogicalDevice) awaitFence(fence gpu.FenceView, done *gpu.Future) {
	if fence.Status(d.backend) == gpu.FenceStatusSignaled {
		done.Resolve(nil)
		return
	}
	d.fenceWaiters.SubmitTask(worker.Task{
		ID: int(d.fenceTaskID.Add(1)),
		Do: func() (any, error) {
			result := fence.Wait(d.backend, -1)
			if result != gpu.FenceWaitSuccess {
				done.Resolve(gpu.ErrDeviceLost)
				return nil, gpu.ErrDeviceLost
			}
			done.Resolve(nil)
			return nil, nil
		},
	})
}

type runnerDataKey struct {
	device *LogicalDevice
}
