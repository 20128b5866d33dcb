package stage

import (
	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/device"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
)

// Clock reports the frame currently being executed.
type Clock interface {
	CurrentFrameIndex() gpu.FrameIndex
	FrameNumber() uint64
}

// GraphState reports whether the owning graph is in the middle of a frame. Edges may only change while it is not.
type GraphState interface {
	IsExecuting() bool
}

// ImageSource exposes the output image acquired for the current frame.
type ImageSource interface {
	FrameImageId() gpu.FrameImageId
	HasImage() bool
}

// Context carries the collaborators every stage works against.
type Context struct {
	Device *device.LogicalDevice
	Jobs   *job.Manager
	Output output.RenderOutput

	// Clock defaults to Device.
	Clock Clock
	// Graph, when set, guards edge mutation during a frame.
	Graph GraphState
	// Images, when set, gives recorders the acquired output image.
	Images ImageSource
}

func (c Context) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return c.Device
}

func (c Context) jobs() *job.Manager {
	if c.Jobs != nil {
		return c.Jobs
	}
	return c.Device.Jobs()
}

func (c Context) assertMutable(what string) {
	if c.Graph != nil {
		common.Assertf(!c.Graph.IsExecuting(), "%s changed while the framegraph is executing", what)
	}
}

// Node is one vertex of the stage graph as seen by its GPU consumers.
type Node interface {
	Name() string
	Job() *job.Job

	// GpuParents returns the nodes whose GPU work this node waits on.
	GpuParents() []Node
	// PipelineStageFlags returns the pipeline stages the node's GPU work runs in.
	PipelineStageFlags() gpu.PipelineStageFlags
	// IsSkipped reports whether the node does no GPU work this frame.
	IsSkipped() bool

	// SubmissionFinishedSemaphore returns the semaphore signaled for consumer this frame, or an invalid view.
	// consumer may be a direct GPU child or a node that reached this one through skipped stages.
	SubmissionFinishedSemaphore(consumer Node) gpu.SemaphoreView
	IsSubmissionFinishedSemaphoreUsable() bool
	SubmissionFinishedFence() gpu.FenceView
	IsSubmissionFinishedFenceUsable() bool
}

// UsedStage is a node a consumer actually synchronizes with, and the child of it the consumer was reached through.
type UsedStage struct {
	Stage Node
	Next  Node
}

// IterateUsedStages visits the GPU parents of consumer, walking through skipped parents to their own parents.
// Every node is visited at most once per call, so consumer synchronizes with each executing node once.
//
// Parameters:
//   - consumer: the node collecting what it must wait on
//   - visit: called for every executing node reached
func IterateUsedStages(consumer Node, visit func(UsedStage)) {
	visited := make(map[Node]struct{})
	for _, parent := range consumer.GpuParents() {
		iterateUsedStages(parent, consumer, visit, visited)
	}
}

func iterateUsedStages(node, next Node, visit func(UsedStage), visited map[Node]struct{}) {
	if _, ok := visited[node]; ok {
		return
	}
	visited[node] = struct{}{}

	if node.IsSkipped() {
		for _, parent := range node.GpuParents() {
			iterateUsedStages(parent, node, visit, visited)
		}
		return
	}
	visit(UsedStage{Stage: node, Next: next})
}

// collectConsumers calls add for every node that waits on the GPU work of a producer reached through child:
// child itself when it executes, otherwise the consumers below the skipped child. Presents only count when
// they wait on semaphores. seen is shared between the calls of one producer.
func collectConsumers(child Node, seen map[Node]struct{}, add func(Node)) {
	if _, ok := seen[child]; ok {
		return
	}
	seen[child] = struct{}{}

	switch n := child.(type) {
	case *PresentStage:
		if n.SupportsSemaphores() {
			add(n)
		}
	case *Stage:
		if !n.EvaluateShouldSkip() {
			add(n)
			return
		}
		for _, grandchild := range n.gpuChildren() {
			collectConsumers(grandchild, seen, add)
		}
	}
}

// handout maps the consumers of one frame to the semaphore signaled for each of them.
type handout struct {
	frame      uint64
	semaphores map[Node]gpu.SemaphoreView
}

func (h *handout) set(frameNumber uint64, semaphores map[Node]gpu.SemaphoreView) {
	h.frame, h.semaphores = frameNumber+1, semaphores
}

func (h *handout) lookup(frameNumber uint64, consumer Node) gpu.SemaphoreView {
	if h.frame != frameNumber+1 {
		return gpu.SemaphoreView{}
	}
	return h.semaphores[consumer]
}
