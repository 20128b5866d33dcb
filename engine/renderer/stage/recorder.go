package stage

import (
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/output"
)

// RecordContext is handed to the recording hooks of a stage.
type RecordContext struct {
	Runner      *job.Runner
	Encoder     gpu.CommandEncoder
	Family      gpu.QueueFamily
	Frame       gpu.FrameIndex
	FrameNumber uint64
	Output      output.RenderOutput

	// Image is the output image acquired for the frame. Only meaningful when HasImage is set.
	Image    gpu.FrameImageId
	HasImage bool
}

// Recorder records the commands of a stage.
type Recorder interface {
	Record(rc *RecordContext)
}

// RecordFunc adapts a function to the Recorder interface.
type RecordFunc func(rc *RecordContext)

func (f RecordFunc) Record(rc *RecordContext) { f(rc) }

// BeforeRecorder is implemented by recorders that need to run before Record.
type BeforeRecorder interface {
	BeforeRecord(rc *RecordContext)
}

// AfterRecorder is implemented by recorders that need to run after Record.
type AfterRecorder interface {
	AfterRecord(rc *RecordContext)
}

// RecordGate is implemented by recorders that can have nothing to record for a frame.
// A stage whose recorder returns false is skipped.
type RecordGate interface {
	ShouldRecordCommands() bool
}

// ExecutionObserver is implemented by recorders that want to know when the GPU finished their commands.
type ExecutionObserver interface {
	OnCommandsExecuted()
}

// TransitionOutputImage records a barrier moving the acquired output image into layout and updates its tracked state.
//
// Parameters:
//   - layout: the layout the image is needed in
//
// Returns:
//   - bool: false when no image was acquired this frame
func (rc *RecordContext) TransitionOutputImage(layout gpu.ImageLayout) bool {
	if !rc.HasImage || rc.Output == nil {
		return false
	}
	transitionImage(rc.Encoder, rc.Output, rc.Image, layout, uint32(rc.Family))
	return true
}

// ClearOutputImage transitions the acquired output image for transfer and clears it to color.
//
// Returns:
//   - bool: false when no image was acquired this frame
func (rc *RecordContext) ClearOutputImage(color [4]float32) bool {
	if !rc.TransitionOutputImage(gpu.ImageLayoutTransferDstOptimal) {
		return false
	}
	rc.Encoder.ClearColorImage(rc.Output.ColorImage(rc.Image), gpu.ImageLayoutTransferDstOptimal, color)
	return true
}

func transitionImage(enc gpu.CommandEncoder, out output.RenderOutput, id gpu.FrameImageId, layout gpu.ImageLayout, family uint32) {
	state := out.SubresourceState(id)
	if state.Layout == layout {
		return
	}
	next := output.SubresourceState{
		Layout:           layout,
		Stages:           gpu.SupportedPipelineStageFlags(layout),
		Access:           gpu.SupportedAccessFlags(layout),
		QueueFamilyIndex: family,
	}
	// Queue family indices are logical families; backends map them to their native indices.
	srcFamily, dstFamily := gpu.QueueFamilyIgnored, gpu.QueueFamilyIgnored
	if state.QueueFamilyIndex != gpu.QueueFamilyIgnored && state.QueueFamilyIndex != family {
		srcFamily, dstFamily = state.QueueFamilyIndex, family
	}
	enc.TransitionImageLayout(gpu.ImageBarrier{
		Image:          out.ColorImage(id),
		OldLayout:      state.Layout,
		NewLayout:      layout,
		SrcStages:      state.Stages,
		DstStages:      next.Stages,
		SrcAccess:      state.Access,
		DstAccess:      next.Access,
		SrcQueueFamily: srcFamily,
		DstQueueFamily: dstFamily,
	})
	out.SetSubresourceState(id, next)
}
