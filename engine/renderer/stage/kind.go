package stage

import "github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"

// Kind selects the defaults a stage is created with.
type Kind uint8

const (
	// KindGeneric records arbitrary commands on the graphics queue.
	KindGeneric Kind = iota
	// KindRenderPass draws into color attachments.
	KindRenderPass
	// KindComputePass dispatches compute work on the compute queue.
	KindComputePass
)

type kindInfo struct {
	name   string
	family gpu.QueueFamily
	stages gpu.PipelineStageFlags
}

var kinds = [...]kindInfo{
	KindGeneric:     {name: "generic", family: gpu.QueueFamilyGraphics, stages: gpu.PipelineStageAllCommands},
	KindRenderPass:  {name: "render-pass", family: gpu.QueueFamilyGraphics, stages: gpu.PipelineStageColorAttachmentOutput},
	KindComputePass: {name: "compute-pass", family: gpu.QueueFamilyCompute, stages: gpu.PipelineStageComputeShader},
}

func (k Kind) String() string {
	if int(k) < len(kinds) {
		return kinds[k].name
	}
	return "unknown"
}

// QueueFamily returns the queue family stages of this kind record for by default.
func (k Kind) QueueFamily() gpu.QueueFamily { return kinds[k].family }

// PipelineStageFlags returns the pipeline stages consumers of this kind wait at by default.
func (k Kind) PipelineStageFlags() gpu.PipelineStageFlags { return kinds[k].stages }
