package stage

import (
	"github.com/Carmen-Shannon/oxy-frame/engine/job"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
)

// StageBuilderOption is a functional option for configuring a Stage.
type StageBuilderOption func(*Stage)

// WithKind sets the kind of the stage along with the queue family and pipeline stages it implies.
// Later WithQueueFamily or WithPipelineStageFlags options override those.
//
// Parameters:
//   - kind: the stage kind
//
// Returns:
//   - StageBuilderOption: a function that applies the kind to a Stage
func WithKind(kind Kind) StageBuilderOption {
	return func(s *Stage) {
		s.kind = kind
		s.family = kind.QueueFamily()
		s.stages = kind.PipelineStageFlags()
	}
}

// WithQueueFamily sets the queue family the stage records and submits for.
func WithQueueFamily(family gpu.QueueFamily) StageBuilderOption {
	return func(s *Stage) {
		s.family = family
	}
}

// WithPipelineStageFlags sets the pipeline stages consumers wait in for the stage's work.
// A stage with no pipeline stages cannot have GPU consumers.
func WithPipelineStageFlags(stages gpu.PipelineStageFlags) StageBuilderOption {
	return func(s *Stage) {
		s.stages = stages
	}
}

// WithPriority sets the priority of the recording job.
func WithPriority(priority job.Priority) StageBuilderOption {
	return func(s *Stage) {
		s.priority = priority
	}
}

// WithDisabled creates the stage disabled.
func WithDisabled() StageBuilderOption {
	return func(s *Stage) {
		s.state.Store(0)
	}
}

// WithOnEnable sets a hook called when a disabled stage is enabled.
func WithOnEnable(fn func()) StageBuilderOption {
	return func(s *Stage) {
		s.onEnable = fn
	}
}

// WithOnDisable sets a hook called when an enabled stage is disabled.
func WithOnDisable(fn func()) StageBuilderOption {
	return func(s *Stage) {
		s.onDisable = fn
	}
}
