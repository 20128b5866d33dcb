package job

// Priority orders ready jobs. Higher values run first.
type Priority uint8

const (
	PriorityLowest Priority = iota
	PriorityDeallocateResources
	PriorityCoreRenderStageResources
	PriorityRecordCommands
	PriorityFrameEnd
	PrioritySubmit
	PriorityAcquireImage
	PriorityPresent
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "Lowest"
	case PriorityDeallocateResources:
		return "DeallocateResources"
	case PriorityCoreRenderStageResources:
		return "CoreRenderStageResources"
	case PriorityRecordCommands:
		return "RecordCommands"
	case PriorityFrameEnd:
		return "FrameEnd"
	case PrioritySubmit:
		return "Submit"
	case PriorityAcquireImage:
		return "AcquireImage"
	case PriorityPresent:
		return "Present"
	case PriorityHighest:
		return "Highest"
	default:
		return "Unknown"
	}
}
