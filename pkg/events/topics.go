package events

const (
	TopicScenario = "desktopctl.scenario"
	TopicPipeline = "desktopctl.pipeline"
)

const (
	TypeScenarioLoaded     = "scenario.loaded"
	TypeScenarioCleared    = "scenario.cleared"
	TypeScenarioConflict   = "scenario.conflict"
	TypeScenarioSaved      = "scenario.saved"
	TypeScenarioSaveError  = "scenario.save_error"
	TypeFingerprintChanged = "scenario.fingerprint_changed"
	TypePipelineSubmitted  = "pipeline.submitted"
	TypePipelineStatus     = "pipeline.status"
	TypePipelineCompleted  = "pipeline.completed"
	TypePipelineFailed     = "pipeline.failed"
	TypePipelinePollError  = "pipeline.poll_error"
)
