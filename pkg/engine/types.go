package engine

import (
	"github.com/go-go-golems/desktopctl/pkg/protocol"
)

// RunIdle is the controller state before the first Run and after Reset.
const RunIdle protocol.RunStatusValue = "idle"

// RunParams describes one pipeline submission.
type RunParams struct {
	ScenarioName       string
	Stages             []protocol.Stage
	Platforms          []string
	DeploymentMode     string
	IsBundled          bool
	BundleManifestPath string
	// SecretsOverride is filtered to non-blank values before it is sent.
	SecretsOverride map[string]string
	ConfigOverride  map[string]any
}

// PipelineRun is the controller's view of the run it is observing.
type PipelineRun struct {
	PipelineID      string                                  `json:"pipeline_id,omitempty"`
	ScenarioName    string                                  `json:"scenario_name"`
	Status          protocol.RunStatusValue                 `json:"status"`
	Stages          map[protocol.Stage]protocol.StageResult `json:"stages,omitempty"`
	CreatedAt       protocol.Timestamp                      `json:"created_at,omitempty"`
	Error           string                                  `json:"error,omitempty"`
	Failure         *TerminalRunFailure                     `json:"failure,omitempty"`
	CancelRequested bool                                    `json:"cancel_requested,omitempty"`
}

func (r PipelineRun) Terminal() bool {
	return r.Status.Terminal()
}

func (r PipelineRun) clone() PipelineRun {
	out := r
	if r.Stages != nil {
		out.Stages = make(map[protocol.Stage]protocol.StageResult, len(r.Stages))
		for k, v := range r.Stages {
			out.Stages[k] = v
		}
	}
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	return out
}

// Hooks are called outside the controller lock. Any of them may be nil.
type Hooks struct {
	OnSubmitted func(run PipelineRun)
	OnStatus    func(run PipelineRun)
	OnCompleted func(run PipelineRun, res Result)
	OnFailed    func(run PipelineRun, failure *TerminalRunFailure)
	OnPollError func(pipelineID string, err error)
}
