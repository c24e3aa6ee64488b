package engine

import (
	"fmt"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
)

const (
	msgManifestRequired = "Bundle manifest path is required for bundled mode"
	msgScenarioRequired = "Scenario name is required"
	msgCancelled        = "Pipeline run was cancelled"
	msgFailed           = "Pipeline run failed"
)

var (
	ErrClosed      = errors.New("pipeline controller is closed")
	ErrNoActiveRun = errors.New("no pipeline run is active")
	ErrSuperseded  = errors.New("pipeline run was superseded by a newer run")
)

// ValidationError is a local precondition failure. It is returned before any
// request is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TerminalRunFailure is a failed or cancelled status reported by the server.
// It is authoritative and never retried.
type TerminalRunFailure struct {
	PipelineID string                  `json:"pipeline_id"`
	Status     protocol.RunStatusValue `json:"status"`
	Stage      protocol.Stage          `json:"stage,omitempty"`
	Message    string                  `json:"message"`
}

func (e *TerminalRunFailure) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Message)
	}
	return e.Message
}

// failureFrom picks the first failing stage in pipeline order, falling back to
// the run-level error.
func failureFrom(st protocol.RunStatus) *TerminalRunFailure {
	f := &TerminalRunFailure{PipelineID: st.PipelineID, Status: st.Status}
	if st.Status == protocol.RunCancelled {
		f.Message = msgCancelled
		return f
	}
	for _, stage := range protocol.StageOrder {
		sr, ok := st.Stages[stage]
		if !ok || sr.Status != protocol.RunFailed {
			continue
		}
		f.Stage = stage
		f.Message = sr.Error
		if f.Message == "" {
			f.Message = st.Error
		}
		if f.Message == "" {
			f.Message = msgFailed
		}
		return f
	}
	f.Message = st.Error
	if f.Message == "" {
		f.Message = msgFailed
	}
	return f
}
