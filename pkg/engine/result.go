package engine

import (
	"encoding/json"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// Form state keys written back after a completed run.
const (
	KeyLastPipelineID     = "pipeline.last_pipeline_id"
	KeyStagePrefix        = "pipeline.stages."
	KeyBundleManifestPath = "bundle_manifest_path"
	KeyBuildArtifacts     = "build_artifacts"
)

// Messages decodes a list whose items are strings or objects with a
// "message" field.
type Messages []string

func (m *Messages) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Messages, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		out = append(out, obj.Message)
	}
	*m = out
	return nil
}

type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Errors   Messages `json:"errors,omitempty"`
	Warnings Messages `json:"warnings,omitempty"`
}

type Readiness struct {
	Ready    bool     `json:"ready"`
	Blockers Messages `json:"blockers,omitempty"`
}

type SecretStatus struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
	HasValue bool   `json:"has_value"`
}

type SmokeTest struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Result is the structured outcome of a completed run.
type Result struct {
	PipelineID         string                                  `json:"pipeline_id"`
	Stages             map[protocol.Stage]protocol.StageResult `json:"stages,omitempty"`
	BundleManifestPath string                                  `json:"bundle_manifest_path,omitempty"`
	Preflight          bool                                    `json:"preflight"`
	Validation         *ValidationReport                       `json:"validation,omitempty"`
	Readiness          *Readiness                              `json:"readiness,omitempty"`
	Secrets            []SecretStatus                          `json:"secrets,omitempty"`
	Artifacts          []protocol.BuildArtifact                `json:"artifacts,omitempty"`
	SmokeTest          *SmokeTest                              `json:"smoke_test,omitempty"`
}

// ExtractResult reads the known stage outputs. An output that does not decode
// is logged and left out; the run still counts as completed.
func ExtractResult(pipelineID string, stages map[protocol.Stage]protocol.StageResult) Result {
	r := Result{PipelineID: pipelineID, Stages: map[protocol.Stage]protocol.StageResult{}}
	for k, v := range stages {
		r.Stages[k] = v
	}

	if out, ok := output(stages, protocol.StageBundle); ok {
		var b struct {
			ManifestPath string `json:"manifest_path"`
		}
		if decode(pipelineID, protocol.StageBundle, out, &b) {
			r.BundleManifestPath = b.ManifestPath
		}
	}

	if out, ok := output(stages, protocol.StagePreflight); ok {
		var p struct {
			Validation *ValidationReport `json:"validation"`
			Readiness  *Readiness        `json:"readiness"`
			Secrets    []SecretStatus    `json:"secrets"`
		}
		if decode(pipelineID, protocol.StagePreflight, out, &p) {
			r.Preflight = true
			r.Validation = p.Validation
			r.Readiness = p.Readiness
			r.Secrets = p.Secrets
		}
	}

	if out, ok := output(stages, protocol.StageBuild); ok {
		var b struct {
			Artifacts []protocol.BuildArtifact `json:"artifacts"`
		}
		if decode(pipelineID, protocol.StageBuild, out, &b) {
			r.Artifacts = b.Artifacts
		}
	}

	if out, ok := output(stages, protocol.StageSmokeTest); ok {
		var s SmokeTest
		if decode(pipelineID, protocol.StageSmokeTest, out, &s) {
			r.SmokeTest = &s
		}
	}
	return r
}

func output(stages map[protocol.Stage]protocol.StageResult, stage protocol.Stage) (json.RawMessage, bool) {
	sr, ok := stages[stage]
	if !ok || len(sr.Output) == 0 || string(sr.Output) == "null" {
		return nil, false
	}
	return sr.Output, true
}

func decode(pipelineID string, stage protocol.Stage, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Warn().Err(err).
			Str("pipeline_id", pipelineID).
			Str("stage", string(stage)).
			Msg("ignoring undecodable stage output")
		return false
	}
	return true
}

// Fragment is the form-state patch that records this result in the scenario.
// Values are JSON-shaped so they compare equal after a server round trip.
func (r Result) Fragment() map[string]any {
	out := map[string]any{KeyLastPipelineID: r.PipelineID}
	for stage, sr := range r.Stages {
		if len(sr.Output) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(sr.Output, &v); err != nil || v == nil {
			continue
		}
		out[KeyStagePrefix+string(stage)] = v
	}
	if r.BundleManifestPath != "" {
		out[KeyBundleManifestPath] = r.BundleManifestPath
	}
	if len(r.Artifacts) > 0 {
		if v, ok := jsonShaped(r.Artifacts); ok {
			out[KeyBuildArtifacts] = v
		}
	}
	return out
}

func jsonShaped(v any) (any, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}
