package protocol

import (
	"encoding/json"
)

type Stage string

const (
	StageBundle    Stage = "bundle"
	StagePreflight Stage = "preflight"
	StageGenerate  Stage = "generate"
	StageBuild     Stage = "build"
	StageSmokeTest Stage = "smoke_test"
)

// StageOrder is the fixed execution order of the build pipeline.
var StageOrder = []Stage{StageBundle, StagePreflight, StageGenerate, StageBuild, StageSmokeTest}

type RunStatusValue string

const (
	RunSubmitting RunStatusValue = "submitting"
	RunPending    RunStatusValue = "pending"
	RunRunning    RunStatusValue = "running"
	RunCompleted  RunStatusValue = "completed"
	RunFailed     RunStatusValue = "failed"
	RunCancelled  RunStatusValue = "cancelled"
	RunSkipped    RunStatusValue = "skipped"
)

func (s RunStatusValue) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

type FormState = map[string]any

type BuildArtifact struct {
	Platform  string    `json:"platform"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt Timestamp `json:"created_at,omitempty"`
}

type ScenarioState struct {
	FormState      FormState       `json:"form_state"`
	Hash           string          `json:"hash"`
	CreatedAt      Timestamp       `json:"created_at,omitempty"`
	UpdatedAt      Timestamp       `json:"updated_at,omitempty"`
	BuildArtifacts []BuildArtifact `json:"build_artifacts,omitempty"`
}

// Fingerprint describes an external input (e.g. a bundle manifest) for change
// detection only. It never carries the content itself.
type Fingerprint struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash,omitempty"`
	Size    int64     `json:"size,omitempty"`
	ModTime Timestamp `json:"mod_time,omitempty"`
}

func (f Fingerprint) IsZero() bool {
	return f.Path == "" && f.Hash == ""
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Path == o.Path && f.Hash == o.Hash
}

type FetchOptions struct {
	Fingerprint *Fingerprint
}

type FetchResponse struct {
	Found     bool               `json:"found"`
	State     *ScenarioState     `json:"state,omitempty"`
	Staleness *StalenessResponse `json:"staleness,omitempty"`
}

type SaveRequest struct {
	ScenarioName string    `json:"scenario_name"`
	FormState    FormState `json:"form_state"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	// Force skips the expected-hash precondition (last writer wins).
	Force bool `json:"force,omitempty"`
}

type SaveResponse struct {
	Success     bool           `json:"success"`
	Hash        string         `json:"hash,omitempty"`
	UpdatedAt   Timestamp      `json:"updated_at,omitempty"`
	Conflict    bool           `json:"conflict,omitempty"`
	ServerState *ScenarioState `json:"server_state,omitempty"`
}

type Change struct {
	Type          string `json:"type"`
	AffectedStage Stage  `json:"affected_stage"`
	Reason        string `json:"reason"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
}

type StalenessRequest struct {
	ScenarioName string      `json:"scenario_name"`
	Fingerprint  Fingerprint `json:"fingerprint"`
}

type StalenessResponse struct {
	Changed        bool     `json:"changed"`
	PendingChanges []Change `json:"pending_changes,omitempty"`
	Status         string   `json:"status,omitempty"`
}

type RunRequest struct {
	ScenarioName       string            `json:"scenario_name"`
	Stages             []Stage           `json:"stages"`
	Platforms          []string          `json:"platforms,omitempty"`
	DeploymentMode     string            `json:"deployment_mode,omitempty"`
	BundleManifestPath string            `json:"bundle_manifest_path,omitempty"`
	Secrets            map[string]string `json:"secrets,omitempty"`
	Config             map[string]any    `json:"config,omitempty"`
}

type RunResponse struct {
	PipelineID string `json:"pipeline_id"`
}

type StageResult struct {
	Status RunStatusValue  `json:"status"`
	Error  string          `json:"error,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type RunStatus struct {
	PipelineID string                `json:"pipeline_id"`
	Status     RunStatusValue        `json:"status"`
	Stages     map[Stage]StageResult `json:"stages,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  Timestamp             `json:"created_at,omitempty"`
}

type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
