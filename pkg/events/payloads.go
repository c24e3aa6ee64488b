package events

import (
	"time"

	"github.com/go-go-golems/desktopctl/pkg/engine"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/go-go-golems/desktopctl/pkg/scenariosync"
)

type ScenarioLoaded struct {
	Scenario  string    `json:"scenario"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	At        time.Time `json:"at"`
}

type ScenarioCleared struct {
	Scenario string    `json:"scenario"`
	At       time.Time `json:"at"`
}

type ScenarioConflict struct {
	Scenario   string    `json:"scenario"`
	ServerHash string    `json:"server_hash"`
	At         time.Time `json:"at"`
}

type ScenarioSaved struct {
	Scenario string    `json:"scenario"`
	Hash     string    `json:"hash"`
	At       time.Time `json:"at"`
}

type ScenarioSaveError struct {
	Scenario string    `json:"scenario"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

type FingerprintChanged struct {
	Scenario string              `json:"scenario"`
	Report   scenariosync.Report `json:"report"`
	At       time.Time           `json:"at"`
}

type PipelineEvent struct {
	Run engine.PipelineRun `json:"run"`
	At  time.Time          `json:"at"`
}

type PipelineCompleted struct {
	Run    engine.PipelineRun `json:"run"`
	Result engine.Result      `json:"result"`
	Gates  engine.Gates       `json:"gates"`
	At     time.Time          `json:"at"`
}

type PipelineFailed struct {
	Run     engine.PipelineRun         `json:"run"`
	Failure *engine.TerminalRunFailure `json:"failure"`
	At      time.Time                  `json:"at"`
}

type PipelinePollError struct {
	PipelineID string    `json:"pipeline_id"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

func stageCount(run engine.PipelineRun, status protocol.RunStatusValue) int {
	n := 0
	for _, sr := range run.Stages {
		if sr.Status == status {
			n++
		}
	}
	return n
}
