package events

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/desktopctl/pkg/engine"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/go-go-golems/desktopctl/pkg/scenariosync"
	"github.com/rs/zerolog/log"
)

func publishOrLog(pub message.Publisher, topic, typ string, payload any) {
	if err := Publish(pub, topic, typ, payload); err != nil {
		log.Warn().Err(err).Str("type", typ).Msg("dropping event")
	}
}

// SyncHooks publishes every synchronizer callback on TopicScenario.
func SyncHooks(pub message.Publisher) scenariosync.Hooks {
	return scenariosync.Hooks{
		OnLoaded: func(name string, st protocol.ScenarioState) {
			publishOrLog(pub, TopicScenario, TypeScenarioLoaded, ScenarioLoaded{
				Scenario: name, Hash: st.Hash, UpdatedAt: st.UpdatedAt.Time, At: time.Now(),
			})
		},
		OnCleared: func(name string) {
			publishOrLog(pub, TopicScenario, TypeScenarioCleared, ScenarioCleared{Scenario: name, At: time.Now()})
		},
		OnConflict: func(name string, server protocol.ScenarioState) {
			publishOrLog(pub, TopicScenario, TypeScenarioConflict, ScenarioConflict{
				Scenario: name, ServerHash: server.Hash, At: time.Now(),
			})
		},
		OnSaved: func(name string, hash string) {
			publishOrLog(pub, TopicScenario, TypeScenarioSaved, ScenarioSaved{Scenario: name, Hash: hash, At: time.Now()})
		},
		OnSaveError: func(name string, err error) {
			publishOrLog(pub, TopicScenario, TypeScenarioSaveError, ScenarioSaveError{
				Scenario: name, Error: err.Error(), At: time.Now(),
			})
		},
		OnFingerprintChanged: func(name string, report scenariosync.Report) {
			publishOrLog(pub, TopicScenario, TypeFingerprintChanged, FingerprintChanged{
				Scenario: name, Report: report, At: time.Now(),
			})
		},
	}
}

// RunHooks publishes every controller callback on TopicPipeline.
func RunHooks(pub message.Publisher) engine.Hooks {
	return engine.Hooks{
		OnSubmitted: func(run engine.PipelineRun) {
			publishOrLog(pub, TopicPipeline, TypePipelineSubmitted, PipelineEvent{Run: run, At: time.Now()})
		},
		OnStatus: func(run engine.PipelineRun) {
			publishOrLog(pub, TopicPipeline, TypePipelineStatus, PipelineEvent{Run: run, At: time.Now()})
		},
		OnCompleted: func(run engine.PipelineRun, res engine.Result) {
			publishOrLog(pub, TopicPipeline, TypePipelineCompleted, PipelineCompleted{
				Run: run, Result: res, Gates: engine.ComputeGates(&res), At: time.Now(),
			})
		},
		OnFailed: func(run engine.PipelineRun, failure *engine.TerminalRunFailure) {
			publishOrLog(pub, TopicPipeline, TypePipelineFailed, PipelineFailed{Run: run, Failure: failure, At: time.Now()})
		},
		OnPollError: func(id string, err error) {
			publishOrLog(pub, TopicPipeline, TypePipelinePollError, PipelinePollError{
				PipelineID: id, Error: err.Error(), At: time.Now(),
			})
		},
	}
}

// MergeSyncHooks calls a's hook, then b's, for every callback either sets.
func MergeSyncHooks(a, b scenariosync.Hooks) scenariosync.Hooks {
	return scenariosync.Hooks{
		OnLoaded: func(name string, st protocol.ScenarioState) {
			if a.OnLoaded != nil {
				a.OnLoaded(name, st)
			}
			if b.OnLoaded != nil {
				b.OnLoaded(name, st)
			}
		},
		OnCleared: func(name string) {
			if a.OnCleared != nil {
				a.OnCleared(name)
			}
			if b.OnCleared != nil {
				b.OnCleared(name)
			}
		},
		OnConflict: func(name string, server protocol.ScenarioState) {
			if a.OnConflict != nil {
				a.OnConflict(name, server)
			}
			if b.OnConflict != nil {
				b.OnConflict(name, server)
			}
		},
		OnSaved: func(name string, hash string) {
			if a.OnSaved != nil {
				a.OnSaved(name, hash)
			}
			if b.OnSaved != nil {
				b.OnSaved(name, hash)
			}
		},
		OnSaveError: func(name string, err error) {
			if a.OnSaveError != nil {
				a.OnSaveError(name, err)
			}
			if b.OnSaveError != nil {
				b.OnSaveError(name, err)
			}
		},
		OnFingerprintChanged: func(name string, report scenariosync.Report) {
			if a.OnFingerprintChanged != nil {
				a.OnFingerprintChanged(name, report)
			}
			if b.OnFingerprintChanged != nil {
				b.OnFingerprintChanged(name, report)
			}
		},
	}
}
