package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RegisterLogSink logs a one-line description of every envelope on both topics.
func RegisterLogSink(bus *Bus) {
	handler := func(env Envelope) error {
		level, text, err := Describe(env)
		if err != nil {
			return err
		}
		log.WithLevel(level).Str("event", env.Type).Msg(text)
		return nil
	}
	bus.Subscribe("desktopctl-scenario-log", TopicScenario, handler)
	bus.Subscribe("desktopctl-pipeline-log", TopicPipeline, handler)
}

// Describe renders env as a short human-readable line.
func Describe(env Envelope) (zerolog.Level, string, error) {
	switch env.Type {
	case TypeScenarioLoaded:
		var ev ScenarioLoaded
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal scenario loaded")
		}
		return zerolog.InfoLevel, fmt.Sprintf("scenario %s: loaded (hash %s)", ev.Scenario, ev.Hash), nil
	case TypeScenarioCleared:
		var ev ScenarioCleared
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal scenario cleared")
		}
		return zerolog.InfoLevel, fmt.Sprintf("scenario %s: no saved state", ev.Scenario), nil
	case TypeScenarioConflict:
		var ev ScenarioConflict
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal scenario conflict")
		}
		return zerolog.WarnLevel, fmt.Sprintf("scenario %s: conflict with server hash %s; resolve with server or local", ev.Scenario, ev.ServerHash), nil
	case TypeScenarioSaved:
		var ev ScenarioSaved
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal scenario saved")
		}
		return zerolog.InfoLevel, fmt.Sprintf("scenario %s: saved (hash %s)", ev.Scenario, ev.Hash), nil
	case TypeScenarioSaveError:
		var ev ScenarioSaveError
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal save error")
		}
		return zerolog.WarnLevel, fmt.Sprintf("scenario %s: save failed, changes kept: %s", ev.Scenario, ev.Error), nil
	case TypeFingerprintChanged:
		var ev FingerprintChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal fingerprint changed")
		}
		reasons := make([]string, 0, len(ev.Report.Changes))
		for _, c := range ev.Report.Changes {
			reasons = append(reasons, c.Reason)
		}
		return zerolog.WarnLevel, fmt.Sprintf("scenario %s: inputs changed, %s onward is stale (%s)",
			ev.Scenario, ev.Report.Boundary, strings.Join(reasons, "; ")), nil
	case TypePipelineSubmitted, TypePipelineStatus:
		var ev PipelineEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal pipeline event")
		}
		if env.Type == TypePipelineSubmitted {
			return zerolog.InfoLevel, fmt.Sprintf("pipeline %s: submitted for %s", ev.Run.PipelineID, ev.Run.ScenarioName), nil
		}
		return zerolog.DebugLevel, fmt.Sprintf("pipeline %s: %s (%d/%d stages completed)",
			ev.Run.PipelineID, ev.Run.Status, stageCount(ev.Run, protocol.RunCompleted), len(ev.Run.Stages)), nil
	case TypePipelineCompleted:
		var ev PipelineCompleted
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal pipeline completed")
		}
		text := fmt.Sprintf("pipeline %s: completed", ev.Run.PipelineID)
		if failed := ev.Gates.Failed(); len(failed) > 0 {
			text = fmt.Sprintf("%s, gates not passed: %s", text, strings.Join(failed, ", "))
		}
		return zerolog.InfoLevel, text, nil
	case TypePipelineFailed:
		var ev PipelineFailed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal pipeline failed")
		}
		text := fmt.Sprintf("pipeline %s: %s", ev.Run.PipelineID, ev.Run.Status)
		if ev.Failure != nil {
			text = fmt.Sprintf("%s: %s", text, ev.Failure.Error())
		}
		return zerolog.ErrorLevel, text, nil
	case TypePipelinePollError:
		var ev PipelinePollError
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return 0, "", errors.Wrap(err, "unmarshal poll error")
		}
		return zerolog.WarnLevel, fmt.Sprintf("pipeline %s: status check failed: %s", ev.PipelineID, ev.Error), nil
	default:
		return zerolog.DebugLevel, env.Type, nil
	}
}
