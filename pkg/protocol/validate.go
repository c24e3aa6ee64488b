package protocol

import (
	"strings"

	"github.com/pkg/errors"
)

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range StageOrder {
		if st == known {
			return st, nil
		}
	}
	return "", errors.Errorf("Unknown stage %q", s)
}

// StageIndex returns the position of s in StageOrder, or len(StageOrder) for unknown stages.
func StageIndex(s Stage) int {
	for i, known := range StageOrder {
		if s == known {
			return i
		}
	}
	return len(StageOrder)
}

func ValidateRunRequest(r RunRequest) error {
	if strings.TrimSpace(r.ScenarioName) == "" {
		return errors.Errorf("%s: missing scenario_name", ErrInvalidRequest)
	}
	if len(r.Stages) == 0 {
		return errors.Errorf("%s: no stages requested", ErrInvalidRequest)
	}
	for i, st := range r.Stages {
		if StageIndex(st) == len(StageOrder) {
			return errors.Errorf("%s: stages[%d] unknown stage %q", ErrInvalidRequest, i, st)
		}
	}
	return nil
}
