package scenariosync

import (
	"context"
	"sort"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Report is the outcome of a fingerprint check.
type Report struct {
	Changed bool                                 `json:"changed"`
	Status  string                               `json:"status,omitempty"`
	Changes []protocol.Change                    `json:"changes,omitempty"`
	ByStage map[protocol.Stage][]protocol.Change `json:"by_stage,omitempty"`
	// Boundary is the earliest affected stage; it and every later stage are stale.
	Boundary  protocol.Stage `json:"boundary,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

func BuildReport(resp protocol.StalenessResponse, at time.Time) Report {
	r := Report{
		Changed:   resp.Changed,
		Status:    resp.Status,
		CheckedAt: at,
	}
	if !resp.Changed {
		return r
	}
	changes := append([]protocol.Change(nil), resp.PendingChanges...)
	sort.SliceStable(changes, func(i, j int) bool {
		return protocol.StageIndex(changes[i].AffectedStage) < protocol.StageIndex(changes[j].AffectedStage)
	})
	r.Changes = changes
	r.ByStage = map[protocol.Stage][]protocol.Change{}
	for _, c := range changes {
		r.ByStage[c.AffectedStage] = append(r.ByStage[c.AffectedStage], c)
	}
	if len(changes) > 0 && protocol.StageIndex(changes[0].AffectedStage) < len(protocol.StageOrder) {
		r.Boundary = changes[0].AffectedStage
	} else if len(changes) == 0 {
		// changed without details: everything is suspect
		r.Boundary = protocol.StageOrder[0]
	}
	return r
}

// Stale reports whether stage is at or after the boundary.
func (r Report) Stale(stage protocol.Stage) bool {
	if !r.Changed || r.Boundary == "" {
		return false
	}
	return protocol.StageIndex(stage) >= protocol.StageIndex(r.Boundary)
}

func localComparison(prev *protocol.Fingerprint, cur protocol.Fingerprint) protocol.StalenessResponse {
	if prev == nil {
		return protocol.StalenessResponse{Status: "baseline"}
	}
	if prev.Equal(cur) {
		return protocol.StalenessResponse{Status: "fresh"}
	}
	reason := "bundle manifest content changed"
	switch {
	case prev.Path != cur.Path:
		reason = "bundle manifest path changed"
	case cur.Hash == "":
		reason = "bundle manifest was removed"
	}
	return protocol.StalenessResponse{
		Changed: true,
		Status:  "stale",
		PendingChanges: []protocol.Change{{
			Type:          "manifest_changed",
			AffectedStage: protocol.StageBundle,
			Reason:        reason,
			OldValue:      prev.Hash,
			NewValue:      cur.Hash,
		}},
	}
}

// CheckStaleness re-validates the supplied fingerprint. With a staleness
// endpoint the server decides; otherwise the fingerprint is compared with the
// last one seen. A change fires OnFingerprintChanged.
func (s *Synchronizer) CheckStaleness(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Report{}, ErrClosed
	}
	name := s.scenario
	prev := s.lastFingerprint
	s.mu.Unlock()

	if name == "" {
		return Report{}, ErrNotLoaded
	}
	if s.opts.Fingerprint == nil {
		return Report{Status: "untracked", CheckedAt: s.clock.Now()}, nil
	}
	cur, err := s.opts.Fingerprint()
	if err != nil {
		s.opts.Metrics.Staleness("error")
		return Report{}, errors.Wrap(err, "compute fingerprint")
	}

	var resp protocol.StalenessResponse
	if s.opts.Staleness != nil {
		resp, err = s.opts.Staleness.CheckStaleness(ctx, protocol.StalenessRequest{ScenarioName: name, Fingerprint: cur})
		if err != nil {
			s.opts.Metrics.Staleness("error")
			return Report{}, errors.Wrap(err, "check staleness")
		}
	} else {
		resp = localComparison(prev, cur)
	}
	report := BuildReport(resp, s.clock.Now())

	s.mu.Lock()
	if s.scenario != name || s.closed {
		s.mu.Unlock()
		return report, nil
	}
	s.lastFingerprint = &cur
	if report.Changed {
		r := report
		s.report = &r
	}
	s.mu.Unlock()

	if !report.Changed {
		s.opts.Metrics.Staleness("fresh")
		return report, nil
	}
	s.opts.Metrics.Staleness("changed")
	log.Info().
		Str("scenario", name).
		Str("boundary", string(report.Boundary)).
		Int("changes", len(report.Changes)).
		Msg("fingerprint changed")
	s.fire(func(h Hooks) {
		if h.OnFingerprintChanged != nil {
			h.OnFingerprintChanged(name, report)
		}
	})
	return report, nil
}

// AcknowledgeStaleness clears the recorded report, e.g. after the stale
// stages were re-run.
func (s *Synchronizer) AcknowledgeStaleness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = nil
}

// StartStalenessLoop checks the fingerprint every StalenessInterval until
// Close or StopStalenessLoop. Failed checks are retried after StalenessRetry.
func (s *Synchronizer) StartStalenessLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.staleCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.staleCancel = cancel
	go s.stalenessLoop(ctx)
}

func (s *Synchronizer) StopStalenessLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleCancel != nil {
		s.staleCancel()
		s.staleCancel = nil
	}
}

func (s *Synchronizer) stalenessLoop(ctx context.Context) {
	delay := s.opts.StalenessInterval
	for {
		t := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.Chan():
		}

		_, err := s.CheckStaleness(ctx)
		switch {
		case err == nil, errors.Is(err, ErrNotLoaded):
			delay = s.opts.StalenessInterval
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return
		default:
			log.Warn().Err(err).Dur("retry_in", s.opts.StalenessRetry).Msg("staleness check failed")
			delay = s.opts.StalenessRetry
		}
	}
}
