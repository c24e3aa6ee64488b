package scenariosync

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/draft"
	"github.com/go-go-golems/desktopctl/pkg/metrics"
	"github.com/go-go-golems/desktopctl/pkg/patch"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDebounce          = 600 * time.Millisecond
	DefaultRetryDelay        = 5 * time.Second
	DefaultStalenessInterval = 30 * time.Second
	DefaultStalenessRetry    = 60 * time.Second
)

type Resolution string

const (
	ResolveServer Resolution = "server"
	ResolveLocal  Resolution = "local"
)

type FingerprintFunc func() (protocol.Fingerprint, error)

// Drafts is the slice of the draft cache the synchronizer needs.
type Drafts interface {
	Load(scenarioName string) *draft.Draft
	Save(scenarioName string, payload map[string]any) *draft.Draft
	Clear(scenarioName string)
}

// Hooks are called outside the synchronizer lock. Any of them may be nil.
type Hooks struct {
	OnLoaded             func(scenarioName string, st protocol.ScenarioState)
	OnCleared            func(scenarioName string)
	OnConflict           func(scenarioName string, server protocol.ScenarioState)
	OnSaved              func(scenarioName string, hash string)
	OnSaveError          func(scenarioName string, err error)
	OnFingerprintChanged func(scenarioName string, report Report)
}

type Options struct {
	API       client.PersistenceAPI
	Staleness client.StalenessAPI
	// Fingerprint supplies the external input to watch for drift. Optional.
	Fingerprint FingerprintFunc
	Drafts      Drafts
	Clock       clockwork.Clock
	Hooks       Hooks
	Metrics     *metrics.Recorder

	Debounce          time.Duration
	RetryDelay        time.Duration
	StalenessInterval time.Duration
	StalenessRetry    time.Duration
}

// Snapshot is a copy of the synchronizer state for display.
type Snapshot struct {
	ScenarioName string                   `json:"scenario_name"`
	Active       bool                     `json:"active"`
	FormState    protocol.FormState       `json:"form_state"`
	Hash         string                   `json:"hash"`
	CreatedAt    protocol.Timestamp       `json:"created_at"`
	UpdatedAt    protocol.Timestamp       `json:"updated_at"`
	Artifacts    []protocol.BuildArtifact `json:"build_artifacts,omitempty"`
	PendingKeys  []string                 `json:"pending_keys,omitempty"`
	Saving       bool                     `json:"saving"`
	Conflict     *protocol.ScenarioState  `json:"conflict,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	Staleness    *Report                  `json:"staleness,omitempty"`
}

// Synchronizer keeps one scenario's form state in sync with the server.
//
// Edits are merged into the local state and a pending patch; a debounce
// timer coalesces them into one save carrying the hash the local state was
// based on. At most one save is in flight; edits made meanwhile go to the
// next cycle. Every adoption of server state bumps the epoch, and timers or
// responses from an older epoch are dropped.
type Synchronizer struct {
	opts  Options
	clock clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	scenario  string
	active    bool
	baseline  protocol.FormState // last state the server confirmed
	local     protocol.FormState // baseline with pending applied
	meta      protocol.ScenarioState
	pending   patch.Patch
	epoch     uint64
	timer     clockwork.Timer
	inFlight  bool
	flightEnd chan struct{}
	forceNext bool
	conflict  *protocol.ScenarioState
	lastErr   error

	lastFingerprint *protocol.Fingerprint
	report          *Report
	staleCancel     context.CancelFunc

	closed bool
}

func New(opts Options) (*Synchronizer, error) {
	if opts.API == nil {
		return nil, errors.New("missing persistence API")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.StalenessInterval <= 0 {
		opts.StalenessInterval = DefaultStalenessInterval
	}
	if opts.StalenessRetry <= 0 {
		opts.StalenessRetry = DefaultStalenessRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		opts:     opts,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		baseline: protocol.FormState{},
		local:    protocol.FormState{},
	}, nil
}

// Load fetches the server state for scenarioName and adopts it as the new
// baseline. Unsaved edits of the current scenario are flushed first, after
// any save in flight has finished; if that fails Load returns the error and
// nothing changes.
func (s *Synchronizer) Load(ctx context.Context, scenarioName string) error {
	if scenarioName == "" {
		return errors.New("Scenario name is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	needsFlush := s.active && (!s.pending.IsEmpty() || s.conflict != nil || s.inFlight)
	s.mu.Unlock()

	if needsFlush {
		if err := s.flush(ctx, true); err != nil {
			return errors.Wrap(err, "flush pending changes before load")
		}
	}

	s.mu.Lock()
	s.epoch++
	ep := s.epoch
	s.stopTimerLocked()
	s.mu.Unlock()

	var fp *protocol.Fingerprint
	if s.opts.Fingerprint != nil {
		cur, err := s.opts.Fingerprint()
		if err != nil {
			log.Warn().Err(err).Str("scenario", scenarioName).Msg("fingerprint unavailable")
		} else {
			fp = &cur
		}
	}

	resp, err := s.opts.API.Fetch(ctx, scenarioName, protocol.FetchOptions{Fingerprint: fp})

	s.mu.Lock()
	if ep != s.epoch || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.scenario = scenarioName
	s.pending = patch.Patch{}
	s.conflict = nil
	s.forceNext = false
	s.report = nil
	s.lastFingerprint = fp

	if err != nil {
		// no server sync: edits go to the draft cache until a load succeeds
		s.active = false
		s.baseline = protocol.FormState{}
		s.local = protocol.FormState{}
		s.meta = protocol.ScenarioState{}
		if s.opts.Drafts != nil {
			if d := s.opts.Drafts.Load(scenarioName); d != nil {
				s.local = patch.CloneState(d.Payload)
			}
		}
		s.lastErr = err
		s.mu.Unlock()
		return errors.Wrapf(err, "load scenario %q", scenarioName)
	}

	s.active = true
	s.lastErr = nil
	if !resp.Found || resp.State == nil {
		s.baseline = protocol.FormState{}
		s.local = protocol.FormState{}
		s.meta = protocol.ScenarioState{}
		s.mu.Unlock()
		log.Info().Str("scenario", scenarioName).Msg("no saved state on server")
		s.fire(func(h Hooks) {
			if h.OnCleared != nil {
				h.OnCleared(scenarioName)
			}
		})
		return nil
	}

	st := s.adoptLocked(*resp.State)
	var report *Report
	if resp.Staleness != nil && resp.Staleness.Changed {
		r := BuildReport(*resp.Staleness, s.clock.Now())
		s.report = &r
		report = &r
	}
	s.mu.Unlock()

	log.Info().Str("scenario", scenarioName).Str("hash", st.Hash).Msg("scenario state loaded")
	s.fire(func(h Hooks) {
		if h.OnLoaded != nil {
			h.OnLoaded(scenarioName, st)
		}
		if report != nil && h.OnFingerprintChanged != nil {
			h.OnFingerprintChanged(scenarioName, *report)
		}
	})
	return nil
}

// adoptLocked replaces local and baseline with st. The epoch bump drops any
// armed autosave and any in-flight response.
func (s *Synchronizer) adoptLocked(st protocol.ScenarioState) protocol.ScenarioState {
	s.epoch++
	s.stopTimerLocked()
	s.baseline = patch.CloneState(st.FormState)
	s.local = patch.CloneState(st.FormState)
	s.meta = st
	s.meta.FormState = nil
	s.pending = patch.Patch{}
	s.opts.Metrics.Pending(0)
	out := st
	out.FormState = patch.CloneState(st.FormState)
	return out
}

// Update merges partial into the local state and the pending buffer and
// (re)starts the debounce timer. An empty partial does nothing.
func (s *Synchronizer) Update(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}
	p := patch.FromPartial(partial)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.scenario == "" {
		return ErrNotLoaded
	}
	next, err := patch.ApplyCopy(s.local, p)
	if err != nil {
		return errors.Wrap(err, "apply update")
	}
	s.local = next
	s.pending = patch.Merge(s.pending, p)
	s.opts.Metrics.Pending(len(s.pending.Keys()))

	if !s.active {
		if s.opts.Drafts != nil {
			s.opts.Drafts.Save(s.scenario, patch.CloneState(s.local))
		}
		return nil
	}
	if s.conflict != nil {
		// nothing is sent until the conflict is resolved
		return nil
	}
	s.armTimerLocked(s.opts.Debounce)
	return nil
}

// SaveNow cancels the debounce timer and sends the buffered changes
// immediately, waiting for an in-flight save to finish first.
func (s *Synchronizer) SaveNow(ctx context.Context) error {
	return s.flush(ctx, true)
}

// ResolveConflict ends a conflict. ResolveServer adopts the server state and
// drops local edits. ResolveLocal re-sends the local state without the hash
// precondition.
func (s *Synchronizer) ResolveConflict(ctx context.Context, res Resolution) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conflict == nil {
		s.mu.Unlock()
		return nil
	}
	name := s.scenario

	switch res {
	case ResolveServer:
		st := s.adoptLocked(*s.conflict)
		s.conflict = nil
		s.forceNext = false
		s.lastErr = nil
		s.mu.Unlock()
		log.Info().Str("scenario", name).Str("hash", st.Hash).Msg("conflict resolved in favour of server")
		s.fire(func(h Hooks) {
			if h.OnLoaded != nil {
				h.OnLoaded(name, st)
			}
		})
		return nil

	case ResolveLocal:
		s.conflict = nil
		s.forceNext = true
		s.lastErr = nil
		s.mu.Unlock()
		log.Info().Str("scenario", name).Msg("conflict resolved in favour of local changes")
		return s.flush(ctx, true)

	default:
		s.mu.Unlock()
		return errors.Errorf("unknown resolution %q (want server|local)", res)
	}
}

// Clear deletes the server state and the local draft for the current scenario.
func (s *Synchronizer) Clear(ctx context.Context) error {
	if _, err := s.lockIdle(ctx, true); err != nil {
		return err
	}
	name := s.scenario
	if name == "" {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	s.stopTimerLocked()
	s.mu.Unlock()

	if err := s.opts.API.Delete(ctx, name); err != nil {
		s.mu.Lock()
		if !s.pending.IsEmpty() && s.active && s.conflict == nil {
			s.armTimerLocked(s.opts.Debounce)
		}
		s.mu.Unlock()
		return errors.Wrapf(err, "delete scenario %q", name)
	}

	s.mu.Lock()
	s.epoch++
	s.stopTimerLocked()
	s.baseline = protocol.FormState{}
	s.local = protocol.FormState{}
	s.meta = protocol.ScenarioState{}
	s.pending = patch.Patch{}
	s.conflict = nil
	s.forceNext = false
	s.lastErr = nil
	s.mu.Unlock()

	if s.opts.Drafts != nil {
		s.opts.Drafts.Clear(name)
	}
	log.Info().Str("scenario", name).Msg("scenario state cleared")
	s.fire(func(h Hooks) {
		if h.OnCleared != nil {
			h.OnCleared(name)
		}
	})
	return nil
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ScenarioName: s.scenario,
		Active:       s.active,
		FormState:    patch.CloneState(s.local),
		Hash:         s.meta.Hash,
		CreatedAt:    s.meta.CreatedAt,
		UpdatedAt:    s.meta.UpdatedAt,
		Artifacts:    append([]protocol.BuildArtifact(nil), s.meta.BuildArtifacts...),
		PendingKeys:  s.pending.Keys(),
		Saving:       s.inFlight,
	}
	if s.conflict != nil {
		c := *s.conflict
		c.FormState = patch.CloneState(s.conflict.FormState)
		snap.Conflict = &c
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.report != nil {
		r := *s.report
		snap.Staleness = &r
	}
	return snap
}

// FormState returns a copy of the local form state.
func (s *Synchronizer) FormState() protocol.FormState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return patch.CloneState(s.local)
}

func (s *Synchronizer) ScenarioName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scenario
}

func (s *Synchronizer) Conflict() *ConflictError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflict == nil {
		return nil
	}
	return &ConflictError{ScenarioName: s.scenario, ServerState: *s.conflict}
}

func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close stops every timer and loop and cancels in-flight requests.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	if s.staleCancel != nil {
		s.staleCancel()
		s.staleCancel = nil
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Synchronizer) armTimerLocked(d time.Duration) {
	s.stopTimerLocked()
	ep := s.epoch
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(ep) })
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Synchronizer) onTimer(ep uint64) {
	s.mu.Lock()
	if s.closed || ep != s.epoch {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if err := s.flush(s.ctx, false); err != nil {
		log.Debug().Err(err).Msg("autosave did not complete")
	}
}

// flush sends the pending patch. With wait=false (timer path) it returns
// immediately when a save is already in flight; the in-flight save re-arms
// the timer when it finishes if more edits arrived.
func (s *Synchronizer) flush(ctx context.Context, wait bool) error {
	idle, err := s.lockIdle(ctx, wait)
	if err != nil || !idle {
		return err
	}
	// s.mu held from here

	if s.scenario == "" || !s.active {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if s.conflict != nil {
		err := &ConflictError{ScenarioName: s.scenario, ServerState: *s.conflict}
		s.mu.Unlock()
		return err
	}
	force := s.forceNext
	if !force {
		if s.pending.IsEmpty() {
			s.stopTimerLocked()
			s.mu.Unlock()
			return nil
		}
		// local is baseline with pending applied
		if patch.Equal(s.local, s.baseline) {
			// echo of the adopted state
			s.pending = patch.Patch{}
			s.opts.Metrics.Pending(0)
			s.stopTimerLocked()
			s.mu.Unlock()
			return nil
		}
	}

	s.stopTimerLocked()
	name := s.scenario
	ep := s.epoch
	req := protocol.SaveRequest{
		ScenarioName: name,
		FormState:    patch.CloneState(s.local),
		ExpectedHash: s.meta.Hash,
		Force:        force,
	}
	sent := s.pending
	s.pending = patch.Patch{}
	s.inFlight = true
	s.flightEnd = make(chan struct{})
	s.mu.Unlock()

	start := s.clock.Now()
	resp, err := s.opts.API.Save(ctx, req)
	elapsed := s.clock.Since(start)

	s.mu.Lock()
	s.inFlight = false
	close(s.flightEnd)

	if ep != s.epoch || s.scenario != name {
		s.mu.Unlock()
		if err == nil {
			log.Debug().Str("scenario", name).Msg("dropping save response from a superseded state")
			return nil
		}
		// the edits are no longer pending anywhere; keep them as a draft
		if s.opts.Drafts != nil {
			s.opts.Drafts.Save(name, req.FormState)
		}
		s.opts.Metrics.Flush("error", elapsed)
		log.Warn().Err(err).Str("scenario", name).Msg("save failed after the scenario was reloaded; changes kept as a draft")
		s.fire(func(h Hooks) {
			if h.OnSaveError != nil {
				h.OnSaveError(name, err)
			}
		})
		return errors.Wrap(err, "save scenario state")
	}

	if err != nil {
		s.pending = patch.Merge(sent, s.pending)
		s.lastErr = err
		s.opts.Metrics.Pending(len(s.pending.Keys()))
		if s.opts.Drafts != nil {
			s.opts.Drafts.Save(name, patch.CloneState(s.local))
		}
		if !s.closed && !errors.Is(err, context.Canceled) && s.timer == nil {
			s.armTimerLocked(s.opts.RetryDelay)
		}
		s.mu.Unlock()
		s.opts.Metrics.Flush("error", elapsed)
		log.Warn().Err(err).Str("scenario", name).Msg("saving scenario state failed; changes kept for retry")
		s.fire(func(h Hooks) {
			if h.OnSaveError != nil {
				h.OnSaveError(name, err)
			}
		})
		return errors.Wrap(err, "save scenario state")
	}

	if resp.Conflict {
		server := protocol.ScenarioState{}
		if resp.ServerState != nil {
			server = *resp.ServerState
		}
		s.pending = patch.Merge(sent, s.pending)
		s.conflict = &server
		cerr := &ConflictError{ScenarioName: name, ServerState: server}
		s.lastErr = cerr
		s.stopTimerLocked()
		if s.opts.Drafts != nil {
			s.opts.Drafts.Save(name, patch.CloneState(s.local))
		}
		s.mu.Unlock()
		s.opts.Metrics.Flush("conflict", elapsed)
		log.Warn().Str("scenario", name).Str("expected", req.ExpectedHash).Str("server", server.Hash).Msg("save conflict")
		s.fire(func(h Hooks) {
			if h.OnConflict != nil {
				h.OnConflict(name, server)
			}
		})
		return cerr
	}

	s.baseline = req.FormState
	s.meta.Hash = resp.Hash
	if !resp.UpdatedAt.IsZero() {
		s.meta.UpdatedAt = resp.UpdatedAt
	}
	if force {
		s.forceNext = false
	}
	s.lastErr = nil
	if !s.pending.IsEmpty() && s.timer == nil && s.conflict == nil {
		s.armTimerLocked(s.opts.Debounce)
	}
	s.opts.Metrics.Pending(len(s.pending.Keys()))
	s.mu.Unlock()

	if s.opts.Drafts != nil {
		s.opts.Drafts.Clear(name)
	}
	s.opts.Metrics.Flush("ok", elapsed)
	log.Debug().Str("scenario", name).Str("hash", resp.Hash).Bool("force", force).Msg("scenario state saved")
	s.fire(func(h Hooks) {
		if h.OnSaved != nil {
			h.OnSaved(name, resp.Hash)
		}
	})
	return nil
}

// lockIdle takes s.mu once no save is in flight. With wait=false it returns
// false instead of waiting. The lock is held only when it returns true.
func (s *Synchronizer) lockIdle(ctx context.Context, wait bool) (bool, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, ErrClosed
		}
		if !s.inFlight {
			return true, nil
		}
		done := s.flightEnd
		s.mu.Unlock()
		if !wait {
			return false, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Synchronizer) fire(fn func(h Hooks)) {
	fn(s.opts.Hooks)
}
