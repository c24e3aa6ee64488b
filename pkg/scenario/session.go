// Package scenario composes a Synchronizer and a pipeline Controller into the
// surface a view embeds: load, update, save, clear, run, cancel, reset and
// conflict resolution, plus the derived gates.
package scenario

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/config"
	"github.com/go-go-golems/desktopctl/pkg/draft"
	"github.com/go-go-golems/desktopctl/pkg/engine"
	"github.com/go-go-golems/desktopctl/pkg/metrics"
	"github.com/go-go-golems/desktopctl/pkg/scenariosync"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Client      client.Client
	Drafts      *draft.Cache
	Fingerprint scenariosync.FingerprintFunc
	Clock       clockwork.Clock
	Metrics     *metrics.Recorder
	// Timings come from the sync and pipeline sections; zero values mean defaults.
	Config config.File

	SyncHooks scenariosync.Hooks
	RunHooks  engine.Hooks
}

// View is everything a view renders, read in one call.
type View struct {
	State   scenariosync.Snapshot `json:"state"`
	Run     engine.PipelineRun    `json:"run"`
	Result  *engine.Result        `json:"result,omitempty"`
	Gates   engine.Gates          `json:"gates"`
	Missing []engine.SecretStatus `json:"missing_secrets,omitempty"`
}

type Session struct {
	sync   *scenariosync.Synchronizer
	ctrl   *engine.Controller
	drafts *draft.Cache

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	persistErrs []error
}

func New(opts Options) (*Session, error) {
	if opts.Client == nil {
		return nil, errors.New("missing client")
	}
	cfg := opts.Config.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{drafts: opts.Drafts, ctx: ctx, cancel: cancel}

	syncOpts := scenariosync.Options{
		API:               opts.Client,
		Staleness:         opts.Client,
		Fingerprint:       opts.Fingerprint,
		Clock:             opts.Clock,
		Hooks:             opts.SyncHooks,
		Metrics:           opts.Metrics,
		Debounce:          cfg.Sync.Debounce,
		RetryDelay:        cfg.Sync.RetryDelay,
		StalenessInterval: cfg.Sync.StalenessInterval,
		StalenessRetry:    cfg.Sync.StalenessRetry,
	}
	if opts.Drafts != nil {
		syncOpts.Drafts = opts.Drafts
	}
	syncer, err := scenariosync.New(syncOpts)
	if err != nil {
		cancel()
		return nil, err
	}

	runHooks := opts.RunHooks
	userCompleted := runHooks.OnCompleted
	runHooks.OnCompleted = func(run engine.PipelineRun, res engine.Result) {
		s.persistResult(run, res)
		if userCompleted != nil {
			userCompleted(run, res)
		}
	}
	ctrl, err := engine.NewController(engine.Options{
		API:          opts.Client,
		Clock:        opts.Clock,
		Hooks:        runHooks,
		Metrics:      opts.Metrics,
		PollInterval: cfg.Pipeline.PollInterval,
		RetryDelay:   cfg.Pipeline.RetryDelay,
	})
	if err != nil {
		syncer.Close()
		cancel()
		return nil, err
	}
	s.sync = syncer
	s.ctrl = ctrl
	return s, nil
}

// persistResult writes the result fragment into the form state and saves it.
// A failed save keeps the fragment pending like any other edit.
func (s *Session) persistResult(run engine.PipelineRun, res engine.Result) {
	l := log.With().Str("scenario", run.ScenarioName).Str("pipeline_id", run.PipelineID).Logger()
	if s.sync.ScenarioName() != run.ScenarioName {
		l.Warn().Str("loaded", s.sync.ScenarioName()).Msg("run finished for a scenario that is no longer loaded; result not persisted")
		return
	}
	if err := s.sync.Update(res.Fragment()); err != nil {
		l.Warn().Err(err).Msg("could not record pipeline result")
		s.recordPersistErr(err)
		return
	}
	if err := s.sync.SaveNow(s.ctx); err != nil {
		l.Warn().Err(err).Msg("pipeline result recorded locally but not saved yet")
		s.recordPersistErr(err)
		return
	}
	l.Debug().Msg("pipeline result saved")
}

func (s *Session) recordPersistErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistErrs = append(s.persistErrs, err)
}

// PersistErrors returns errors from saving completed run results.
func (s *Session) PersistErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.persistErrs...)
}

func (s *Session) Load(ctx context.Context, scenarioName string) error {
	return s.sync.Load(ctx, scenarioName)
}

func (s *Session) Update(partial map[string]any) error {
	return s.sync.Update(partial)
}

func (s *Session) SaveNow(ctx context.Context) error {
	return s.sync.SaveNow(ctx)
}

func (s *Session) ClearState(ctx context.Context) error {
	return s.sync.Clear(ctx)
}

func (s *Session) ResolveConflict(ctx context.Context, res scenariosync.Resolution) error {
	return s.sync.ResolveConflict(ctx, res)
}

// Run submits a pipeline run for the loaded scenario. A blank scenario name
// and a blank manifest path are taken from the loaded form state.
func (s *Session) Run(ctx context.Context, p engine.RunParams) (engine.PipelineRun, error) {
	if strings.TrimSpace(p.ScenarioName) == "" {
		p.ScenarioName = s.sync.ScenarioName()
	}
	if strings.TrimSpace(p.BundleManifestPath) == "" {
		if v, ok := s.sync.FormState()[engine.KeyBundleManifestPath].(string); ok {
			p.BundleManifestPath = v
		}
	}
	return s.ctrl.Run(ctx, p)
}

func (s *Session) Cancel(ctx context.Context) error {
	return s.ctrl.Cancel(ctx)
}

func (s *Session) Reset() {
	s.ctrl.Reset()
}

// Wait blocks until the current run is terminal.
func (s *Session) Wait(ctx context.Context) (engine.PipelineRun, error) {
	return s.ctrl.Wait(ctx)
}

func (s *Session) Gates() engine.Gates {
	return s.ctrl.Gates()
}

func (s *Session) MissingSecrets() []engine.SecretStatus {
	return engine.MissingSecrets(s.ctrl.Result())
}

// Draft returns the locally cached draft of the loaded scenario, if any.
func (s *Session) Draft() *draft.Draft {
	name := s.sync.ScenarioName()
	if s.drafts == nil || name == "" {
		return nil
	}
	return s.drafts.Load(name)
}

func (s *Session) View() View {
	res := s.ctrl.Result()
	return View{
		State:   s.sync.Snapshot(),
		Run:     s.ctrl.Current(),
		Result:  res,
		Gates:   engine.ComputeGates(res),
		Missing: engine.MissingSecrets(res),
	}
}

func (s *Session) Synchronizer() *scenariosync.Synchronizer { return s.sync }

func (s *Session) Controller() *engine.Controller { return s.ctrl }

// Close stops polling, timers and loops. Server-side runs are not cancelled.
func (s *Session) Close() {
	s.ctrl.Close()
	s.sync.Close()
	s.cancel()
}
