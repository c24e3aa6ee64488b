package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/metrics"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultRetryDelay   = 10 * time.Second
)

type Options struct {
	API     client.PipelineAPI
	Clock   clockwork.Clock
	Hooks   Hooks
	Metrics *metrics.Recorder

	PollInterval time.Duration
	// RetryDelay is the wait after any failed poll. There is no retry
	// ceiling; only a terminal status, Reset or Close ends polling.
	RetryDelay time.Duration
}

// pollTask observes one pipeline id. Once the controller drops it (new run,
// reset, close, terminal status) its results are ignored.
type pollTask struct {
	seq        uint64
	pipelineID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// doneSignal is closed once per run, after the terminal hooks have run.
type doneSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newDoneSignal() *doneSignal {
	return &doneSignal{ch: make(chan struct{})}
}

func (d *doneSignal) close() {
	if d == nil {
		return
	}
	d.once.Do(func() { close(d.ch) })
}

// Controller drives one pipeline run at a time: submit, poll until a terminal
// status, hand the result to OnCompleted.
type Controller struct {
	opts  Options
	clock clockwork.Clock

	mu       sync.Mutex
	seq      uint64
	run      *PipelineRun
	task     *pollTask
	finished *doneSignal
	result   *Result
	lastErr  error
	closed   bool
}

func NewController(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("missing pipeline API")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Controller{opts: opts, clock: opts.Clock}, nil
}

// Validate checks the local preconditions of p and returns the normalized
// stage list (pipeline order, no duplicates; all stages when none are given).
func Validate(p RunParams) ([]protocol.Stage, error) {
	if isBlank(p.ScenarioName) {
		return nil, &ValidationError{Message: msgScenarioRequired}
	}
	if p.IsBundled && isBlank(p.BundleManifestPath) {
		return nil, &ValidationError{Message: msgManifestRequired}
	}
	if len(p.Stages) == 0 {
		return append([]protocol.Stage(nil), protocol.StageOrder...), nil
	}
	want := map[protocol.Stage]bool{}
	for _, s := range p.Stages {
		st, err := protocol.ParseStage(string(s))
		if err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		want[st] = true
	}
	var out []protocol.Stage
	for _, st := range protocol.StageOrder {
		if want[st] {
			out = append(out, st)
		}
	}
	return out, nil
}

// Run validates p, submits it and starts polling. A previous run stops being
// observed; it keeps running on the server unless it was cancelled.
func (c *Controller) Run(ctx context.Context, p RunParams) (PipelineRun, error) {
	stages, err := Validate(p)
	if err != nil {
		return PipelineRun{}, err
	}
	req := protocol.RunRequest{
		ScenarioName:   strings.TrimSpace(p.ScenarioName),
		Stages:         stages,
		Platforms:      p.Platforms,
		DeploymentMode: p.DeploymentMode,
		Secrets:        FilterSecrets(p.SecretsOverride),
		Config:         p.ConfigOverride,
	}
	if p.IsBundled || !isBlank(p.BundleManifestPath) {
		req.BundleManifestPath = strings.TrimSpace(p.BundleManifestPath)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PipelineRun{}, ErrClosed
	}
	c.dropTaskLocked()
	c.seq++
	seq := c.seq
	c.run = &PipelineRun{ScenarioName: req.ScenarioName, Status: protocol.RunSubmitting}
	c.finished = newDoneSignal()
	c.result = nil
	c.lastErr = nil
	c.mu.Unlock()

	log.Info().
		Str("scenario", req.ScenarioName).
		Interface("stages", req.Stages).
		Int("secrets", len(req.Secrets)).
		Msg("submitting pipeline run")
	resp, err := c.opts.API.StartRun(ctx, req)

	c.mu.Lock()
	if seq != c.seq || c.closed {
		c.mu.Unlock()
		return PipelineRun{}, ErrSuperseded
	}
	if err == nil && resp.PipelineID == "" {
		err = errors.New("server returned no pipeline id")
	}
	if err != nil {
		err = errors.Wrap(err, "start pipeline run")
		c.run.Status = protocol.RunFailed
		c.run.Error = err.Error()
		c.lastErr = err
		c.closeFinishedLocked()
		c.mu.Unlock()
		return PipelineRun{}, err
	}

	c.run.PipelineID = resp.PipelineID
	c.run.Status = protocol.RunRunning
	c.run.CreatedAt = protocol.NewTimestamp(c.clock.Now())
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &pollTask{seq: seq, pipelineID: resp.PipelineID, ctx: taskCtx, cancel: cancel}
	c.task = t
	snap := c.run.clone()
	c.mu.Unlock()

	log.Info().Str("scenario", snap.ScenarioName).Str("pipeline_id", snap.PipelineID).Msg("pipeline run submitted")
	if h := c.opts.Hooks.OnSubmitted; h != nil {
		h(snap)
	}
	go c.poll(t)
	return snap, nil
}

// Cancel asks the server to cancel the observed run. The run is reported as
// cancelled only once a poll confirms it.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.run == nil || c.task == nil {
		c.mu.Unlock()
		return ErrNoActiveRun
	}
	id := c.run.PipelineID
	c.mu.Unlock()

	if err := c.opts.API.CancelRun(ctx, id); err != nil {
		return errors.Wrapf(err, "cancel pipeline %s", id)
	}

	c.mu.Lock()
	if c.run != nil && c.run.PipelineID == id {
		c.run.CancelRequested = true
	}
	c.mu.Unlock()
	log.Info().Str("pipeline_id", id).Msg("cancellation requested")
	return nil
}

// Reset stops observing the current run and returns to idle. Server-side work
// is not cancelled.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropTaskLocked()
	c.seq++
	c.run = nil
	c.result = nil
	c.lastErr = nil
}

func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.dropTaskLocked()
	c.seq++
}

// Current returns a copy of the observed run; Status is RunIdle when there is none.
func (c *Controller) Current() PipelineRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return PipelineRun{Status: RunIdle}
	}
	return c.run.clone()
}

// Result returns the result of the last completed run, or nil.
func (c *Controller) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	r := *c.result
	return &r
}

func (c *Controller) Gates() Gates {
	return ComputeGates(c.Result())
}

func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Wait blocks until the current run reaches a terminal status and its hooks
// have returned, or until it is replaced, reset or ctx is done.
func (c *Controller) Wait(ctx context.Context) (PipelineRun, error) {
	c.mu.Lock()
	done := c.finished
	c.mu.Unlock()
	if done == nil {
		return c.Current(), ErrNoActiveRun
	}
	select {
	case <-done.ch:
		return c.Current(), nil
	case <-ctx.Done():
		return c.Current(), ctx.Err()
	}
}

func (c *Controller) dropTaskLocked() {
	if c.task != nil {
		c.task.cancel()
		c.task = nil
	}
	c.closeFinishedLocked()
}

func (c *Controller) closeFinishedLocked() {
	c.finished.close()
}

func (c *Controller) poll(t *pollTask) {
	defer t.cancel()
	delay := c.opts.PollInterval
	for {
		timer := c.clock.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		st, err := c.opts.API.RunStatus(t.ctx, t.pipelineID)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.pollFailed(t, err)
			delay = c.opts.RetryDelay
			continue
		}
		if st.PipelineID != "" && st.PipelineID != t.pipelineID {
			c.opts.Metrics.Poll("discarded")
			log.Warn().Str("pipeline_id", t.pipelineID).Str("got", st.PipelineID).Msg("discarding status for another pipeline")
			delay = c.opts.PollInterval
			continue
		}
		if c.apply(t, st) {
			return
		}
		delay = c.opts.PollInterval
	}
}

// apply records st if t is still the observed task and reports whether
// polling should stop.
func (c *Controller) apply(t *pollTask, st protocol.RunStatus) bool {
	c.mu.Lock()
	if c.task != t || c.seq != t.seq || c.run == nil {
		c.mu.Unlock()
		c.opts.Metrics.Poll("discarded")
		return true
	}
	c.opts.Metrics.Poll("ok")
	c.lastErr = nil
	run := c.run
	if st.Stages != nil {
		run.Stages = make(map[protocol.Stage]protocol.StageResult, len(st.Stages))
		for k, v := range st.Stages {
			run.Stages[k] = v
		}
	}
	if !st.CreatedAt.IsZero() {
		run.CreatedAt = st.CreatedAt
	}

	var (
		res     *Result
		failure *TerminalRunFailure
	)
	switch st.Status {
	case protocol.RunCompleted:
		r := ExtractResult(t.pipelineID, run.Stages)
		res = &r
		c.result = &r
		run.Status = protocol.RunCompleted
		run.Error = ""
	case protocol.RunFailed, protocol.RunCancelled:
		st.PipelineID = t.pipelineID
		failure = failureFrom(st)
		run.Status = st.Status
		run.Error = failure.Message
		run.Failure = failure
	default:
		run.Status = protocol.RunRunning
	}
	terminal := run.Status.Terminal()
	done := c.finished
	if terminal {
		c.task = nil
	}
	snap := run.clone()
	c.mu.Unlock()

	h := c.opts.Hooks
	if !terminal {
		if h.OnStatus != nil {
			h.OnStatus(snap)
		}
		return false
	}

	c.opts.Metrics.RunFinished(string(snap.Status))
	ev := log.Info().Str("pipeline_id", snap.PipelineID).Str("status", string(snap.Status))
	if failure != nil {
		ev = ev.Str("stage", string(failure.Stage)).Str("error", failure.Message)
	}
	ev.Msg("pipeline run finished")

	if res != nil && h.OnCompleted != nil {
		h.OnCompleted(snap, *res)
	}
	if failure != nil && h.OnFailed != nil {
		h.OnFailed(snap, failure)
	}
	done.close()
	return true
}

// pollFailed records a failed status request. Polling carries on after
// RetryDelay whatever the status code; only a terminal status, Reset or
// Close ends it.
func (c *Controller) pollFailed(t *pollTask, err error) {
	err = errors.Wrapf(err, "poll pipeline %s", t.pipelineID)
	c.mu.Lock()
	if c.task != t {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()

	c.opts.Metrics.Poll("error")
	log.Warn().Err(err).
		Str("pipeline_id", t.pipelineID).
		Bool("permanent", client.IsPermanent(err)).
		Dur("retry_in", c.opts.RetryDelay).
		Msg("polling pipeline status failed")
	if h := c.opts.Hooks.OnPollError; h != nil {
		h(t.pipelineID, err)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
