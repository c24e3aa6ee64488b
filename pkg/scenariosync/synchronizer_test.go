package scenariosync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/desktopctl/internal/fakeapi"
	"github.com/go-go-golems/desktopctl/pkg/draft"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type hookRecorder struct {
	mu        sync.Mutex
	loaded    []string
	cleared   []string
	conflicts []protocol.ScenarioState
	saved     []string
	saveErrs  []error
	reports   []Report
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnLoaded: func(_ string, st protocol.ScenarioState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loaded = append(r.loaded, st.Hash)
		},
		OnCleared: func(name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cleared = append(r.cleared, name)
		},
		OnConflict: func(_ string, server protocol.ScenarioState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.conflicts = append(r.conflicts, server)
		},
		OnSaved: func(_ string, hash string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.saved = append(r.saved, hash)
		},
		OnSaveError: func(_ string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.saveErrs = append(r.saveErrs, err)
		},
		OnFingerprintChanged: func(_ string, report Report) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reports = append(r.reports, report)
		},
	}
}

func (r *hookRecorder) counts() (conflicts, saved, saveErrs, reports int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conflicts), len(r.saved), len(r.saveErrs), len(r.reports)
}

type harness struct {
	sync  *Synchronizer
	srv   *fakeapi.Server
	clock *clockwork.FakeClock
	rec   *hookRecorder
}

func newHarness(t *testing.T, mutate func(*Options, *fakeapi.Server)) *harness {
	t.Helper()
	srv := fakeapi.New()
	clock := clockwork.NewFakeClock()
	rec := &hookRecorder{}
	opts := Options{
		API:   srv,
		Clock: clock,
		Hooks: rec.hooks(),
	}
	if mutate != nil {
		mutate(&opts, srv)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &harness{sync: s, srv: srv, clock: clock, rec: rec}
}

func (h *harness) saves() int {
	return h.srv.Calls(fakeapi.OpSave)
}

func TestUpdate_EmptyPartialNeverFlushes(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.SetState("demo", protocol.FormState{"a": 1})
	require.NoError(t, h.sync.Load(context.Background(), "demo"))

	require.NoError(t, h.sync.Update(map[string]any{}))
	require.NoError(t, h.sync.Update(nil))
	h.clock.Advance(5 * time.Second)

	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)
	require.NoError(t, h.sync.SaveNow(context.Background()))
	require.Equal(t, 0, h.saves())
}

func TestUpdate_CoalescesWithinDebounceWindow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sync.Load(context.Background(), "demo"))

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "A"}))
	h.clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.sync.Update(map[string]any{"version": "1.0.0"}))
	h.clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "B"}))

	h.clock.Advance(599 * time.Millisecond)
	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return h.saves() == 1 }, waitFor, tick)

	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, "B", reqs[0].FormState["app_display_name"])
	require.Equal(t, "1.0.0", reqs[0].FormState["version"])
	require.Never(t, func() bool { return h.saves() > 1 }, 100*time.Millisecond, tick)
}

func TestLoad_AdoptionDoesNotAutosave(t *testing.T) {
	h := newHarness(t, nil)
	h1 := h.srv.SetState("demo", protocol.FormState{"app_display_name": "Old"})

	require.NoError(t, h.sync.Load(context.Background(), "demo"))
	snap := h.sync.Snapshot()
	require.Equal(t, h1, snap.Hash)
	require.True(t, snap.Active)
	require.Equal(t, []string{h1}, h.rec.loaded)

	h.clock.Advance(time.Minute)
	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)
}

func TestLoad_MissingStateSignalsCleared(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sync.Load(context.Background(), "fresh"))
	require.Equal(t, []string{"fresh"}, h.rec.cleared)

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "New"}))
	require.NoError(t, h.sync.SaveNow(context.Background()))

	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].ExpectedHash)
	require.NotNil(t, h.srv.State("fresh"))
}

func TestUpdate_RequiresScenario(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.sync.Update(map[string]any{"a": 1}), ErrNotLoaded)
}

func TestSave_ConflictThenResolveServerThenSucceed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h1 := h.srv.SetState("demo", protocol.FormState{"app_display_name": "Old"})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "X"}))
	h2 := h.srv.SetState("demo", protocol.FormState{"app_display_name": "Other writer"})

	h.clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool { c, _, _, _ := h.rec.counts(); return c == 1 }, waitFor, tick)

	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, h1, reqs[0].ExpectedHash)

	conflict := h.sync.Conflict()
	require.NotNil(t, conflict)
	require.Equal(t, h2, conflict.ServerState.Hash)
	require.ErrorIs(t, conflict, ErrConflict)

	// neither side changed
	require.Equal(t, h2, h.srv.State("demo").Hash)
	snap := h.sync.Snapshot()
	require.Equal(t, "X", snap.FormState["app_display_name"])
	require.Equal(t, h1, snap.Hash)
	require.Equal(t, []string{"app_display_name"}, snap.PendingKeys)

	// nothing is sent while the conflict stands
	require.ErrorIs(t, h.sync.SaveNow(ctx), ErrConflict)
	require.Equal(t, 1, h.saves())

	require.NoError(t, h.sync.ResolveConflict(ctx, ResolveServer))
	snap = h.sync.Snapshot()
	require.Equal(t, h2, snap.Hash)
	require.Equal(t, "Other writer", snap.FormState["app_display_name"])
	require.Empty(t, snap.PendingKeys)
	require.Nil(t, snap.Conflict)

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "Y"}))
	h.clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool { _, s, _, _ := h.rec.counts(); return s == 1 }, waitFor, tick)

	reqs = h.srv.SaveRequests()
	require.Len(t, reqs, 2)
	require.Equal(t, h2, reqs[1].ExpectedHash)
	h3 := h.srv.State("demo").Hash
	require.NotEqual(t, h2, h3)
	require.Equal(t, h3, h.sync.Snapshot().Hash)
}

func TestResolveServer_SuppressesEchoAutosave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"app_display_name": "Old"})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "X"}))
	h.srv.SetState("demo", protocol.FormState{"app_display_name": "Server"})
	require.ErrorIs(t, h.sync.SaveNow(ctx), ErrConflict)

	require.NoError(t, h.sync.ResolveConflict(ctx, ResolveServer))

	// a view re-rendering with the adopted values writes them back
	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "Server"}))
	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return h.saves() > 1 }, 100*time.Millisecond, tick)
	require.Empty(t, h.sync.Snapshot().PendingKeys)
}

func TestResolveLocal_ForcesSave(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"app_display_name": "Old"})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "Mine"}))
	h.srv.SetState("demo", protocol.FormState{"app_display_name": "Theirs"})
	require.ErrorIs(t, h.sync.SaveNow(ctx), ErrConflict)

	require.NoError(t, h.sync.ResolveConflict(ctx, ResolveLocal))

	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 2)
	require.True(t, reqs[1].Force)
	require.Equal(t, "Mine", h.srv.State("demo").FormState["app_display_name"])

	snap := h.sync.Snapshot()
	require.Nil(t, snap.Conflict)
	require.Equal(t, h.srv.State("demo").Hash, snap.Hash)
	require.Empty(t, snap.PendingKeys)
}

func TestResolveConflict_UnknownResolution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"a": 1})
	require.NoError(t, h.sync.Load(ctx, "demo"))
	require.NoError(t, h.sync.Update(map[string]any{"a": 2}))
	h.srv.SetState("demo", protocol.FormState{"a": 3})
	require.ErrorIs(t, h.sync.SaveNow(ctx), ErrConflict)

	require.Error(t, h.sync.ResolveConflict(ctx, "merge"))
	require.NotNil(t, h.sync.Conflict())
}

func TestSave_TransportErrorKeepsPatch(t *testing.T) {
	cache := draft.NewCache(draft.Options{Storage: mustFileStorage(t)})
	h := newHarness(t, func(o *Options, _ *fakeapi.Server) { o.Drafts = cache })
	ctx := context.Background()
	require.NoError(t, h.sync.Load(ctx, "demo"))

	h.srv.FailNext(fakeapi.OpSave, errors.New("connection reset by peer"))
	require.NoError(t, h.sync.Update(map[string]any{"app_display_name": "Keep me"}))

	err := h.sync.SaveNow(ctx)
	require.Error(t, err)
	_, _, saveErrs, _ := h.rec.counts()
	require.Equal(t, 1, saveErrs)

	snap := h.sync.Snapshot()
	require.Equal(t, []string{"app_display_name"}, snap.PendingKeys)
	require.Contains(t, snap.LastError, "connection reset")
	require.NotNil(t, cache.Load("demo"))

	require.NoError(t, h.sync.SaveNow(ctx))
	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 1) // the failed call never reached the store
	require.Equal(t, "Keep me", reqs[0].FormState["app_display_name"])
	require.Empty(t, h.sync.Snapshot().PendingKeys)
	require.Nil(t, cache.Load("demo"))
}

func TestSave_TransportErrorRetriesAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sync.Load(context.Background(), "demo"))

	h.srv.FailNext(fakeapi.OpSave, errors.New("timeout"))
	require.NoError(t, h.sync.Update(map[string]any{"a": 1}))
	h.clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool { _, _, e, _ := h.rec.counts(); return e == 1 }, waitFor, tick)

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(DefaultRetryDelay)
	require.Eventually(t, func() bool { _, s, _, _ := h.rec.counts(); return s == 1 }, waitFor, tick)
	require.EqualValues(t, 1, h.srv.State("demo").FormState["a"])
}

func TestSave_UpdatesDuringFlightGoToNextCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sync.Load(ctx, "demo"))

	release := h.srv.Block(fakeapi.OpSave)
	require.NoError(t, h.sync.Update(map[string]any{"a": 1}))

	errCh := make(chan error, 1)
	go func() { errCh <- h.sync.SaveNow(ctx) }()
	require.Eventually(t, func() bool { return h.saves() == 1 }, waitFor, tick)
	require.True(t, h.sync.Snapshot().Saving)

	require.NoError(t, h.sync.Update(map[string]any{"b": 2}))
	release()
	require.NoError(t, <-errCh)

	reqs := h.srv.SaveRequests()
	require.Len(t, reqs, 1)
	require.Contains(t, reqs[0].FormState, "a")
	require.NotContains(t, reqs[0].FormState, "b")
	firstHash := h.sync.Snapshot().Hash
	require.Equal(t, []string{"b"}, h.sync.Snapshot().PendingKeys)

	h.clock.Advance(600 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.srv.SaveRequests()) == 2 }, waitFor, tick)
	reqs = h.srv.SaveRequests()
	require.Equal(t, firstHash, reqs[1].ExpectedHash)
	require.Contains(t, reqs[1].FormState, "a")
	require.Contains(t, reqs[1].FormState, "b")
}

func TestLoad_WaitsForSaveInFlight(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"v": 1})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	release := h.srv.Block(fakeapi.OpSave)
	require.NoError(t, h.sync.Update(map[string]any{"v": 2}))
	saveErr := make(chan error, 1)
	go func() { saveErr <- h.sync.SaveNow(ctx) }()
	require.Eventually(t, func() bool { return h.saves() == 1 }, waitFor, tick)

	loadErr := make(chan error, 1)
	go func() { loadErr <- h.sync.Load(ctx, "demo") }()
	require.Never(t, func() bool { return len(loadErr) > 0 }, 50*time.Millisecond, tick)

	release()
	require.NoError(t, <-saveErr)
	require.NoError(t, <-loadErr)

	snap := h.sync.Snapshot()
	require.Nil(t, snap.Conflict)
	require.Equal(t, h.srv.State("demo").Hash, snap.Hash)
	require.EqualValues(t, 2, snap.FormState["v"])
	conflicts, _, _, _ := h.rec.counts()
	require.Equal(t, 0, conflicts)
}

func TestLoad_FailedSaveInFlightIsResentBeforeReload(t *testing.T) {
	cache := draft.NewCache(draft.Options{Storage: mustFileStorage(t)})
	h := newHarness(t, func(o *Options, _ *fakeapi.Server) { o.Drafts = cache })
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"a": 1})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	h.srv.FailNext(fakeapi.OpSave, errors.New("connection reset by peer"))
	release := h.srv.Block(fakeapi.OpSave)
	require.NoError(t, h.sync.Update(map[string]any{"name": "X"}))
	saveErr := make(chan error, 1)
	go func() { saveErr <- h.sync.SaveNow(ctx) }()
	require.Eventually(t, func() bool { return h.saves() == 1 }, waitFor, tick)

	loadErr := make(chan error, 1)
	go func() { loadErr <- h.sync.Load(ctx, "demo") }()
	release()

	require.Error(t, <-saveErr)
	require.NoError(t, <-loadErr)

	require.Equal(t, "X", h.srv.State("demo").FormState["name"])
	snap := h.sync.Snapshot()
	require.Equal(t, "X", snap.FormState["name"])
	require.Empty(t, snap.PendingKeys)
	require.Empty(t, snap.LastError)
	require.Nil(t, cache.Load("demo"))
	_, saved, saveErrs, _ := h.rec.counts()
	require.Equal(t, 1, saveErrs)
	require.Equal(t, 1, saved)
}

func TestUpdate_ObjectReplacedByScalarStillSaves(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"a": 1})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	require.NoError(t, h.sync.Update(map[string]any{"signing.team": "T1"}))
	require.NoError(t, h.sync.Update(map[string]any{"signing": "disabled"}))
	require.Equal(t, []string{"signing"}, h.sync.Snapshot().PendingKeys)

	require.NoError(t, h.sync.SaveNow(ctx))
	require.Equal(t, 1, h.saves())
	st := h.srv.State("demo")
	require.Equal(t, "disabled", st.FormState["signing"])
	require.EqualValues(t, 1, st.FormState["a"])
	require.Empty(t, h.sync.Snapshot().PendingKeys)
	_, _, saveErrs, _ := h.rec.counts()
	require.Equal(t, 0, saveErrs)
}

func TestLoad_FailureFallsBackToDrafts(t *testing.T) {
	cache := draft.NewCache(draft.Options{Storage: mustFileStorage(t)})
	cache.Save("demo", map[string]any{"app_display_name": "from draft"})
	h := newHarness(t, func(o *Options, _ *fakeapi.Server) { o.Drafts = cache })
	ctx := context.Background()

	h.srv.FailNext(fakeapi.OpFetch, errors.New("server unreachable"))
	require.Error(t, h.sync.Load(ctx, "demo"))

	snap := h.sync.Snapshot()
	require.False(t, snap.Active)
	require.Equal(t, "from draft", snap.FormState["app_display_name"])

	require.NoError(t, h.sync.Update(map[string]any{"version": "2.0"}))
	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)

	d := cache.Load("demo")
	require.NotNil(t, d)
	require.Equal(t, "2.0", d.Payload["version"])
	require.Equal(t, "from draft", d.Payload["app_display_name"])
}

func TestClear_DeletesServerStateAndDraft(t *testing.T) {
	cache := draft.NewCache(draft.Options{Storage: mustFileStorage(t)})
	h := newHarness(t, func(o *Options, _ *fakeapi.Server) { o.Drafts = cache })
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{"a": 1})
	require.NoError(t, h.sync.Load(ctx, "demo"))
	cache.Save("demo", map[string]any{"a": 2})

	require.NoError(t, h.sync.Update(map[string]any{"a": 5}))
	require.NoError(t, h.sync.Clear(ctx))

	require.Nil(t, h.srv.State("demo"))
	require.Nil(t, cache.Load("demo"))
	require.Equal(t, []string{"demo"}, h.rec.cleared)
	snap := h.sync.Snapshot()
	require.Empty(t, snap.FormState)
	require.Empty(t, snap.PendingKeys)

	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)
}

func TestCheckStaleness_ServerReportGroupedByStage(t *testing.T) {
	var hash atomic.Value
	hash.Store("a")
	h := newHarness(t, func(o *Options, srv *fakeapi.Server) {
		o.Staleness = srv
		o.Fingerprint = func() (protocol.Fingerprint, error) {
			return protocol.Fingerprint{Path: "/work/bundle.json", Hash: hash.Load().(string)}, nil
		}
	})
	ctx := context.Background()
	h.srv.SetState("demo", protocol.FormState{})
	h.srv.SetPendingChanges([]protocol.Change{
		{Type: "service_added", AffectedStage: protocol.StageBuild, Reason: "new service"},
		{Type: "port_changed", AffectedStage: protocol.StagePreflight, Reason: "api port changed"},
		{Type: "binary_changed", AffectedStage: protocol.StageBuild, Reason: "binary rebuilt"},
	})
	require.NoError(t, h.sync.Load(ctx, "demo"))

	h.sync.StartStalenessLoop()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	hash.Store("b")
	h.clock.Advance(DefaultStalenessInterval)

	require.Eventually(t, func() bool { _, _, _, r := h.rec.counts(); return r == 1 }, waitFor, tick)
	h.rec.mu.Lock()
	report := h.rec.reports[0]
	h.rec.mu.Unlock()
	require.True(t, report.Changed)
	require.Equal(t, protocol.StagePreflight, report.Boundary)
	require.Equal(t, protocol.StagePreflight, report.Changes[0].AffectedStage)
	require.Len(t, report.ByStage[protocol.StageBuild], 2)
	require.False(t, report.Stale(protocol.StageBundle))
	require.True(t, report.Stale(protocol.StagePreflight))
	require.True(t, report.Stale(protocol.StageSmokeTest))
	require.NotNil(t, h.sync.Snapshot().Staleness)
}

func TestCheckStaleness_LocalComparison(t *testing.T) {
	hash := "a"
	h := newHarness(t, func(o *Options, _ *fakeapi.Server) {
		o.Fingerprint = func() (protocol.Fingerprint, error) {
			return protocol.Fingerprint{Path: "/work/bundle.json", Hash: hash}, nil
		}
	})
	ctx := context.Background()
	require.NoError(t, h.sync.Load(ctx, "demo"))

	r, err := h.sync.CheckStaleness(ctx)
	require.NoError(t, err)
	require.False(t, r.Changed)

	hash = "b"
	r, err = h.sync.CheckStaleness(ctx)
	require.NoError(t, err)
	require.True(t, r.Changed)
	require.Equal(t, protocol.StageBundle, r.Boundary)
	require.Equal(t, "a", r.Changes[0].OldValue)
	require.Equal(t, "b", r.Changes[0].NewValue)

	r, err = h.sync.CheckStaleness(ctx)
	require.NoError(t, err)
	require.False(t, r.Changed)
}

func TestStalenessLoop_RetriesAfterLongerDelay(t *testing.T) {
	h := newHarness(t, func(o *Options, srv *fakeapi.Server) {
		o.Staleness = srv
		o.Fingerprint = func() (protocol.Fingerprint, error) {
			return protocol.Fingerprint{Path: "/work/bundle.json", Hash: "a"}, nil
		}
	})
	ctx := context.Background()
	require.NoError(t, h.sync.Load(ctx, "demo"))

	h.srv.FailNext(fakeapi.OpStaleness, errors.New("gateway timeout"))
	h.sync.StartStalenessLoop()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultStalenessInterval)
	require.Eventually(t, func() bool { return h.srv.Calls(fakeapi.OpStaleness) == 1 }, waitFor, tick)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultStalenessInterval)
	require.Never(t, func() bool { return h.srv.Calls(fakeapi.OpStaleness) > 1 }, 100*time.Millisecond, tick)

	h.clock.Advance(DefaultStalenessRetry - DefaultStalenessInterval)
	require.Eventually(t, func() bool { return h.srv.Calls(fakeapi.OpStaleness) == 2 }, waitFor, tick)
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sync.Load(context.Background(), "demo"))
	require.NoError(t, h.sync.Update(map[string]any{"a": 1}))

	h.sync.Close()
	h.clock.Advance(time.Second)
	require.Never(t, func() bool { return h.saves() > 0 }, 100*time.Millisecond, tick)
	require.ErrorIs(t, h.sync.Update(map[string]any{"a": 2}), ErrClosed)
}

func mustFileStorage(t *testing.T) draft.Storage {
	t.Helper()
	st, err := draft.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return st
}
