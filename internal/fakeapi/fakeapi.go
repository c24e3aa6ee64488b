// Package fakeapi is an in-memory desktop builder server used by tests. It
// implements the client interfaces directly and over HTTP.
package fakeapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/patch"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
)

const (
	OpFetch     = "fetch"
	OpSave      = "save"
	OpDelete    = "delete"
	OpStaleness = "staleness"
	OpStart     = "start"
	OpStatus    = "status"
	OpCancel    = "cancel"
)

type Server struct {
	mu sync.Mutex

	now    func() time.Time
	states map[string]*protocol.ScenarioState

	fingerprints   map[string]protocol.Fingerprint
	pendingChanges []protocol.Change

	nextRun  int
	runs     map[string]*protocol.RunStatus
	runReqs  []protocol.RunRequest
	cancels  []string
	saveReqs []protocol.SaveRequest

	calls    map[string]int
	failures map[string][]error
	gates    map[string]chan struct{}
}

var _ client.Client = (*Server)(nil)

func New() *Server {
	return &Server{
		now:          time.Now,
		states:       map[string]*protocol.ScenarioState{},
		fingerprints: map[string]protocol.Fingerprint{},
		runs:         map[string]*protocol.RunStatus{},
		calls:        map[string]int{},
		failures:     map[string][]error{},
		gates:        map[string]chan struct{}{},
	}
}

// HashState is the canonical hash: sha256 over key-sorted JSON.
func HashState(form protocol.FormState) string {
	b, err := json.Marshal(form)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// SetState plays "another writer": it replaces the stored form state.
func (s *Server) SetState(name string, form protocol.FormState) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(name, form)
}

func (s *Server) State(name string) *protocol.ScenarioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return nil
	}
	cp := *st
	cp.FormState = patch.CloneState(st.FormState)
	return &cp
}

func (s *Server) storeLocked(name string, form protocol.FormState) string {
	now := protocol.NewTimestamp(s.now())
	st, ok := s.states[name]
	if !ok {
		st = &protocol.ScenarioState{CreatedAt: now}
		s.states[name] = st
	}
	st.FormState = patch.CloneState(form)
	st.Hash = HashState(st.FormState)
	st.UpdatedAt = now
	return st.Hash
}

// FailNext makes the next call of op return err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Block holds every call of op until the returned release func runs.
func (s *Server) Block(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.gates, op)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Server) SaveRequests() []protocol.SaveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SaveRequest(nil), s.saveReqs...)
}

func (s *Server) RunRequests() []protocol.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RunRequest(nil), s.runReqs...)
}

func (s *Server) Cancels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancels...)
}

// SetRun replaces what RunStatus reports for id.
func (s *Server) SetRun(id string, st protocol.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.PipelineID = id
	s.runs[id] = &st
}

// SetPendingChanges is what the staleness check reports on the next change.
func (s *Server) SetPendingChanges(changes []protocol.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingChanges = changes
}

func (s *Server) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	gate := s.gates[op]
	var err error
	if q := s.failures[op]; len(q) > 0 {
		err = q[0]
		s.failures[op] = q[1:]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Server) Fetch(ctx context.Context, name string, opts protocol.FetchOptions) (protocol.FetchResponse, error) {
	if err := s.enter(ctx, OpFetch); err != nil {
		return protocol.FetchResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return protocol.FetchResponse{Found: false}, nil
	}
	cp := *st
	cp.FormState = patch.CloneState(st.FormState)
	out := protocol.FetchResponse{Found: true, State: &cp}
	if opts.Fingerprint != nil {
		sr := s.stalenessLocked(name, *opts.Fingerprint)
		out.Staleness = &sr
	}
	return out, nil
}

func (s *Server) Save(ctx context.Context, req protocol.SaveRequest) (protocol.SaveResponse, error) {
	if err := s.enter(ctx, OpSave); err != nil {
		return protocol.SaveResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req.FormState = patch.CloneState(req.FormState)
	s.saveReqs = append(s.saveReqs, req)

	if cur, ok := s.states[req.ScenarioName]; ok && !req.Force && cur.Hash != req.ExpectedHash {
		cp := *cur
		cp.FormState = patch.CloneState(cur.FormState)
		return protocol.SaveResponse{Conflict: true, ServerState: &cp}, nil
	}
	hash := s.storeLocked(req.ScenarioName, req.FormState)
	return protocol.SaveResponse{Success: true, Hash: hash, UpdatedAt: s.states[req.ScenarioName].UpdatedAt}, nil
}

func (s *Server) Delete(ctx context.Context, name string) error {
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	return nil
}

func (s *Server) CheckStaleness(ctx context.Context, req protocol.StalenessRequest) (protocol.StalenessResponse, error) {
	if err := s.enter(ctx, OpStaleness); err != nil {
		return protocol.StalenessResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalenessLocked(req.ScenarioName, req.Fingerprint), nil
}

func (s *Server) stalenessLocked(name string, fp protocol.Fingerprint) protocol.StalenessResponse {
	prev, seen := s.fingerprints[name]
	s.fingerprints[name] = fp
	if !seen || prev.Equal(fp) {
		return protocol.StalenessResponse{Changed: false, Status: "fresh"}
	}
	changes := s.pendingChanges
	if len(changes) == 0 {
		changes = []protocol.Change{{
			Type:          "manifest_changed",
			AffectedStage: protocol.StageBundle,
			Reason:        "bundle manifest content changed",
			OldValue:      prev.Hash,
			NewValue:      fp.Hash,
		}}
	}
	return protocol.StalenessResponse{Changed: true, PendingChanges: append([]protocol.Change(nil), changes...), Status: "stale"}
}

func (s *Server) StartRun(ctx context.Context, req protocol.RunRequest) (protocol.RunResponse, error) {
	if err := s.enter(ctx, OpStart); err != nil {
		return protocol.RunResponse{}, err
	}
	if err := protocol.ValidateRunRequest(req); err != nil {
		return protocol.RunResponse{}, &client.OpError{Op: "pipeline.start", StatusCode: 400, Code: protocol.ErrInvalidRequest, Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	id := fmt.Sprintf("pipeline-%d", s.nextRun)
	s.runReqs = append(s.runReqs, req)
	stages := map[protocol.Stage]protocol.StageResult{}
	for _, st := range req.Stages {
		stages[st] = protocol.StageResult{Status: protocol.RunPending}
	}
	s.runs[id] = &protocol.RunStatus{
		PipelineID: id,
		Status:     protocol.RunRunning,
		Stages:     stages,
		CreatedAt:  protocol.NewTimestamp(s.now()),
	}
	return protocol.RunResponse{PipelineID: id}, nil
}

func (s *Server) RunStatus(ctx context.Context, id string) (protocol.RunStatus, error) {
	if err := s.enter(ctx, OpStatus); err != nil {
		return protocol.RunStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[id]
	if !ok {
		return protocol.RunStatus{}, &client.OpError{Op: "pipeline.status", StatusCode: 404, Code: protocol.ErrUnknownPipeline, Message: "unknown pipeline " + id}
	}
	cp := *st
	cp.Stages = map[protocol.Stage]protocol.StageResult{}
	for k, v := range st.Stages {
		cp.Stages[k] = v
	}
	return cp, nil
}

func (s *Server) CancelRun(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpCancel); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return errors.Errorf("unknown pipeline %s", id)
	}
	s.cancels = append(s.cancels, id)
	return nil
}
