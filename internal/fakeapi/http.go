package fakeapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-go-golems/desktopctl/pkg/client"
	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/pkg/errors"
)

// Handler exposes s over the HTTP binding the real server uses.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/scenarios/{name}/state", func(w http.ResponseWriter, r *http.Request) {
		var opts protocol.FetchOptions
		if p := r.URL.Query().Get("manifest_path"); p != "" {
			opts.Fingerprint = &protocol.Fingerprint{Path: p, Hash: r.URL.Query().Get("manifest_hash")}
		}
		out, err := s.Fetch(r.Context(), r.PathValue("name"), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		if !out.Found {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": protocol.Error{Code: protocol.ErrNotFound, Message: "no state"}})
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("PUT /api/v1/scenarios/{name}/state", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": protocol.Error{Code: protocol.ErrInvalidRequest, Message: err.Error()}})
			return
		}
		req.ScenarioName = r.PathValue("name")
		out, err := s.Save(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		if out.Conflict {
			writeJSON(w, http.StatusConflict, out)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("DELETE /api/v1/scenarios/{name}/state", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Delete(r.Context(), r.PathValue("name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/scenarios/{name}/staleness", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.StalenessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": protocol.Error{Code: protocol.ErrInvalidRequest, Message: err.Error()}})
			return
		}
		req.ScenarioName = r.PathValue("name")
		out, err := s.CheckStaleness(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /api/v1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": protocol.Error{Code: protocol.ErrInvalidRequest, Message: err.Error()}})
			return
		}
		out, err := s.StartRun(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/v1/pipelines/{id}", func(w http.ResponseWriter, r *http.Request) {
		out, err := s.RunStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /api/v1/pipelines/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := s.CancelRun(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return mux
}

func writeError(w http.ResponseWriter, err error) {
	var opErr *client.OpError
	if errors.As(err, &opErr) {
		writeJSON(w, opErr.StatusCode, map[string]any{"error": protocol.Error{Code: opErr.Code, Message: opErr.Message}})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": protocol.Error{Code: protocol.ErrUnavailable, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
