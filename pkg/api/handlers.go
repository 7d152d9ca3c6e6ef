package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cuemby/overwatch/pkg/configstore"
	"github.com/cuemby/overwatch/pkg/membership"
	"github.com/cuemby/overwatch/pkg/metrics"
	"github.com/cuemby/overwatch/pkg/types"
)

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/snapshots", s.handleSnapshots)
	s.mux.HandleFunc("GET /v1/snapshots/{timestamp}", s.handleSnapshot)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/membership", s.handleMembership)
}

// SnapshotView is a snapshot as served over HTTP. Key material is never
// served, only whether the sidecar is present.
type SnapshotView struct {
	Timestamp int64             `json:"timestamp"`
	Comment   string            `json:"comment,omitempty"`
	Config    *types.Deployment `json:"config"`
	HasKeys   bool              `json:"has_keys"`
}

// MembershipView is the raft group's state as served over HTTP
type MembershipView struct {
	Stats   map[string]interface{}  `json:"stats"`
	Reports []membership.NodeReport `json:"reports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots are not served by this node")
		return
	}
	list, err := s.snapshots.ListSnapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []types.SnapshotInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots are not served by this node")
		return
	}

	var (
		snap *types.Snapshot
		err  error
	)
	if raw := r.PathValue("timestamp"); raw == "current" {
		snap, err = s.snapshots.LoadCurrent()
	} else {
		ts, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "timestamp must be an integer or \"current\"")
			return
		}
		snap, err = s.snapshots.Load(ts)
	}

	switch {
	case errors.Is(err, configstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, SnapshotView{
			Timestamp: snap.Timestamp,
			Comment:   snap.Comment,
			Config:    snap.Config,
			HasKeys:   snap.Keys != nil,
		})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	list := s.events.List()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(list) {
		list = list[len(list)-limit:]
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	if s.membership == nil {
		writeError(w, http.StatusNotFound, "this node is not part of a membership group")
		return
	}
	writeJSON(w, http.StatusOK, MembershipView{
		Stats:   s.membership.Stats(),
		Reports: s.membership.Reports(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
