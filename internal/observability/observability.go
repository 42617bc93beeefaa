// Package observability exposes the orchestrator's synchronous HTTP
// surface: metrics, job listing/detail, and runtime config read/patch.
package observability

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/scheduler"
	"github.com/comic2pdf/orchestrator/internal/store"
	"github.com/comic2pdf/orchestrator/internal/types"
)

// Server wires the scheduler's snapshot/patch methods into HTTP handlers.
// All reads take a snapshot under the scheduler's own mutex; the server
// itself holds no lock and never blocks the tick.
type Server struct {
	sched  *scheduler.Scheduler
	layout store.Layout
	log    logging.Logger
	router *mux.Router
}

// New builds a Server ready to ListenAndServe.
func New(sched *scheduler.Scheduler, layout store.Layout, log logging.Logger) *Server {
	s := &Server{sched: sched, layout: layout, log: log, router: mux.NewRouter().StrictSlash(false)}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.handleJobsList).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{jobKey}", s.handleJobDetail).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.handleConfigGet).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.handleConfigPost).Methods(http.MethodPost)
}

// ServeHTTP lets Server be handed directly to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.sched.SnapshotMetrics()
	writeJSON(w, http.StatusOK, m)
}

// jobListEntry merges one index entry with its inFlight bookkeeping, if any.
type jobListEntry struct {
	JobKey    string `json:"jobKey"`
	State     string `json:"state"`
	InputName string `json:"inputName"`
	OutPdf    string `json:"outPdf,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	idx := store.ReadIndex(s.layout)
	inFlight := s.sched.SnapshotInFlight()

	list := make([]jobListEntry, 0, len(idx.Jobs))
	for jobKey, entry := range idx.Jobs {
		je := jobListEntry{
			JobKey:    entry.JobKey,
			State:     entry.State,
			InputName: entry.InputName,
			OutPdf:    entry.OutPdf,
			UpdatedAt: entry.UpdatedAt,
		}
		if e, ok := inFlight[jobKey]; ok {
			je.Stage = string(e.Stage)
			je.Attempt = maxInt(e.AttemptPrep, e.AttemptOcr)
		}
		list = append(list, je)
	}
	writeJSON(w, http.StatusOK, list)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	jobKey := mux.Vars(r)["jobKey"]
	if jobKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing jobKey"})
		return
	}

	var state types.JobStateFile
	ok, _ := store.SafeLoadJSON(s.layout.JobStatePath(jobKey), &state)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Config())
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected a JSON object"})
		return
	}
	applied := s.sched.UpdateConfig(patch)
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}
