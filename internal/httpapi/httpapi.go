// Package httpapi exposes read-only run/task introspection over HTTP,
// backed directly by the backend.Backend interface. It is intentionally
// thin stdlib net/http: no router dependency appears as a strong
// candidate across the examined pack for a handful of read-only routes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pipelinetool/pipelinetool/internal/backend"
)

// Server serves GET /runs, GET /runs/{id}/tasks,
// GET /runs/{id}/tasks/{id}/result, and GET /runs/{id}/tasks/{id}/log.
type Server struct {
	Backend backend.Backend
	// Pipeline scopes the /runs listing; set per deployment since the
	// backend itself is multi-pipeline but this read surface is kept
	// simple (one pipeline per mux, matching spec.md's "runs" framing).
	Pipeline string
}

// New constructs a Server.
func New(be backend.Backend, pipeline string) *Server {
	return &Server{Backend: be, Pipeline: pipeline}
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunSubpath)
	return mux
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runs, err := s.Backend.RecentRuns(r.Context(), s.Pipeline, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, runs)
}

// handleRunSubpath routes /runs/{id}/tasks, /runs/{id}/tasks/{taskID}/result
// and /runs/{id}/tasks/{taskID}/log, the three nested read routes, since
// net/http's pre-1.22 ServeMux has no path-parameter syntax this module
// relies on (go.mod targets 1.22, but the pattern matching here is
// written defensively against older net/http semantics too).
func (s *Server) handleRunSubpath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs/"), "/"), "/")
	if len(parts) < 2 || parts[1] != "tasks" {
		http.NotFound(w, r)
		return
	}
	runID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	switch len(parts) {
	case 2:
		s.handleRunTasks(w, r, runID)
	case 4:
		taskID, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "invalid task id", http.StatusBadRequest)
			return
		}
		switch parts[3] {
		case "result":
			s.handleTaskResult(w, r, runID, taskID)
		case "log":
			s.handleTaskLog(w, r, runID, taskID)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request, runID int64) {
	tasks, err := s.Backend.AllTasks(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request, runID int64, taskID int) {
	result, err := s.Backend.LatestResult(r.Context(), runID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		http.Error(w, "no result recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, result)
}

// handleTaskLog surfaces the backend's per-line log sink (spec.md §4.2's
// logs capability) as a JSON array of lines, covering every attempt of
// the task in the order they were appended.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request, runID int64, taskID int) {
	lines, err := s.Backend.ReadLog(r.Context(), runID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, lines)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
