package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triggerd/internal/history"
	"triggerd/internal/scheduler"
	"triggerd/pkg/logx"
)

// Deps are the scheduler-facing hooks the handlers call. History may be nil
// when the run store is disabled; /api/runs then serves the in-memory ring.
type Deps struct {
	Snapshot func() scheduler.Snapshot
	RunNow   func(name string) (runID string, err error)
	Recent   func(ctx context.Context, job string, limit int) ([]history.Run, error)
}

type jobView struct {
	Job     string    `json:"job"`
	Spec    string    `json:"spec"`
	Timeout string    `json:"timeout,omitempty"`
	Overlap string    `json:"overlap"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
}

type runView struct {
	RunID    string    `json:"run_id"`
	Job      string    `json:"job"`
	Trigger  string    `json:"trigger"`
	Started  time.Time `json:"started"`
	TookMS   int64     `json:"took_ms"`
	Status   string    `json:"status"`
	ExitCode int       `json:"exit_code"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	LogPath  string    `json:"log_path,omitempty"`
}

func (s *Service) handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/jobs", wrap(s.handleJobs))
	mux.HandleFunc("POST /api/jobs/{name}/run", wrap(s.handleDispatch))
	mux.HandleFunc("GET /api/runs", wrap(s.handleRuns))
	return mux
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshot == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	snap := s.deps.Snapshot()
	out := make([]jobView, 0, len(snap.Schedules))
	for _, sc := range snap.Schedules {
		jv := jobView{
			Job:     sc.Job,
			Spec:    sc.Spec,
			Overlap: sc.Overlap,
			Running: sc.Running,
			Next:    sc.Next,
			Prev:    sc.Prev,
		}
		if sc.Timeout > 0 {
			jv.Timeout = sc.Timeout.String()
		}
		out = append(out, jv)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  snap.Enabled,
		"timezone": snap.Timezone,
		"jobs":     out,
	})
}

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.RunNow == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter().Allow() {
		http.Error(w, "too many dispatch requests", http.StatusTooManyRequests)
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	runID, err := s.deps.RunNow(name)
	switch {
	case err == nil:
		s.log.Info("api dispatch", logx.String("job", name), logx.String("run_id", runID))
		writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "run_id": runID})
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, "job already running", http.StatusConflict)
	case errors.Is(err, scheduler.ErrQueueFull):
		http.Error(w, "dispatch queue full", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	job := strings.TrimSpace(r.URL.Query().Get("job"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.deps.Recent != nil {
		runs, err := s.deps.Recent(r.Context(), job, limit)
		if err == nil {
			out := make([]runView, 0, len(runs))
			for _, hr := range runs {
				out = append(out, runView{
					RunID: hr.RunID, Job: hr.Job, Trigger: hr.Trigger,
					Started: hr.StartedAt, TookMS: hr.TookMS, Status: hr.Status,
					ExitCode: hr.ExitCode, Attempts: hr.Attempts,
					Error: hr.Error, LogPath: hr.LogPath,
				})
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": out})
			return
		}
		s.log.Warn("run store query failed; serving in-memory history", logx.Err(err))
	}

	if s.deps.Snapshot == nil {
		http.Error(w, "scheduler unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]runView, 0, limit)
	for _, h := range s.deps.Snapshot().History {
		if job != "" && h.Job != job {
			continue
		}
		status := "ok"
		if h.Error != "" {
			status = "failed"
		}
		out = append(out, runView{
			RunID: h.RunID, Job: h.Job, Trigger: h.Trigger,
			Started: h.Started, TookMS: h.Duration.Milliseconds(), Status: status,
			ExitCode: h.ExitCode, Attempts: h.Attempts,
			Error: h.Error, LogPath: h.LogPath,
		})
		if len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
