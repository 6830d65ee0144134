package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	"cadence/internal/executor"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

// Runs is the executor surface the API needs.
type Runs interface {
	Trigger(ctx context.Context, jobID string) (string, error)
	Status(jobID string) (workflow.JobStatus, error)
	History(limit int) []workflow.Execution
}

// Jobs lists the scheduler's job set.
type Jobs interface {
	Jobs() []workflow.Job
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Runs Runs
	Jobs Jobs
	Bus  eventbus.Bus
	// Diagnostics, when set, backs GET /v1/diagnostics.
	Diagnostics func() any
}

type api struct {
	deps      Deps
	log       logx.Logger
	limiter   *rate.Limiter
	heartbeat time.Duration
}

// TriggerResponse is the body of a 202 from the trigger endpoint.
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the control API. It does not apply authentication.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	cfg = cfg.withDefaults()
	a := &api{
		deps:      deps,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.TriggerRate), cfg.TriggerBurst),
		heartbeat: cfg.Heartbeat,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", a.listJobs)
		r.Post("/jobs/{id}/trigger", a.trigger)
		r.Get("/jobs/{id}/status", a.status)
		r.Get("/history", a.history)
		r.Get("/events", a.events)
		if deps.Diagnostics != nil {
			r.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, deps.Diagnostics())
			})
		}
	})
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := a.deps.Jobs.Jobs()
	if jobs == nil {
		jobs = []workflow.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *api) trigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many manual triggers")
		return
	}
	execID, err := a.deps.Runs.Trigger(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	a.log.Info("manual trigger accepted", logx.String("job", id), logx.String("execution", execID))
	writeJSON(w, http.StatusAccepted, TriggerResponse{ExecutionID: execID})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Runs.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	hist := a.deps.Runs.History(limit)
	if hist == nil {
		hist = []workflow.Execution{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// events streams bus events as Server-Sent Events. Last-Event-ID (or
// ?after=) replays retained events newer than that sequence number.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var after uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		after, _ = strconv.ParseUint(raw, 10, 64)
	} else if raw := r.URL.Query().Get("after"); raw != "" {
		after, _ = strconv.ParseUint(raw, 10, 64)
	}
	var prefixes []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	// Subscribe before replaying so nothing falls between the two.
	live, unsub := a.deps.Bus.Subscribe(64, prefixes...)
	defer unsub()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := after
	send := func(e eventbus.Event) bool {
		if e.Seq <= last {
			return true
		}
		if !matches(e.Type, prefixes) {
			return true
		}
		data, err := json.Marshal(e)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data); err != nil {
			return false
		}
		last = e.Seq
		flusher.Flush()
		return true
	}

	for _, e := range a.deps.Bus.Recent(after) {
		if !send(e) {
			return
		}
	}

	hb := time.NewTicker(a.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok || !send(e) {
				return
			}
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func matches(typ string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, executor.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorText(err error) string {
	if errors.Is(err, executor.ErrAlreadyRunning) {
		return executor.ErrAlreadyRunning.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
