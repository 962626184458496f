// Package api is the HTTP control surface over the scheduler, the schedule
// service and the run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
	"dlflow/internal/resolve"
	"dlflow/internal/scheduler"
	"dlflow/internal/store"
	"dlflow/internal/ytdlp"
)

// Controller is the part of the scheduler the API drives.
type Controller interface {
	Tasks() ([]domain.Task, error)
	Get(id string) (domain.Task, error)
	AddEntries(entries []ytdlp.Entry, p *domain.Params, enqueue bool) ([]domain.Task, error)
	Enqueue(id string) error
	Pause(id string) error
	Retry(id string) error
	Delete(id string) (bool, error)
	StartAll() (int, error)
	PauseAll(clearQueue bool) error
	SetConcurrency(n int) error
	Concurrency() (int, error)
	Defaults() (domain.Params, error)
	SetDefaults(p domain.Params) (domain.Params, error)
	Stats() (scheduler.Stats, error)
	Subscribe() (<-chan scheduler.Change, func(), error)
}

type Schedules interface {
	Create(ctx context.Context, sch domain.Schedule) (domain.Schedule, error)
	Update(ctx context.Context, sch domain.Schedule) (domain.Schedule, error)
	Get(ctx context.Context, id string) (domain.Schedule, error)
	List(ctx context.Context) ([]domain.Schedule, error)
	Delete(ctx context.Context, id string) error
}

type RunLister interface {
	ListRuns(ctx context.Context, taskID string, limit int) ([]domain.Run, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) ([]ytdlp.Entry, error)
}

type Options struct {
	Scheduler Controller
	Schedules Schedules
	Runs      RunLister
	Resolver  Resolver
	Metrics   http.Handler
	Debug     bool
	// Done ends open event streams when closed, typically on server shutdown.
	Done      <-chan struct{}
}

type Server struct {
	r     *chi.Mux
	sched Controller
	crons Schedules
	runs  RunLister
	res   Resolver
	done  <-chan struct{}
}

func NewServer(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: opts.Scheduler, crons: opts.Schedules, runs: opts.Runs, res: opts.Resolver, done: opts.Done}

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTasks)
		r.Post("/tasks/start-all", s.startAll)
		r.Post("/tasks/pause-all", s.pauseAll)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/start", s.startTask)
		r.Post("/tasks/{id}/pause", s.pauseTask)
		r.Post("/tasks/{id}/retry", s.retryTask)
		r.Get("/tasks/{id}/runs", s.listRuns)

		r.Get("/stats", s.stats)
		r.Get("/concurrency", s.getConcurrency)
		r.Put("/concurrency", s.setConcurrency)
		r.Get("/defaults", s.getDefaults)
		r.Put("/defaults", s.setDefaults)
		r.Post("/resolve", s.resolve)
		r.Get("/events", s.events)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// taskView adds the decorated status shown to users.
type taskView struct {
	domain.Task
	Display string `json:"display_status"`
}

func viewOf(t domain.Task) taskView { return taskView{Task: t, Display: t.DisplayStatus()} }

func viewsOf(ts []domain.Task) []taskView {
	out := make([]taskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewOf(t))
	}
	return out
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.sched.Tasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

type createTasksReq struct {
	URL     string         `json:"url"`
	Title   string         `json:"title"`
	Params  *domain.Params `json:"params"`
	Resolve bool           `json:"resolve"`
	Start   bool           `json:"start"`
}

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	entries := []ytdlp.Entry{{URL: req.URL, Title: req.Title}}
	if req.Resolve {
		if s.res == nil {
			http.Error(w, "link resolution is not available", http.StatusNotImplemented)
			return
		}
		rreq, err := s.resolveRequest(req.URL, req.Params)
		if err != nil {
			writeError(w, err)
			return
		}
		resolved, err := s.res.Resolve(r.Context(), rreq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if len(resolved) == 0 {
			http.Error(w, "link resolved to no entries", http.StatusUnprocessableEntity)
			return
		}
		entries = resolved
	}

	tasks, err := s.sched.AddEntries(entries, req.Params, req.Start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewsOf(tasks))
}

// resolveRequest takes cookies and extra arguments from the request params,
// falling back to the current defaults.
func (s *Server) resolveRequest(url string, p *domain.Params) (resolve.Request, error) {
	src := p
	if src == nil {
		d, err := s.sched.Defaults()
		if err != nil {
			return resolve.Request{}, err
		}
		src = &d
	}
	return resolve.Request{
		URL:            url,
		CookiesFile:    src.CookiesFile,
		CookiesBrowser: src.CookiesBrowser,
		ExtraArgs:      src.ExtraArgs,
	}, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	deferred, err := s.sched.Delete(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if deferred {
		writeJSON(w, http.StatusAccepted, map[string]any{"deferred": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.Enqueue)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.Pause)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.Retry)
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := chi.URLParam(r, "id")
	if err := action(id); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.sched.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(t))
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.StartAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *Server) pauseAll(w http.ResponseWriter, r *http.Request) {
	clearQueue, _ := strconv.ParseBool(r.URL.Query().Get("clear_queue"))
	if err := s.sched.PauseAll(clearQueue); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []domain.Run{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.runs.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type concurrencyBody struct {
	Limit int `json:"limit"` // 0 = unlimited
}

func (s *Server) getConcurrency(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.Concurrency()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, concurrencyBody{Limit: n})
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Limit < 0 {
		http.Error(w, "limit must be zero (unlimited) or positive", http.StatusBadRequest)
		return
	}
	if err := s.sched.SetConcurrency(req.Limit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) getDefaults(w http.ResponseWriter, r *http.Request) {
	p, err := s.sched.Defaults()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) setDefaults(w http.ResponseWriter, r *http.Request) {
	var p domain.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.sched.SetDefaults(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	if s.res == nil {
		http.Error(w, "link resolution is not available", http.StatusNotImplemented)
		return
	}
	var req resolve.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	entries, err := s.res.Resolve(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// events streams task changes as server-sent events until the client leaves
// or the server shuts down.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	changes, stop, err := s.sched.Subscribe()
	if err != nil {
		writeError(w, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(struct {
				Type scheduler.ChangeType `json:"type"`
				Task taskView             `json:"task"`
			}{c.Type, viewOf(c.Task)})
			if err != nil {
				log.Error().Err(err).Str("task_id", c.Task.ID).Msg("encode change")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data)
			flusher.Flush()
		}
	}
}

type scheduleReq struct {
	Name     string                `json:"name"`
	CronExpr string                `json:"cron_expr"`
	Action   domain.ScheduleAction `json:"action"`
	URL      string                `json:"url"`
	Title    string                `json:"title"`
	Enabled  *bool                 `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch := domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		Action:   req.Action,
		URL:      req.URL,
		Title:    req.Title,
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	created, err := s.crons.Create(r.Context(), sch)
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.crons.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.crons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.crons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeScheduleError(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Update fields
	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		schedule.CronExpr = req.CronExpr
	}
	if req.Action != "" {
		schedule.Action = req.Action
	}
	if req.URL != "" {
		schedule.URL = req.URL
	}
	if req.Title != "" {
		schedule.Title = req.Title
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	updated, err := s.crons.Update(r.Context(), schedule)
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.crons.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeScheduleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeScheduleError separates unknown ids and storage failures from
// validation problems, which are the caller's fault.
func writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrScheduleNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func isValidationError(err error) bool {
	var verr *scheduler.ValidationError
	return errors.As(err, &verr)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrNotEligible), errors.Is(err, domain.ErrTaskActive), errors.Is(err, domain.ErrMarkedForDeletion):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParams):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidOutputDir):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSchedulerStopped):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
