// Package scheduler owns the task collection, the FIFO admission queue and the
// concurrency limit. A single goroutine runs the loop; every public method
// hands it a closure, and workers talk to it only through events.
package scheduler

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
	"dlflow/internal/metrics"
	"dlflow/internal/store"
	"dlflow/internal/worker"
)

// Unlimited is the concurrency limit used when no cap is configured.
const Unlimited = math.MaxInt32

const (
	DefaultTickInterval = time.Second
	eventBuffer         = 256
	historyTimeout      = 5 * time.Second
)

// Launcher starts a worker for one task. Implementations must not block and
// must deliver events through emit, ending with exactly one terminal event.
type Launcher interface {
	Start(ctx context.Context, taskID, url string, p domain.Params, emit func(worker.Event)) worker.Runner
}

// ErrorSink receives every event on the error channel.
type ErrorSink interface {
	HandleError(domain.ErrorEvent)
}

type Persister interface {
	Save(store.Snapshot) error
}

// RunRecorder is the slice of the history store the scheduler writes to.
type RunRecorder interface {
	StartRun(ctx context.Context, r domain.Run) (string, error)
	FinishRun(ctx context.Context, r domain.Run) error
	DeleteRuns(ctx context.Context, taskID string) error
}

type Options struct {
	Launcher     Launcher
	State        Persister
	History      RunRecorder
	Metrics      *metrics.Metrics
	Sinks        []ErrorSink
	Limit        int // 0 means unlimited
	TickInterval time.Duration
	Defaults     domain.Params
}

type record struct {
	task   domain.Task
	runner worker.Runner
	runID  string
}

type Scheduler struct {
	launcher Launcher
	state    Persister
	history  RunRecorder
	metrics  *metrics.Metrics
	sinks    []ErrorSink
	interval time.Duration

	// owned by the loop goroutine
	tasks     map[string]*record
	queue     []string
	failed    map[string]struct{}
	active    int
	limit     int
	idCounter int64
	defaults  domain.Params
	subs      map[int]chan Change
	nextSub   int
	stopping  bool
	idle      []chan struct{}
	runCtx    context.Context

	cmds   chan func()
	events chan worker.Event
	done   chan struct{}
}

// New builds a scheduler from a reconciled snapshot. Nothing runs until Run.
func New(snap store.Snapshot, opts Options) *Scheduler {
	s := &Scheduler{
		launcher:  opts.Launcher,
		state:     opts.State,
		history:   opts.History,
		metrics:   opts.Metrics,
		sinks:     opts.Sinks,
		interval:  opts.TickInterval,
		tasks:     make(map[string]*record, len(snap.Tasks)),
		failed:    make(map[string]struct{}),
		limit:     normalizeLimit(opts.Limit),
		idCounter: snap.IDCounter,
		defaults:  opts.Defaults,
		subs:      make(map[int]chan Change),
		runCtx:    context.Background(),
		cmds:      make(chan func()),
		events:    make(chan worker.Event, eventBuffer),
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultTickInterval
	}
	for _, t := range snap.Tasks {
		s.tasks[t.ID] = &record{task: t}
		if t.Failed {
			s.failed[t.ID] = struct{}{}
		}
	}
	return s
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return Unlimited
	}
	return n
}

// Run drives the loop until ctx is done. Workers started here inherit ctx, so
// cancelling it also asks every live process to stop.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCtx = ctx
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	log.Info().Int("tasks", len(s.tasks)).Str("limit", limitString(s.limit)).Msg("scheduler started")
	s.tick()
	for {
		select {
		case <-ctx.Done():
			s.persist()
			log.Info().Msg("scheduler stopped")
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.tick()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Scheduler) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.done:
		return domain.ErrSchedulerStopped
	}
	<-finished
	return nil
}

// emit is handed to workers. Events arriving after the loop stopped are dropped.
func (s *Scheduler) emit(ev worker.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// tick is the only place capacity is consumed.
func (s *Scheduler) tick() {
	for !s.stopping && s.active < s.limit && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		rec, ok := s.tasks[id]
		if !ok {
			continue
		}
		rec.task.InQueue = false
		if rec.task.MarkedForDeletion || rec.runner != nil || rec.task.Status != domain.StatusQueued {
			continue
		}
		s.start(rec)
	}
	s.publishGauges()
}

func (s *Scheduler) start(rec *record) {
	t := &rec.task
	t.Status = domain.StatusStarting
	t.Detail = "starting"
	t.Progress, t.Speed, t.Error = "", "", ""
	t.Paused, t.Failed = false, false
	s.touch(rec)

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		id, err := s.history.StartRun(ctx, domain.Run{TaskID: t.ID, URL: t.URL, StartedAt: time.Now()})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("recording run start")
		}
		rec.runID = id
	}

	s.active++
	rec.runner = s.launcher.Start(s.runCtx, t.ID, t.URL, t.Params, s.emit)
	if s.metrics != nil {
		s.metrics.AdmissionsTotal.Inc()
	}
	log.Info().Str("task_id", t.ID).Str("url", t.URL).Int("active", s.active).Msg("task admitted")
	s.persist()
}

func (s *Scheduler) handleEvent(ev worker.Event) {
	rec, ok := s.tasks[ev.TaskID]
	if ev.Kind == worker.EventTerminal {
		s.onWorkerTerminal(ev.TaskID, rec, ev.Result)
		return
	}
	if ev.Kind == worker.EventError && ev.Error != nil {
		s.reportError(*ev.Error)
	}
	if !ok {
		return
	}
	t := &rec.task
	switch ev.Kind {
	case worker.EventStarted:
		t.Status = domain.StatusRunning
		t.Detail = "downloading"
		s.touch(rec)
		s.persist()
		return
	case worker.EventProgress:
		t.Progress = ev.Text
	case worker.EventSpeed:
		t.Speed = ev.Text
	case worker.EventStatus:
		t.Detail = ev.Text
	case worker.EventError:
		if ev.Error != nil && ev.Error.Fatal {
			t.Error = ev.Error.Message
		}
	}
	s.touch(rec)
}

// onWorkerTerminal detaches the worker, frees its slot and applies the
// outcome, or purges the record when it was marked for deletion. It always
// persists and re-runs admission.
func (s *Scheduler) onWorkerTerminal(id string, rec *record, res *worker.Result) {
	if s.active > 0 {
		s.active--
	}
	if res == nil {
		res = &worker.Result{Outcome: domain.OutcomeFailed, Err: "worker reported no result"}
	}
	if s.metrics != nil {
		s.metrics.ObserveRun(res.Outcome, res.FinishedAt.Sub(res.StartedAt))
	}

	if rec != nil {
		rec.runner = nil
		s.finishRun(rec, res)
		if rec.task.MarkedForDeletion {
			s.purge(id)
		} else {
			s.applyOutcome(rec, res)
		}
	}
	log.Info().Str("task_id", id).Str("outcome", string(res.Outcome)).Int("active", s.active).Msg("worker finished")

	s.persist()
	if s.active == 0 {
		for _, ch := range s.idle {
			close(ch)
		}
		s.idle = nil
	}
	s.tick()
}

func (s *Scheduler) applyOutcome(rec *record, res *worker.Result) {
	t := &rec.task
	status := res.Outcome.Status()
	t.Status = status
	t.Paused = status == domain.StatusPaused
	t.Failed = status.IsFailure()
	t.InQueue = false
	t.Speed = ""
	t.Error = res.Err
	t.Detail = res.Detail

	switch res.Outcome {
	case domain.OutcomeCompleted, domain.OutcomeCompletedFileMissing:
		t.FilePath = res.FilePath
	case domain.OutcomeCompletedPathUnknown:
		t.FilePath = ""
	case domain.OutcomePaused:
		if res.FilePath != "" {
			t.FilePath = res.FilePath
		}
	}
	if t.Failed {
		s.failed[t.ID] = struct{}{}
	} else {
		delete(s.failed, t.ID)
	}
	s.touch(rec)
}

func (s *Scheduler) finishRun(rec *record, res *worker.Result) {
	if s.history == nil || rec.runID == "" {
		return
	}
	finished := res.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	err := s.history.FinishRun(ctx, domain.Run{
		ID:         rec.runID,
		FinishedAt: &finished,
		Outcome:    string(res.Outcome),
		ExitCode:   res.ExitCode,
		ErrorClass: string(res.Class),
		Error:      res.Err,
		FilePath:   res.FilePath,
	})
	if err != nil {
		log.Warn().Err(err).Str("task_id", rec.task.ID).Msg("recording run finish")
	}
	rec.runID = ""
}

// purge removes a record from every structure that references it.
func (s *Scheduler) purge(id string) {
	rec, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	delete(s.failed, id)
	s.removeFromQueue(id)
	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := s.history.DeleteRuns(ctx, id); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("deleting run history")
		}
		cancel()
	}
	log.Info().Str("task_id", id).Msg("task removed")
	s.notify(Change{Type: ChangeRemoved, Task: rec.task})
}

func (s *Scheduler) removeFromQueue(id string) {
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) reportError(ev domain.ErrorEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l := log.Warn()
	if ev.Fatal {
		l = log.Error()
	}
	l.Str("task_id", ev.TaskID).Str("class", string(ev.Class)).Bool("fatal", ev.Fatal).Msg(ev.Message)
	if s.metrics != nil {
		s.metrics.HandleError(ev)
	}
	for _, sink := range s.sinks {
		sink.HandleError(ev)
	}
}

// persist writes the snapshot. Only the loop calls it, so writes never interleave.
func (s *Scheduler) persist() {
	if s.state == nil {
		return
	}
	if err := s.state.Save(s.snapshot()); err != nil {
		log.Error().Err(err).Msg("saving state")
	}
}

func (s *Scheduler) snapshot() store.Snapshot {
	return store.Snapshot{IDCounter: s.idCounter, Tasks: s.sortedTasks()}
}

func (s *Scheduler) sortedTasks() []domain.Task {
	out := make([]domain.Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.task)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// idLess orders numeric ids numerically and anything else after them.
func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

func (s *Scheduler) touch(rec *record) {
	rec.task.UpdatedAt = time.Now()
	s.notify(Change{Type: ChangeUpdated, Task: rec.task})
}

func (s *Scheduler) publishGauges() {
	if s.metrics == nil {
		return
	}
	limit := s.limit
	if limit == Unlimited {
		limit = 0
	}
	s.metrics.SetScheduler(s.active, len(s.queue), limit)
}

func limitString(n int) string {
	if n == Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
