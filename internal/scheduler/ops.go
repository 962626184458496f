package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
	"dlflow/internal/params"
	"dlflow/internal/ytdlp"
)

// Cancellation reasons passed to workers.
const (
	ReasonUser     = "user"
	ReasonPauseAll = "pause_all"
	ReasonDelete   = "delete"
	ReasonShutdown = "shutdown"
)

type ChangeType string

const (
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change is one entry on the subscription stream.
type Change struct {
	Type ChangeType  `json:"type"`
	Task domain.Task `json:"task"`
}

type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Queued int `json:"queued"`
	Failed int `json:"failed"`
	Limit  int `json:"limit"` // 0 when unlimited
}

// Add creates a waiting task. A nil p takes the current defaults.
func (s *Scheduler) Add(url, title string, p *domain.Params) (domain.Task, error) {
	tasks, err := s.AddEntries([]ytdlp.Entry{{URL: url, Title: title}}, p, false)
	if err != nil {
		return domain.Task{}, err
	}
	return tasks[0], nil
}

// Submit creates a task with the default parameters and enqueues it.
func (s *Scheduler) Submit(url, title string) (domain.Task, error) {
	tasks, err := s.AddEntries([]ytdlp.Entry{{URL: url, Title: title}}, nil, true)
	if err != nil {
		return domain.Task{}, err
	}
	return tasks[0], nil
}

// AddEntries creates one task per entry, typically the result of resolving a
// playlist link. With enqueue set each new task is admitted right away;
// enqueue failures are reflected on the task rather than returned.
func (s *Scheduler) AddEntries(entries []ytdlp.Entry, p *domain.Params, enqueue bool) ([]domain.Task, error) {
	for _, e := range entries {
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("%w: entry without url", domain.ErrInvalidParams)
		}
	}
	var (
		out   []domain.Task
		opErr error
	)
	err := s.do(func() {
		base := s.defaults
		if p != nil {
			base = *p
		}
		norm, err := params.Normalize(base)
		if err != nil {
			opErr = fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
			return
		}
		for _, e := range entries {
			s.idCounter++
			now := time.Now()
			title := strings.TrimSpace(e.Title)
			if title == "" {
				title = e.URL
			}
			rec := &record{task: domain.Task{
				ID:        strconv.FormatInt(s.idCounter, 10),
				URL:       strings.TrimSpace(e.URL),
				Title:     title,
				Status:    domain.StatusWaiting,
				Params:    norm,
				CreatedAt: now,
				UpdatedAt: now,
			}}
			s.tasks[rec.task.ID] = rec
			log.Info().Str("task_id", rec.task.ID).Str("url", rec.task.URL).Msg("task added")
			if enqueue {
				if err := s.enqueue(rec.task.ID); err != nil {
					log.Warn().Err(err).Str("task_id", rec.task.ID).Msg("enqueue after add")
				}
			} else {
				s.touch(rec)
			}
			out = append(out, rec.task)
		}
		s.persist()
		s.tick()
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Enqueue admits a waiting, paused or failed task into the queue. It is a
// no-op for tasks already queued or running.
func (s *Scheduler) Enqueue(id string) error {
	var opErr error
	err := s.do(func() {
		opErr = s.enqueue(id)
		s.tick()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Scheduler) enqueue(id string) error {
	rec, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	t := &rec.task
	if t.MarkedForDeletion || rec.runner != nil || t.InQueue {
		return nil
	}
	if !t.Status.Enqueueable() {
		return fmt.Errorf("%w: task %s is %s", domain.ErrNotEligible, id, t.Status)
	}

	repaired, changed, err := params.Repair(t.Params, s.defaults)
	if err != nil {
		t.Status = domain.StatusFailed
		t.Failed, t.Paused = true, false
		t.Error = err.Error()
		t.Detail = "no usable output directory"
		s.failed[id] = struct{}{}
		s.reportError(domain.ErrorEvent{TaskID: id, Class: domain.ClassConfig, Message: t.Error, Fatal: true})
		s.touch(rec)
		s.persist()
		return err
	}
	if changed {
		log.Warn().Str("task_id", id).Str("output_dir", repaired.OutputDir).Msg("output directory unusable, using defaults")
		t.Params = repaired
	}

	t.Status = domain.StatusQueued
	t.Paused, t.Failed, t.InQueue = false, false, true
	t.Error = ""
	t.Detail = "queued"
	delete(s.failed, id)
	s.queue = append(s.queue, id)
	s.touch(rec)
	s.persist()
	return nil
}

// Resume is Enqueue under the name the pause/resume pair uses.
func (s *Scheduler) Resume(id string) error { return s.Enqueue(id) }

// Retry clears progress and speed, keeps the last known file path and
// enqueues the task again, whatever state it ended in.
func (s *Scheduler) Retry(id string) error {
	var opErr error
	err := s.do(func() {
		rec, ok := s.tasks[id]
		switch {
		case !ok:
			opErr = domain.ErrTaskNotFound
			return
		case rec.task.MarkedForDeletion:
			opErr = domain.ErrMarkedForDeletion
			return
		case rec.runner != nil || rec.task.InQueue:
			opErr = fmt.Errorf("%w: task %s", domain.ErrTaskActive, id)
			return
		}
		rec.task.Progress, rec.task.Speed = "", ""
		rec.task.Status = domain.StatusWaiting
		opErr = s.enqueue(id)
		s.tick()
	})
	if err != nil {
		return err
	}
	return opErr
}

// StartAll enqueues every eligible task that is not already active and
// returns how many were queued.
func (s *Scheduler) StartAll() (int, error) {
	var n int
	err := s.do(func() {
		for _, t := range s.sortedTasks() {
			rec := s.tasks[t.ID]
			if rec.runner != nil || t.InQueue || t.MarkedForDeletion || !t.Status.Enqueueable() {
				continue
			}
			if err := s.enqueue(t.ID); err == nil {
				n++
			}
		}
		s.tick()
	})
	log.Info().Int("queued", n).Msg("start all")
	return n, err
}

// Pause stops a running task or takes a queued one out of the queue. A
// running task stays running until its worker reports Paused.
func (s *Scheduler) Pause(id string) error {
	var opErr error
	err := s.do(func() {
		rec, ok := s.tasks[id]
		if !ok {
			opErr = domain.ErrTaskNotFound
			return
		}
		switch {
		case rec.runner != nil:
			rec.runner.Cancel(ReasonUser)
			rec.task.Detail = "pausing"
			s.touch(rec)
		case rec.task.InQueue:
			s.removeFromQueue(id)
			s.markPaused(rec)
			s.persist()
			s.publishGauges()
		default:
			opErr = fmt.Errorf("%w: task %s is %s", domain.ErrNotEligible, id, rec.task.Status)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// PauseAll signals every live worker to stop. With clearQueue the queue is
// drained back to paused without starting anything.
func (s *Scheduler) PauseAll(clearQueue bool) error {
	return s.do(func() {
		signalled := 0
		for _, rec := range s.tasks {
			if rec.runner != nil {
				rec.runner.Cancel(ReasonPauseAll)
				rec.task.Detail = "pausing"
				s.touch(rec)
				signalled++
			}
		}
		drained := 0
		if clearQueue {
			for _, id := range s.queue {
				if rec, ok := s.tasks[id]; ok {
					s.markPaused(rec)
					drained++
				}
			}
			s.queue = nil
			s.persist()
		}
		s.publishGauges()
		log.Info().Int("signalled", signalled).Int("drained", drained).Msg("pause all")
	})
}

func (s *Scheduler) markPaused(rec *record) {
	rec.task.Status = domain.StatusPaused
	rec.task.Paused, rec.task.InQueue = true, false
	rec.task.Detail = "paused"
	s.touch(rec)
}

// Delete removes a task. A task with a live worker is marked and its worker
// told to stop; the record goes away when the worker reports. deferred tells
// which of the two happened.
func (s *Scheduler) Delete(id string) (deferred bool, err error) {
	var opErr error
	err = s.do(func() {
		rec, ok := s.tasks[id]
		if !ok {
			opErr = domain.ErrTaskNotFound
			return
		}
		if rec.task.MarkedForDeletion {
			deferred = true
			return
		}
		rec.task.MarkedForDeletion = true
		if rec.runner != nil {
			rec.runner.Cancel(ReasonDelete)
			deferred = true
			s.touch(rec)
			s.persist()
			log.Info().Str("task_id", id).Msg("task marked for deletion, waiting for worker")
			return
		}
		s.purge(id)
		s.persist()
		s.publishGauges()
	})
	if err != nil {
		return false, err
	}
	return deferred, opErr
}

// SetConcurrency changes the limit. Raising it admits more queued tasks at
// once; lowering it never stops running ones. n <= 0 means unlimited.
func (s *Scheduler) SetConcurrency(n int) error {
	return s.do(func() {
		s.limit = normalizeLimit(n)
		log.Info().Str("limit", limitString(s.limit)).Msg("concurrency limit changed")
		s.tick()
	})
}

// Concurrency returns the limit, 0 when unlimited.
func (s *Scheduler) Concurrency() (int, error) {
	var n int
	err := s.do(func() {
		n = s.limit
		if n == Unlimited {
			n = 0
		}
	})
	return n, err
}

func (s *Scheduler) Defaults() (domain.Params, error) {
	var p domain.Params
	err := s.do(func() { p = s.defaults })
	return p, err
}

// SetDefaults replaces the default Parameter Set after normalising it and
// making sure its output directory is usable.
func (s *Scheduler) SetDefaults(p domain.Params) (domain.Params, error) {
	norm, err := params.Normalize(p)
	if err != nil {
		return domain.Params{}, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if err := params.EnsureOutputDir(norm.OutputDir); err != nil {
		return domain.Params{}, err
	}
	err = s.do(func() { s.defaults = norm })
	return norm, err
}

// Tasks returns a copy of every task ordered by id.
func (s *Scheduler) Tasks() ([]domain.Task, error) {
	var out []domain.Task
	err := s.do(func() { out = s.sortedTasks() })
	return out, err
}

func (s *Scheduler) Get(id string) (domain.Task, error) {
	var (
		t  domain.Task
		ok bool
	)
	err := s.do(func() {
		var rec *record
		if rec, ok = s.tasks[id]; ok {
			t = rec.task
		}
	})
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *Scheduler) Stats() (Stats, error) {
	var st Stats
	err := s.do(func() {
		st = Stats{Total: len(s.tasks), Active: s.active, Queued: len(s.queue), Failed: len(s.failed), Limit: s.limit}
		if st.Limit == Unlimited {
			st.Limit = 0
		}
	})
	return st, err
}

// QueueOrder returns the ids waiting for admission, head first.
func (s *Scheduler) QueueOrder() ([]string, error) {
	var out []string
	err := s.do(func() { out = append([]string(nil), s.queue...) })
	return out, err
}

// Subscribe returns a stream of task changes and a function that ends the
// subscription. Slow subscribers lose changes rather than stall the loop.
func (s *Scheduler) Subscribe() (<-chan Change, func(), error) {
	ch := make(chan Change, 64)
	var id int
	err := s.do(func() {
		if s.stopping {
			close(ch)
			return
		}
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
	})
	if err != nil {
		return nil, func() {}, err
	}
	cancel := func() {
		_ = s.do(func() {
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

// closeSubscriptions ends every open stream so readers can return.
func (s *Scheduler) closeSubscriptions() {
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Scheduler) notify(c Change) {
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			log.Debug().Int("subscriber", id).Str("task_id", c.Task.ID).Msg("subscriber slow, change dropped")
		}
	}
}

// Shutdown stops admission, asks every live worker to stop and waits for all
// of them to report or for ctx to end. Queued tasks stay queued and come back
// paused on the next start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	err := s.do(func() {
		s.stopping = true
		s.closeSubscriptions()
		for _, rec := range s.tasks {
			if rec.runner != nil {
				rec.runner.Cancel(ReasonShutdown)
			}
		}
		if s.active == 0 {
			close(idle)
			return
		}
		s.idle = append(s.idle, idle)
	})
	if err != nil {
		return err
	}
	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
	return s.do(s.persist)
}
