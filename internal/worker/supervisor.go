// Package worker runs the external download tool for one task at a time and
// turns its output into events for the scheduler.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
	"dlflow/internal/ytdlp"
)

const (
	DefaultStopGrace   = 5 * time.Second
	DefaultWaitTimeout = 5 * time.Minute
	DefaultHookTimeout = 2 * time.Minute

	maxLineBytes = 1 << 20
)

type EventKind string

const (
	EventStarted  EventKind = "started"
	EventProgress EventKind = "progress"
	EventSpeed    EventKind = "speed"
	EventStatus   EventKind = "status"
	EventError    EventKind = "error"
	EventTerminal EventKind = "terminal"
)

// Event is what a worker reports upward. Text carries progress, speed or
// status; an empty speed clears the display. Error is set for EventError and
// Result for EventTerminal.
type Event struct {
	TaskID string
	Kind   EventKind
	Text   string
	PID    int
	Error  *domain.ErrorEvent
	Result *Result
}

// Result is the single terminal report of one run.
type Result struct {
	Outcome      domain.Outcome
	FilePath     string
	ExitCode     int
	Class        domain.ErrorClass
	Err          string
	Detail       string
	CancelReason string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// HookRunner executes the post-processing hook for a completed file.
type HookRunner interface {
	Run(ctx context.Context, script, file string) (string, error)
}

type Options struct {
	Executable     string
	OutputTemplate string
	StopGrace      time.Duration
	WaitTimeout    time.Duration
	HookTimeout    time.Duration
	Hook           HookRunner
}

func (o Options) withDefaults() Options {
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = DefaultHookTimeout
	}
	return o
}

// Supervisor owns one process run for one task. Run may be called once.
type Supervisor struct {
	taskID string
	url    string
	params domain.Params
	opts   Options

	// mu guards everything below. It is held only to check and signal,
	// never across a blocking wait.
	mu        sync.Mutex
	cancelReq *CancelRequest
	cmd       *exec.Cmd
	pgid      int
	exited    bool
	finished  *Result
	killTimer *time.Timer
}

// NewSupervisor binds a run to a private copy of the Parameter Set.
func NewSupervisor(taskID, url string, p domain.Params, opts Options) *Supervisor {
	return &Supervisor{taskID: taskID, url: url, params: p, opts: opts.withDefaults()}
}

// Cancel asks the run to stop. The first call records the reason and signals
// the process group; later calls return the same request. Cancel never blocks
// on the process.
func (s *Supervisor) Cancel(reason string) *CancelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelReq != nil {
		return s.cancelReq
	}
	req := NewCancelRequest(reason)
	s.cancelReq = req
	if s.finished != nil {
		req.Resolve(s.finished.Outcome)
		return req
	}
	if s.cmd == nil || s.exited {
		return req
	}
	logger := log.With().Str("task_id", s.taskID).Int("pgid", s.pgid).Str("reason", reason).Logger()
	logger.Info().Msg("stopping download")
	if err := terminateGroup(s.pgid); err != nil {
		logger.Warn().Err(err).Msg("graceful stop failed, killing")
		s.killLocked()
		return req
	}
	s.killTimer = time.AfterFunc(s.opts.StopGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.exited {
			logger.Warn().Dur("grace", s.opts.StopGrace).Msg("process still alive after grace period, killing")
			s.killLocked()
		}
	})
	return req
}

func (s *Supervisor) killLocked() {
	if s.cmd == nil || s.exited {
		return
	}
	if err := killGroup(s.pgid); err != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReq != nil
}

// Run executes the download and emits events in order, ending with exactly
// one EventTerminal. Cancelling ctx stops the run with reason "shutdown".
func (s *Supervisor) Run(ctx context.Context, emit func(Event)) {
	started := time.Now()
	res := s.run(ctx, emit)
	res.StartedAt = started
	res.FinishedAt = time.Now()

	s.mu.Lock()
	s.finished = &res
	req := s.cancelReq
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.mu.Unlock()
	if req != nil {
		res.CancelReason = req.Reason
	}

	log.Info().Str("task_id", s.taskID).Str("outcome", string(res.Outcome)).Int("exit_code", res.ExitCode).
		Dur("took", res.FinishedAt.Sub(started)).Msg("download finished")
	emit(Event{TaskID: s.taskID, Kind: EventTerminal, Result: &res})
	if req != nil {
		req.Resolve(res.Outcome)
	}
}

func (s *Supervisor) run(ctx context.Context, emit func(Event)) Result {
	logger := log.With().Str("task_id", s.taskID).Logger()
	fail := func(class domain.ErrorClass, msg string) Result {
		s.emitError(emit, class, msg, true)
		return Result{Outcome: domain.OutcomeFailed, ExitCode: -1, Class: class, Err: msg, Detail: msg}
	}

	command, err := ytdlp.BuildCommand(s.opts.Executable, s.url, s.opts.OutputTemplate, s.params)
	if err != nil {
		return fail(domain.ClassConfig, fmt.Sprintf("building command: %v", err))
	}
	for _, w := range command.Warnings {
		logger.Warn().Msg(w)
		s.emitError(emit, domain.ClassConfig, w, false)
	}

	// Spawn under the lock so a concurrent Cancel either sees no process and
	// leaves the flag for us, or sees the recorded group.
	s.mu.Lock()
	if s.cancelReq != nil {
		s.mu.Unlock()
		return Result{Outcome: domain.OutcomePaused, ExitCode: -1, Detail: "stopped before start"}
	}
	cmd := exec.Command(command.Path, command.Args...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fail(domain.ClassSpawn, fmt.Sprintf("creating output pipe: %v", err))
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fail(domain.ClassSpawn, fmt.Sprintf("starting %s: %v", command.Path, err))
	}
	s.cmd = cmd
	s.pgid = processGroup(cmd.Process.Pid)
	pid, pgid := cmd.Process.Pid, s.pgid
	s.mu.Unlock()

	logger = logger.With().Int("pid", pid).Int("pgid", pgid).Logger()
	logger.Info().Strs("argv", command.Argv()).Msg("download started")
	emit(Event{TaskID: s.taskID, Kind: EventStarted, PID: pid})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel("shutdown")
		case <-stopWatch:
		}
	}()

	parser := s.readOutput(stdout, emit, logger)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-waitCh:
	case <-time.After(s.opts.WaitTimeout):
		timedOut = true
		logger.Error().Dur("timeout", s.opts.WaitTimeout).Msg("process did not exit in time, killing")
		s.mu.Lock()
		s.killLocked()
		s.mu.Unlock()
		waitErr = <-waitCh
	}

	s.mu.Lock()
	s.exited = true
	cancelled := s.cancelReq != nil
	s.mu.Unlock()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		logger.Warn().Err(waitErr).Msg("wait returned an error")
	}

	return s.classify(ctx, emit, parser.Path(), exitCode, cancelled, timedOut)
}

// classify applies the outcome ladder: cancellation, then failure, then the
// three completion variants.
func (s *Supervisor) classify(ctx context.Context, emit func(Event), path string, exitCode int, cancelled, timedOut bool) Result {
	res := Result{ExitCode: exitCode, FilePath: path}
	switch {
	case cancelled:
		res.Outcome = domain.OutcomePaused
		res.Detail = "paused"
	case timedOut:
		res.Outcome = domain.OutcomeFailed
		res.Class = domain.ClassRuntime
		res.Err = fmt.Sprintf("process did not exit within %s", s.opts.WaitTimeout)
	case exitCode != 0:
		res.Outcome = domain.OutcomeFailed
		res.Class = domain.ClassRuntime
		res.Err = fmt.Sprintf("exited with code %d", exitCode)
	case path == "":
		res.Outcome = domain.OutcomeCompletedPathUnknown
		res.Class = domain.ClassInterpretation
		res.Err = "finished but no output file was reported"
		s.emitError(emit, res.Class, res.Err, false)
		res.Detail = res.Err
		return res
	default:
		if _, err := os.Stat(path); err != nil {
			res.Outcome = domain.OutcomeCompletedFileMissing
			res.Class = domain.ClassInterpretation
			res.Err = fmt.Sprintf("reported file %s does not exist", path)
			s.emitError(emit, res.Class, res.Err, true)
			res.Detail = res.Err
			return res
		}
		res.Outcome = domain.OutcomeCompleted
		res.Detail = "completed"
		if s.params.PostScript != "" {
			res.Detail = s.runHook(ctx, emit, path)
		}
		return res
	}
	if res.Err != "" {
		s.emitError(emit, res.Class, res.Err, true)
		res.Detail = res.Err
	}
	return res
}

// runHook is best effort; a failure changes only the displayed detail.
func (s *Supervisor) runHook(ctx context.Context, emit func(Event), path string) string {
	if s.opts.Hook == nil {
		return "completed"
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	emit(Event{TaskID: s.taskID, Kind: EventStatus, Text: "running post-processing"})
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.HookTimeout)
	defer cancel()
	out, err := s.opts.Hook.Run(hctx, s.params.PostScript, path)
	if err != nil {
		msg := fmt.Sprintf("post-processing failed: %v", err)
		s.emitError(emit, domain.ClassPostProcess, msg, false)
		return "completed, " + msg
	}
	log.Debug().Str("task_id", s.taskID).Str("output", out).Msg("post-processing done")
	return "completed, post-processing done"
}

func (s *Supervisor) readOutput(r io.Reader, emit func(Event), logger zerolog.Logger) *ytdlp.Parser {
	parser := &ytdlp.Parser{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		if s.stopRequested() {
			break
		}
		raw := sc.Text()
		if raw == "" {
			continue
		}
		logger.Trace().Str("line", raw).Msg("tool output")
		l := parser.Feed(raw)
		if l.IsZero() {
			continue
		}
		if l.Progress != "" {
			emit(Event{TaskID: s.taskID, Kind: EventProgress, Text: l.Progress})
		}
		if l.Speed != "" || l.ClearSpeed {
			emit(Event{TaskID: s.taskID, Kind: EventSpeed, Text: l.Speed})
		}
		if l.Status != "" {
			emit(Event{TaskID: s.taskID, Kind: EventStatus, Text: l.Status})
		}
		if l.Path != "" {
			emit(Event{TaskID: s.taskID, Kind: EventStatus, Text: l.PathLabel + ": " + filepath.Base(l.Path)})
		}
	}
	if err := sc.Err(); err != nil && !s.stopRequested() {
		logger.Warn().Err(err).Msg("reading tool output")
	}
	return parser
}

func (s *Supervisor) emitError(emit func(Event), class domain.ErrorClass, msg string, fatal bool) {
	emit(Event{TaskID: s.taskID, Kind: EventError, Error: &domain.ErrorEvent{
		TaskID:  s.taskID,
		Class:   class,
		Message: msg,
		Fatal:   fatal,
		Time:    time.Now(),
	}})
}

// scanLinesCR splits on either line terminator so carriage-return progress
// redraws arrive as separate lines.
func scanLinesCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
