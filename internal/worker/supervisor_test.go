//go:build !windows

package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlflow/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	events  []Event
	started chan struct{}
	once    sync.Once
}

func newRecorder() *recorder { return &recorder{started: make(chan struct{})} }

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Kind == EventProgress {
		r.once.Do(func() { close(r.started) })
	}
}

func (r *recorder) kinds(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) result(t *testing.T) *Result {
	t.Helper()
	terms := r.kinds(EventTerminal)
	require.Len(t, terms, 1, "exactly one terminal event")
	return terms[0].Result
}

type fakeHook struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *fakeHook) Run(_ context.Context, script, file string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, script+" "+file)
	return "ok", h.err
}

func fakeTool(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func options(exe string, hook HookRunner) Options {
	return Options{Executable: exe, StopGrace: 300 * time.Millisecond, WaitTimeout: 5 * time.Second, Hook: hook}
}

func runSync(s *Supervisor, ctx context.Context, r *recorder) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Run(ctx, r.emit)
		close(done)
	}()
	return done
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSupervisor_CompletedWithExistingFile(t *testing.T) {
	out := t.TempDir()
	movie := filepath.Join(out, "movie.mp4")
	exe := fakeTool(t, `
echo "[youtube] abc: Downloading webpage"
echo "[download] Destination: `+movie+`"
printf '[download]  50.0%% of 1.00MiB at  2.00MiB/s ETA 00:01\r[download] 100%% of 1.00MiB in 00:01\n'
: > "`+movie+`"
exit 0`)
	hook := &fakeHook{}
	p := domain.Params{OutputDir: out, PostScript: "/opt/hook"}
	s := NewSupervisor("1", "https://example.com/v", p, options(exe, hook))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeCompleted, res.Outcome)
	assert.Equal(t, movie, res.FilePath)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"/opt/hook " + movie}, hook.calls)

	assert.Len(t, r.kinds(EventStarted), 1)
	progress := r.kinds(EventProgress)
	require.Len(t, progress, 3)
	speeds := r.kinds(EventSpeed)
	require.Len(t, speeds, 2)
	assert.Equal(t, "2.00MiB/s", speeds[0].Text)
	assert.Empty(t, speeds[1].Text, "percentage without speed clears it")

	var statuses []string
	for _, ev := range r.kinds(EventStatus) {
		statuses = append(statuses, ev.Text)
	}
	assert.Contains(t, statuses, "Destination: movie.mp4")
	assert.Empty(t, r.kinds(EventError))
}

func TestSupervisor_MovedTitleContainingTo(t *testing.T) {
	out := t.TempDir()
	temp := filepath.Join(out, "How to Cook Rice.temp.mp4")
	final := filepath.Join(out, "How to Cook Rice.mp4")
	exe := fakeTool(t, `
echo '[download] Destination: `+temp+`'
echo '[MoveFiles] Moving file "`+temp+`" to "`+final+`"'
: > "`+final+`"
exit 0`)
	s := NewSupervisor("1", "u", domain.Params{OutputDir: out}, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeCompleted, res.Outcome)
	assert.Equal(t, final, res.FilePath)
}

func TestSupervisor_HookFailureKeepsCompleted(t *testing.T) {
	out := t.TempDir()
	movie := filepath.Join(out, "clip.mkv")
	exe := fakeTool(t, `echo 'Merging formats into "`+movie+`"'; : > "`+movie+`"`)
	hook := &fakeHook{err: assert.AnError}
	s := NewSupervisor("1", "u", domain.Params{OutputDir: out, PostScript: "/opt/hook"}, options(exe, hook))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeCompleted, res.Outcome)
	assert.Contains(t, res.Detail, "post-processing failed")
	errs := r.kinds(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ClassPostProcess, errs[0].Error.Class)
	assert.False(t, errs[0].Error.Fatal)
}

func TestSupervisor_CompletedPathUnknown(t *testing.T) {
	exe := fakeTool(t, `echo "[generic] nothing to see"; exit 0`)
	s := NewSupervisor("2", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeCompletedPathUnknown, res.Outcome)
	assert.Empty(t, res.FilePath)

	errs := r.kinds(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ClassInterpretation, errs[0].Error.Class)
	assert.False(t, errs[0].Error.Fatal)
}

func TestSupervisor_CompletedFileMissing(t *testing.T) {
	exe := fakeTool(t, `echo "Destination: /nonexistent/dir/gone.mp4"`)
	s := NewSupervisor("3", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeCompletedFileMissing, res.Outcome)
	assert.Equal(t, "/nonexistent/dir/gone.mp4", res.FilePath)
}

func TestSupervisor_NonZeroExitFails(t *testing.T) {
	exe := fakeTool(t, `echo "ERROR: Unsupported URL"; exit 2`)
	s := NewSupervisor("4", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, domain.ClassRuntime, res.Class)
	assert.Contains(t, res.Err, "code 2")
}

func TestSupervisor_MalformedExtraArgsNeverSpawns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	exe := fakeTool(t, `: > "`+marker+`"`)
	p := domain.Params{OutputDir: t.TempDir(), ExtraArgs: `--foo "unterminated`}
	s := NewSupervisor("5", "u", p, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ClassConfig, res.Class)
	assert.Empty(t, r.kinds(EventStarted))
	assert.NoFileExists(t, marker)
}

func TestSupervisor_SpawnErrorFails(t *testing.T) {
	s := NewSupervisor("6", "u", domain.Params{OutputDir: t.TempDir()}, options("/nonexistent/yt-dlp", nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ClassSpawn, res.Class)
}

func TestSupervisor_CancelDuringRunPauses(t *testing.T) {
	out := t.TempDir()
	exe := fakeTool(t, `
trap 'exit 137' TERM
echo "[download] Destination: `+filepath.Join(out, "part.mp4")+`"
echo "[download]   1.0% of 10.00MiB at 1.00MiB/s ETA 00:10"
while true; do sleep 0.1; done`)
	s := NewSupervisor("7", "u", domain.Params{OutputDir: out}, options(exe, nil))
	r := newRecorder()
	done := runSync(s, context.Background(), r)
	wait(t, r.started, "first progress line")

	first := s.Cancel("user")
	second := s.Cancel("again")
	assert.Same(t, first, second)
	assert.Equal(t, "user", first.Reason)

	wait(t, first.Done(), "cancel request")
	wait(t, done, "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomePaused, res.Outcome)
	assert.Equal(t, domain.OutcomePaused, first.Outcome())
	assert.Equal(t, filepath.Join(out, "part.mp4"), res.FilePath)
	assert.Equal(t, "user", res.CancelReason)
	assert.Empty(t, r.kinds(EventError))
}

func TestSupervisor_CancelEscalatesToKill(t *testing.T) {
	exe := fakeTool(t, `
trap '' TERM
echo "[download]   1.0% of 10.00MiB at 1.00MiB/s ETA 00:10"
while true; do sleep 0.1; done`)
	s := NewSupervisor("8", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	done := runSync(s, context.Background(), r)
	wait(t, r.started, "first progress line")

	start := time.Now()
	req := s.Cancel("user")
	wait(t, done, "run")

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, domain.OutcomePaused, r.result(t).Outcome)
	assert.Equal(t, domain.OutcomePaused, req.Outcome())
}

func TestSupervisor_ContextCancelStopsRun(t *testing.T) {
	exe := fakeTool(t, `
echo "[download]   1.0% of 10.00MiB at 1.00MiB/s ETA 00:10"
exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor("9", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	done := runSync(s, ctx, r)
	wait(t, r.started, "first progress line")
	cancel()
	wait(t, done, "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomePaused, res.Outcome)
	assert.Equal(t, "shutdown", res.CancelReason)
}

func TestSupervisor_CancelBeforeStart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	exe := fakeTool(t, `: > "`+marker+`"`)
	s := NewSupervisor("10", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	req := s.Cancel("user")
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	assert.Equal(t, domain.OutcomePaused, r.result(t).Outcome)
	assert.Equal(t, domain.OutcomePaused, req.Outcome())
	assert.NoFileExists(t, marker)
}

func TestSupervisor_CancelAfterFinishResolvesImmediately(t *testing.T) {
	exe := fakeTool(t, `exit 1`)
	s := NewSupervisor("11", "u", domain.Params{OutputDir: t.TempDir()}, options(exe, nil))
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	req := s.Cancel("late")
	wait(t, req.Done(), "cancel request")
	assert.Equal(t, domain.OutcomeFailed, req.Outcome())
	assert.Len(t, r.kinds(EventTerminal), 1)
}

func TestSupervisor_WaitTimeout(t *testing.T) {
	exe := fakeTool(t, `exec >&- 2>&-; exec sleep 30`)
	opts := options(exe, nil)
	opts.WaitTimeout = 200 * time.Millisecond
	s := NewSupervisor("12", "u", domain.Params{OutputDir: t.TempDir()}, opts)
	r := newRecorder()
	wait(t, runSync(s, context.Background(), r), "run")

	res := r.result(t)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.ClassRuntime, res.Class)
	assert.Contains(t, res.Err, "did not exit")
}

func TestPool_StartAndWait(t *testing.T) {
	exe := fakeTool(t, `exit 0`)
	pool := NewPool(options(exe, nil))
	r := newRecorder()
	runner := pool.Start(context.Background(), "13", "u", domain.Params{OutputDir: t.TempDir()}, r.emit)
	require.NotNil(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(ctx))
	assert.Equal(t, domain.OutcomeCompletedPathUnknown, r.result(t).Outcome)
}

func TestScanLinesCR(t *testing.T) {
	adv, tok, err := scanLinesCR([]byte("a\rb\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, adv)
	assert.Equal(t, "a", string(tok))

	adv, tok, _ = scanLinesCR([]byte("tail"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "tail", string(tok))

	adv, tok, _ = scanLinesCR([]byte("partial"), false)
	assert.Zero(t, adv)
	assert.Nil(t, tok)
}
