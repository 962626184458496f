package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlflow/internal/domain"
	"dlflow/internal/resolve"
	"dlflow/internal/scheduler"
	"dlflow/internal/store"
	"dlflow/internal/worker"
	"dlflow/internal/ytdlp"
)

// instantLauncher finishes every run right away with a completed download.
type instantLauncher struct{}

type noopRunner struct{}

func (noopRunner) Cancel(reason string) *worker.CancelRequest { return worker.NewCancelRequest(reason) }

func (instantLauncher) Start(_ context.Context, id, url string, _ domain.Params, emit func(worker.Event)) worker.Runner {
	go func() {
		now := time.Now()
		emit(worker.Event{TaskID: id, Kind: worker.EventStarted, PID: 1})
		emit(worker.Event{TaskID: id, Kind: worker.EventTerminal, Result: &worker.Result{
			Outcome: domain.OutcomeCompleted, FilePath: "/media/" + id + ".mp4", StartedAt: now, FinishedAt: now,
		}})
	}()
	return noopRunner{}
}

type stubResolver struct {
	got resolve.Request
}

func (r *stubResolver) Resolve(_ context.Context, req resolve.Request) ([]ytdlp.Entry, error) {
	r.got = req
	return []ytdlp.Entry{{URL: "https://v.example/1", Title: "One"}, {URL: "https://v.example/2", Title: "Two"}}, nil
}

type fixture struct {
	srv      *httptest.Server
	done     chan struct{}
	sched    *scheduler.Scheduler
	resolver *stubResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dlflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLiteRepo(db)

	sched := scheduler.New(store.Snapshot{}, scheduler.Options{
		Launcher:     instantLauncher{},
		State:        store.NewStateFile(filepath.Join(t.TempDir(), "tasks.json")),
		History:      repo,
		Limit:        1,
		TickInterval: 20 * time.Millisecond,
		Defaults:     domain.Params{OutputDir: t.TempDir(), CookiesBrowser: "firefox"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	f := &fixture{sched: sched, resolver: &stubResolver{}, done: make(chan struct{})}
	f.srv = httptest.NewServer(NewServer(Options{
		Done:      f.done,
		Scheduler: sched,
		Schedules: scheduler.NewCronService(repo, sched, time.Minute),
		Runs:      repo,
		Resolver:  f.resolver,
		Metrics:   http.NotFoundHandler(),
	}))
	t.Cleanup(func() {
		f.srv.Close()
		cancel()
		<-done
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTasks_CreateStartAndHistory(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://v.example/a","title":"A"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[[]taskView](t, resp)
	require.Len(t, created, 1)
	id := created[0].ID
	assert.Equal(t, domain.StatusWaiting, created[0].Status)
	assert.Equal(t, "waiting", created[0].Display)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+id+"/start", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		task, err := f.sched.Get(id)
		return err == nil && task.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[taskView](t, resp)
	assert.Equal(t, "/media/"+id+".mp4", got.FilePath)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+id+"/runs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[[]domain.Run](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, string(domain.OutcomeCompleted), runs[0].Outcome)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+id+"/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "completed tasks are not enqueueable")

	resp = f.do(t, http.MethodDelete, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTasks_CreateWithResolution(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://v.example/list","resolve":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[[]taskView](t, resp)
	require.Len(t, created, 2)
	assert.Equal(t, "One", created[0].Title)
	assert.Equal(t, "https://v.example/2", created[1].URL)
	assert.Equal(t, "firefox", f.resolver.got.CookiesBrowser, "resolution uses the defaults' cookies")

	resp = f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]taskView](t, resp), 2)
}

func TestTasks_Validation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", `{"url":""}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/tasks", `{"url":"u","params":{"conversion":"hologram"}}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/tasks/99/pause", "").StatusCode)
}

func TestConcurrencyAndDefaults(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/concurrency", `{"limit":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/concurrency", "")
	assert.Equal(t, 0, decode[concurrencyBody](t, resp).Limit)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/concurrency", `{"limit":-2}`).StatusCode)

	dir := t.TempDir()
	resp = f.do(t, http.MethodPut, "/api/defaults", `{"output_dir":"`+dir+`","quality_preset":"720p"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[domain.Params](t, resp)
	assert.Equal(t, dir, p.OutputDir)
	assert.Contains(t, p.VideoFormat, "720")

	resp = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[scheduler.Stats](t, resp).Total)
}

func TestBulkActions(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", `{"url":"`+u+`"}`).StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/tasks/start-all", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, decode[map[string]int](t, resp)["queued"])

	resp = f.do(t, http.MethodPost, "/api/tasks/pause-all?clear_queue=true", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/schedules", `{"name":"nightly","cron_expr":"0 3 * * *","action":"start_all"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sch := decode[domain.Schedule](t, resp)
	assert.True(t, sch.Enabled)
	assert.False(t, sch.NextRun.IsZero())

	resp = f.do(t, http.MethodPut, "/api/schedules/"+sch.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.Schedule](t, resp).Enabled)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/schedules", `{"name":"x","cron_expr":"nope","action":"start_all"}`).StatusCode)

	resp = f.do(t, http.MethodGet, "/api/schedules", "")
	assert.Len(t, decode[[]domain.Schedule](t, resp), 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/schedules/"+sch.ID, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/schedules/"+sch.ID, "").StatusCode)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://v.example/s"}`).StatusCode)

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "updated", event)
	assert.Contains(t, data, "https://v.example/s")
}

func TestEventsStream_EndsOnShutdown(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	close(f.done)

	ended := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		ended <- err
	}()
	select {
	case err := <-ended:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream stayed open after shutdown")
	}
}
