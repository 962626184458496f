package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlflow/internal/domain"
	"dlflow/internal/store"
)

type fakeActions struct {
	startAll  int
	submitted []string
}

func (f *fakeActions) StartAll() (int, error) {
	f.startAll++
	return 3, nil
}

func (f *fakeActions) Submit(url, title string) (domain.Task, error) {
	f.submitted = append(f.submitted, url)
	return domain.Task{ID: "7", URL: url, Title: title}, nil
}

func newCron(t *testing.T) (*CronService, *fakeActions, store.Repository) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dlflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLiteRepo(db)
	actions := &fakeActions{}
	return NewCronService(repo, actions, time.Minute), actions, repo
}

func TestCronService_FiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	svc, actions, _ := newCron(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	nightly, err := svc.Create(ctx, domain.Schedule{Name: "nightly", CronExpr: "30 10 * * *", Action: domain.ActionStartAll, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute), nightly.NextRun.UTC())

	_, err = svc.Create(ctx, domain.Schedule{Name: "feed", CronExpr: "0 12 * * *", Action: domain.ActionAddURL, URL: "https://example.com/v", Enabled: true})
	require.NoError(t, err)

	svc.processDueSchedules(ctx, base.Add(10*time.Minute))
	assert.Zero(t, actions.startAll, "nothing due yet")

	fire := base.Add(31 * time.Minute)
	svc.processDueSchedules(ctx, fire)
	assert.Equal(t, 1, actions.startAll)
	assert.Empty(t, actions.submitted)

	got, err := svc.Get(ctx, nightly.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, fire, *got.LastRun, time.Second)
	assert.Equal(t, base.Add(24*time.Hour+30*time.Minute), got.NextRun.UTC())

	svc.processDueSchedules(ctx, base.Add(3*time.Hour))
	assert.Equal(t, []string{"https://example.com/v"}, actions.submitted)
	assert.Equal(t, 1, actions.startAll, "a fired schedule waits for its next run")
}

func TestCronService_DisabledSchedulesDoNotFire(t *testing.T) {
	ctx := context.Background()
	svc, actions, _ := newCron(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	_, err := svc.Create(ctx, domain.Schedule{Name: "off", CronExpr: "*/5 * * * *", Action: domain.ActionStartAll})
	require.NoError(t, err)

	svc.processDueSchedules(ctx, base.Add(time.Hour))
	assert.Zero(t, actions.startAll)
}

func TestCronService_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newCron(t)

	cases := map[string]domain.Schedule{
		"bad expression":  {Name: "x", CronExpr: "not a cron", Action: domain.ActionStartAll},
		"missing name":    {CronExpr: "* * * * *", Action: domain.ActionStartAll},
		"unknown action":  {Name: "x", CronExpr: "* * * * *", Action: "explode"},
		"add without url": {Name: "x", CronExpr: "* * * * *", Action: domain.ActionAddURL},
	}
	for name, sch := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, sch)
			assert.Error(t, err)
		})
	}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCronService_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newCron(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	sch, err := svc.Create(ctx, domain.Schedule{Name: "a", CronExpr: "0 11 * * *", Action: domain.ActionStartAll, Enabled: true})
	require.NoError(t, err)

	sch.CronExpr = "0 13 * * *"
	updated, err := svc.Update(ctx, sch)
	require.NoError(t, err)
	assert.Equal(t, base.Add(3*time.Hour), updated.NextRun.UTC())

	require.NoError(t, svc.Delete(ctx, sch.ID))
	_, err = svc.Get(ctx, sch.ID)
	assert.ErrorIs(t, err, store.ErrScheduleNotFound)
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), next)

	assert.Error(t, ValidateCronExpression("61 * * * *"))
}
