package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
	"dlflow/internal/store"
)

// Actions is what a firing schedule can do to the scheduler.
type Actions interface {
	StartAll() (int, error)
	Submit(url, title string) (domain.Task, error)
}

// CronService fires stored schedules on a fixed check interval.
type CronService struct {
	repo     store.Repository
	actions  Actions
	stop     chan struct{}
	interval time.Duration
	now      func() time.Time
}

func NewCronService(repo store.Repository, actions Actions, checkInterval time.Duration) *CronService {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &CronService{
		repo:     repo,
		actions:  actions,
		stop:     make(chan struct{}),
		interval: checkInterval,
		now:      time.Now,
	}
}

func (s *CronService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *CronService) Stop() {
	close(s.stop)
}

func (s *CronService) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *CronService) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	// The next run is recorded even when the action fails, so a broken
	// schedule does not refire on every check.
	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	logger := log.With().Str("schedule_id", schedule.ID).Str("schedule_name", schedule.Name).Time("next_run", nextRun).Logger()
	switch schedule.Action {
	case domain.ActionStartAll:
		n, err := s.actions.StartAll()
		if err != nil {
			return err
		}
		logger.Info().Int("queued", n).Msg("scheduled start all")
	case domain.ActionAddURL:
		task, err := s.actions.Submit(schedule.URL, schedule.Title)
		if err != nil {
			return err
		}
		logger.Info().Str("task_id", task.ID).Msg("scheduled download submitted")
	default:
		return fmt.Errorf("unknown schedule action %q", schedule.Action)
	}
	return nil
}

// Create validates and stores a schedule, computing its first run.
func (s *CronService) Create(ctx context.Context, sch domain.Schedule) (domain.Schedule, error) {
	if err := validateSchedule(sch); err != nil {
		return domain.Schedule{}, err
	}
	next, err := NextRunTime(sch.CronExpr, s.now())
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.NextRun = next
	id, err := s.repo.CreateSchedule(ctx, sch)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s.repo.GetSchedule(ctx, id)
}

// Update replaces a schedule's definition and recomputes its next run.
func (s *CronService) Update(ctx context.Context, sch domain.Schedule) (domain.Schedule, error) {
	if err := validateSchedule(sch); err != nil {
		return domain.Schedule{}, err
	}
	next, err := NextRunTime(sch.CronExpr, s.now())
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.NextRun = next
	if err := s.repo.UpdateSchedule(ctx, sch); err != nil {
		return domain.Schedule{}, err
	}
	return s.repo.GetSchedule(ctx, sch.ID)
}

func (s *CronService) Get(ctx context.Context, id string) (domain.Schedule, error) {
	return s.repo.GetSchedule(ctx, id)
}

func (s *CronService) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.repo.ListSchedules(ctx)
}

func (s *CronService) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteSchedule(ctx, id)
}

// ValidationError reports a schedule definition that cannot be stored.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func validateSchedule(sch domain.Schedule) error {
	if strings.TrimSpace(sch.Name) == "" {
		return invalid("name is required")
	}
	if !sch.Action.Valid() {
		return invalid("unknown schedule action %q", sch.Action)
	}
	if sch.Action == domain.ActionAddURL && strings.TrimSpace(sch.URL) == "" {
		return invalid("url is required for %s", domain.ActionAddURL)
	}
	if err := ValidateCronExpression(sch.CronExpr); err != nil {
		return invalid("invalid cron expression: %v", err)
	}
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
