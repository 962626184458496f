package domain

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskActive        = errors.New("task is running")
	ErrMarkedForDeletion = errors.New("task is marked for deletion")
	ErrNotEligible       = errors.New("task is not eligible for this operation")
	ErrInvalidOutputDir  = errors.New("no usable output directory")
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrSchedulerStopped  = errors.New("scheduler is not running")
)

// Task is the persisted and displayed view of one download. The live worker
// reference is never part of it.
type Task struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Progress string `json:"progress,omitempty"`
	Speed    string `json:"speed,omitempty"`
	FilePath string `json:"filepath,omitempty"`
	Error    string `json:"error,omitempty"`
	Params   Params `json:"params"`

	Paused            bool `json:"paused"`
	Failed            bool `json:"failed"`
	InQueue           bool `json:"in_queue"`
	MarkedForDeletion bool `json:"marked_for_deletion,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayStatus decorates the status for presentation. A task waiting for its
// worker to exit before removal shows as stopping.
func (t Task) DisplayStatus() string {
	if t.MarkedForDeletion {
		return "stopping"
	}
	return string(t.Status)
}

// Schedule is a cron trigger stored alongside the run history.
type Schedule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CronExpr  string         `json:"cron_expr"`
	Action    ScheduleAction `json:"action"`
	URL       string         `json:"url,omitempty"`
	Title     string         `json:"title,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   time.Time      `json:"next_run"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type ScheduleAction string

func (a ScheduleAction) Valid() bool { return a == ActionStartAll || a == ActionAddURL }

const (
	ActionStartAll ScheduleAction = "start_all"
	ActionAddURL   ScheduleAction = "add_url"
)

// Run is one worker invocation as recorded in the history store.
type Run struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	URL        string     `json:"url"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	ExitCode   int        `json:"exit_code"`
	ErrorClass string     `json:"error_class,omitempty"`
	Error      string     `json:"error,omitempty"`
	FilePath   string     `json:"filepath,omitempty"`
}

// ErrorClass groups the failures a task can hit.
type ErrorClass string

const (
	ClassConfig         ErrorClass = "config"
	ClassSpawn          ErrorClass = "spawn"
	ClassRuntime        ErrorClass = "runtime"
	ClassInterpretation ErrorClass = "interpretation"
	ClassPostProcess    ErrorClass = "postprocess"
)

// ErrorEvent travels on the dedicated error channel, separate from the status
// text shown to users.
type ErrorEvent struct {
	TaskID  string     `json:"task_id"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Fatal   bool       `json:"fatal"`
	Time    time.Time  `json:"time"`
}
