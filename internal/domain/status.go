package domain

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusWaiting              Status = "waiting"
	StatusQueued               Status = "queued"
	StatusStarting             Status = "starting"
	StatusRunning              Status = "running"
	StatusPaused               Status = "paused"
	StatusFailed               Status = "failed"
	StatusCompleted            Status = "completed"
	StatusCompletedPathUnknown Status = "completed_path_unknown"
	StatusCompletedFileMissing Status = "completed_file_missing"
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusQueued, StatusStarting, StatusRunning, StatusPaused,
		StatusFailed, StatusCompleted, StatusCompletedPathUnknown, StatusCompletedFileMissing:
		return true
	}
	return false
}

// InFlight is true for states that only make sense while the process is alive
// or about to be admitted. None of them survive a restart.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusStarting || s == StatusRunning
}

// IsFailure reports the failure-class states. A task in one of them carries failed=true.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusCompletedFileMissing
}

// IsCompleted covers the three successful-exit variants.
func (s Status) IsCompleted() bool {
	return s == StatusCompleted || s == StatusCompletedPathUnknown || s == StatusCompletedFileMissing
}

// Enqueueable reports whether the state may move to queued.
func (s Status) Enqueueable() bool {
	return s == StatusWaiting || s == StatusPaused || s.IsFailure()
}

// Outcome is the single terminal classification a worker reports for one run.
type Outcome string

const (
	OutcomePaused               Outcome = "paused"
	OutcomeFailed               Outcome = "failed"
	OutcomeCompleted            Outcome = "completed"
	OutcomeCompletedPathUnknown Outcome = "completed_path_unknown"
	OutcomeCompletedFileMissing Outcome = "completed_file_missing"
)

// Status maps the outcome onto the task state machine.
func (o Outcome) Status() Status {
	switch o {
	case OutcomePaused:
		return StatusPaused
	case OutcomeCompleted:
		return StatusCompleted
	case OutcomeCompletedPathUnknown:
		return StatusCompletedPathUnknown
	case OutcomeCompletedFileMissing:
		return StatusCompletedFileMissing
	default:
		return StatusFailed
	}
}
