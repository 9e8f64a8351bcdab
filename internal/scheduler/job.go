package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrConflict = errors.New("job already exists")
	ErrNotFound = errors.New("job not found")
	ErrBusy     = errors.New("exclusive job already running")
	ErrInvalid  = errors.New("invalid job")
)

// State of a job.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Job is a durable unit of scheduled work. It runs either on Schedule (a
// standard 5-field cron expression or a descriptor such as "@every 10m" or
// "@daily") or once at RunAt.
type Job struct {
	ID         string                 `json:"id"`
	Task       string                 `json:"task"`
	Schedule   string                 `json:"schedule,omitempty"`
	RunAt      time.Time              `json:"run_at,omitempty"`
	Priority   int                    `json:"priority"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Exclusive  bool                   `json:"exclusive"`
	MaxRetries *int                   `json:"max_retries,omitempty"`
	Enabled    bool                   `json:"enabled"`
	State      State                  `json:"state"`
	Attempts   int                    `json:"attempts"`
	LastError  string                 `json:"last_error,omitempty"`
	LastRunAt  time.Time              `json:"last_run_at,omitempty"`
	NextRunAt  time.Time              `json:"next_run_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// OneShot reports whether the job runs once at RunAt.
func (j *Job) OneShot() bool { return j.Schedule == "" }

func (j *Job) validate() error {
	switch {
	case strings.TrimSpace(j.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case strings.TrimSpace(j.Task) == "" && j.Tool == "":
		return fmt.Errorf("%w: task or tool is required", ErrInvalid)
	case j.Schedule == "" && j.RunAt.IsZero():
		return fmt.Errorf("%w: schedule or run_at is required", ErrInvalid)
	case j.Schedule != "" && !j.RunAt.IsZero():
		return fmt.Errorf("%w: schedule and run_at are mutually exclusive", ErrInvalid)
	}
	if j.Schedule != "" {
		if _, err := cron.ParseStandard(j.Schedule); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalid, j.Schedule, err)
		}
	}
	return nil
}

// nextAfter returns the next scheduled time strictly after t, or zero for
// one-shot jobs.
func (j *Job) nextAfter(t time.Time) time.Time {
	if j.OneShot() {
		return time.Time{}
	}
	sched, err := cron.ParseStandard(j.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// backoff is base·2^(attempt-1), capped at ceiling.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) || math.IsInf(d, 0) {
		return ceiling
	}
	return time.Duration(d)
}
