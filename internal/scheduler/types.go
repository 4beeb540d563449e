// Package scheduler fires user-scheduled messages: cron expressions,
// one-shot reserved times, and messages queued until a session pauses.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// ErrInvalidCron indicates an unparseable cron expression.
var ErrInvalidCron = errors.New("invalid cron expression")

// JobNotFoundError is returned by update/delete for unknown job ids.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("scheduler job %s not found", e.ID)
}

// ScheduleType discriminates the schedule union.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleReserved ScheduleType = "reserved"
	ScheduleQueued   ScheduleType = "queued"
)

// ConcurrencyPolicy applies to cron schedules only.
type ConcurrencyPolicy string

const (
	// ConcurrencySkip drops a fire while the previous run is still going.
	ConcurrencySkip ConcurrencyPolicy = "skip"
	// ConcurrencyRun allows overlapping runs.
	ConcurrencyRun ConcurrencyPolicy = "run"
)

// Run statuses recorded on a job after execution.
const (
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Schedule is the tagged union of job schedules. Fields are valid per type:
// cron uses Expr and ConcurrencyPolicy, reserved uses At, queued uses
// TargetSessionID.
type Schedule struct {
	Type              ScheduleType      `json:"type"`
	Expr              string            `json:"expr,omitempty"`
	ConcurrencyPolicy ConcurrencyPolicy `json:"concurrencyPolicy,omitempty"`
	At                time.Time         `json:"at,omitempty"`
	TargetSessionID   string            `json:"targetSessionId,omitempty"`
}

// Message is what a job sends when it fires.
type Message struct {
	Content       string                  `json:"content"`
	ProjectID     string                  `json:"projectId"`
	BaseSessionID string                  `json:"baseSessionId,omitempty"`
	Images        []claudecode.Attachment `json:"images,omitempty"`
	Documents     []claudecode.Attachment `json:"documents,omitempty"`
}

// Job is one persisted scheduler entry.
type Job struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Schedule      Schedule   `json:"schedule"`
	Message       Message    `json:"message"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus string     `json:"lastRunStatus,omitempty"`
}

func (j *Job) attachmentCount() int {
	return len(j.Message.Images) + len(j.Message.Documents)
}

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates and parses a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched, nil
}
