package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotRetryable = errors.New("job is active or completed and cannot be retried")
	ErrJobNotActive    = errors.New("job is not active")
	ErrQueuePaused     = errors.New("queue is paused")

	// ErrManualKill is the cancellation cause installed by KillActive. Workers
	// that observe it fail the job terminally and skip the catalog webhook.
	ErrManualKill = errors.New("manually killed")
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type SourceKind string

const (
	SourceURL      SourceKind = "url"
	SourceDrive    SourceKind = "drive"
	SourcePlatform SourceKind = "platform"
	SourceLocal    SourceKind = "local"
)

func ValidSourceKind(k SourceKind) bool {
	switch k {
	case SourceURL, SourceDrive, SourcePlatform, SourceLocal:
		return true
	}
	return false
}

// Job is one import submission. ID is the externally assigned request id,
// which makes submissions idempotent.
type Job struct {
	ID         string
	SourceKind SourceKind
	SourceRef  string
	FileName   *string
	CatalogID  *string
	APIKey     *string

	Status        Status
	AttemptsMade  int
	MaxAttempts   int
	Progress      *Progress
	ReturnValue   *ReturnValue
	FailureReason *string

	ScheduledAt time.Time // earliest time a waiting/delayed job may be leased

	ClaimedBy   *string
	ClaimedAt   *time.Time
	HeartbeatAt *time.Time
	StallCount  int

	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// ReturnValue is persisted on successful completion.
type ReturnValue struct {
	CDNURL         string          `json:"cdn_url"`
	FileName       string          `json:"file_name"`
	Size           int64           `json:"size"`
	AttemptsMade   int             `json:"attempts_made"`
	EgressAttempts []EgressAttempt `json:"egress_attempts,omitempty"`
}

// JobAttempt is one execution of a job by a worker. The row is opened before
// the pipeline runs so a crashed worker leaves a visible incomplete entry.
type JobAttempt struct {
	ID         string
	JobID      string
	AttemptNum int
	WorkerID   string
	StartedAt  time.Time
	FinishedAt *time.Time
	ErrorKind  *string
	Error      *string
	DurationMS *int64
}
