package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job in the queue
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobPriority represents the priority level for job processing
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)

// Job types handled by the billing worker.
const (
	JobTypeTrialUpgradeSweep = "trial_upgrade_sweep"
	JobTypeConfirmationEmail = "subscription_confirmation_email"
	JobTypeQueueCleanup      = "job_queue_cleanup"
)

// Job represents an asynchronous job in the queue
type Job struct {
	ID           int64       `json:"id"`
	JobType      string      `json:"job_type"`
	Payload      JSONB       `json:"payload"`
	Status       JobStatus   `json:"status"`
	Priority     JobPriority `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	LastError    *string     `json:"last_error,omitempty"`
	RetryAfter   *time.Time  `json:"retry_after,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	WorkerID     *string     `json:"worker_id,omitempty"`
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// JobStats holds counts of jobs per status
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Int64 reads a numeric payload field. JSON numbers decode as float64.
func (j JSONB) Int64(key string) (int64, bool) {
	switch v := j[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Validate checks the job before it is enqueued and fills defaults.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
