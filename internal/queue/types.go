package queue

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDead       JobStatus = "dead"
)

// Job represents a background job
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RunAt      time.Time       `json:"run_at"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// QueueStats represents statistics for a queue
type QueueStats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}

// EnqueueOption defines options for enqueueing jobs
type EnqueueOption func(*Job)

// WithMaxRetries sets the maximum number of retries for a job
func WithMaxRetries(maxRetries int) EnqueueOption {
	return func(j *Job) {
		j.MaxRetries = maxRetries
	}
}

// WithJobID sets a specific job ID. Enqueueing an id that is still known
// to the queue is a no-op.
func WithJobID(id string) EnqueueOption {
	return func(j *Job) {
		j.ID = id
	}
}

// WithDelay makes the job runnable only after delay
func WithDelay(delay time.Duration) EnqueueOption {
	return func(j *Job) {
		j.RunAt = j.RunAt.Add(delay)
	}
}

// calculateBackoff calculates the backoff duration for a retry
func calculateBackoff(retry int) time.Duration {
	// Exponential backoff with jitter
	// Base: 5 seconds
	// Max: 1 hour
	base := 5.0
	max := 3600.0

	seconds := math.Min(max, base*math.Pow(2, float64(retry)))

	// ±20%
	jitter := seconds * 0.2
	seconds = seconds - jitter + (rand.Float64() * jitter * 2)

	return time.Duration(seconds) * time.Second
}
