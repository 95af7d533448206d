package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// Queue names
	QueuePaymentSMS          = "send_payment_sms"
	QueueReconciliationSweep = "reconciliation_sweep"

	// Default values
	DefaultRetryCount = 3
	DefaultTTL        = 24 * time.Hour
)

// Redis key prefixes
const (
	queuePrefix   = "queue:"
	delayedPrefix = "delayed:"
	deadPrefix    = "dead:"
	jobPrefix     = "jobs:"
)

// ErrJobNotFound is returned when the job details expired or never existed
var ErrJobNotFound = errors.New("job not found")

// RedisQueue is a list-backed job queue. Lists and the delayed set hold job
// ids; the job itself lives in a hash that expires after DefaultTTL.
type RedisQueue struct {
	client  *redis.Client
	ttl     time.Duration
	backoff func(retry int) time.Duration
}

// NewRedisQueue creates a new Redis queue
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:  client,
		ttl:     DefaultTTL,
		backoff: calculateBackoff,
	}
}

// Enqueue adds a job to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Queue:      queueName,
		Payload:    payloadBytes,
		Status:     JobStatusPending,
		MaxRetries: DefaultRetryCount,
		CreatedAt:  now,
		UpdatedAt:  now,
		RunAt:      now,
	}
	for _, opt := range opts {
		opt(job)
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := q.client.HSetNX(ctx, jobPrefix+job.ID, "data", jobBytes).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store job details: %w", err)
	}
	if !created {
		return job.ID, nil
	}
	if err := q.client.Expire(ctx, jobPrefix+job.ID, q.ttl).Err(); err != nil {
		log.Printf("Warning: failed to set TTL on job %s: %v", job.ID, err)
	}

	if job.RunAt.After(now) {
		err = q.client.ZAdd(ctx, delayedPrefix+queueName, &redis.Z{
			Score:  float64(job.RunAt.Unix()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.client.LPush(ctx, queuePrefix+queueName, job.ID).Err()
	}
	if err != nil {
		return "", fmt.Errorf("failed to push job to queue: %w", err)
	}

	return job.ID, nil
}

// Dequeue waits up to timeout for a job from any of the queues. It returns
// nil, nil when none is available.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration, queueNames ...string) (*Job, error) {
	keys := make([]string, 0, len(queueNames))
	for _, name := range queueNames {
		q.moveReadyDelayedJobs(ctx, name)
		keys = append(keys, queuePrefix+name)
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job from queue: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected result format from BRPOP")
	}

	job, err := q.Get(ctx, result[1])
	if err != nil {
		return nil, err
	}

	job.Status = JobStatusProcessing
	if err := q.save(ctx, job); err != nil {
		log.Printf("Warning: failed to update job status: %v", err)
	}
	return job, nil
}

// Get loads a job by id
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.HGet(ctx, jobPrefix+jobID, "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job details: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Complete marks a job as completed
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	job.Status = JobStatusCompleted
	job.LastError = ""
	return q.save(ctx, job)
}

// Fail records the error and schedules a retry with backoff. Once the
// retries are used up the job is moved to the dead letter list.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, jobErr error) (retried bool, err error) {
	job.Status = JobStatusFailed
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	if job.RetryCount < job.MaxRetries {
		return true, q.Retry(ctx, job, q.backoff(job.RetryCount))
	}

	job.Status = JobStatusDead
	if err := q.save(ctx, job); err != nil {
		return false, err
	}
	if err := q.client.LPush(ctx, deadPrefix+job.Queue, job.ID).Err(); err != nil {
		return false, fmt.Errorf("failed to move job to dead letter list: %w", err)
	}
	return false, nil
}

// Retry puts a job back on its queue after delay
func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.Status = JobStatusPending
	job.RetryCount++
	job.RunAt = time.Now().Add(delay)
	if err := q.save(ctx, job); err != nil {
		return err
	}

	err := q.client.ZAdd(ctx, delayedPrefix+job.Queue, &redis.Z{
		Score:  float64(job.RunAt.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add job to delayed queue: %w", err)
	}
	return nil
}

// Stats reports queue depths
func (q *RedisQueue) Stats(ctx context.Context, queueName string) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, queuePrefix+queueName)
	delayed := pipe.ZCard(ctx, delayedPrefix+queueName)
	dead := pipe.LLen(ctx, deadPrefix+queueName)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return &QueueStats{
		Queue:   queueName,
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.HSet(ctx, jobPrefix+job.ID, "data", data).Err(); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// moveReadyDelayedJobs moves delayed jobs that are ready to run to the main
// queue. ZREM decides which worker moves a job when several race.
func (q *RedisQueue) moveReadyDelayedJobs(ctx context.Context, queueName string) {
	ids, err := q.client.ZRangeByScore(ctx, delayedPrefix+queueName, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		log.Printf("Error getting ready delayed jobs: %v", err)
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedPrefix+queueName, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queuePrefix+queueName, id).Err(); err != nil {
			log.Printf("Error moving delayed job to main queue: %v", err)
		}
	}
}
