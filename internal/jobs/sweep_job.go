package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/revaspay/reconciler/internal/queue"
	"github.com/revaspay/reconciler/internal/services/reconciliation"
)

// Recalculator runs the order recalculation sweep
type Recalculator interface {
	RecalculateAll(ctx context.Context) (*reconciliation.SweepReport, error)
}

// SweepPayload records why a sweep was queued
type SweepPayload struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Trigger     string    `json:"trigger"`
}

// SweepJob recomputes every order from its connected transactions
type SweepJob struct {
	sweeper Recalculator
}

// NewSweepJob creates a new sweep job
func NewSweepJob(sweeper Recalculator) *SweepJob {
	return &SweepJob{sweeper: sweeper}
}

// Handle processes one reconciliation_sweep job. Orders that fail are in
// the report and do not fail the job.
func (j *SweepJob) Handle(ctx context.Context, job *queue.Job) error {
	var payload SweepPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("invalid sweep payload: %w", err)
	}

	report, err := j.sweeper.RecalculateAll(ctx)
	if err != nil {
		return fmt.Errorf("recalculation sweep failed: %w", err)
	}
	log.Printf("Recalculation sweep (%s) scanned %d orders, updated %d, failed %d",
		payload.Trigger, report.Scanned, report.Updated, report.Failed)
	return nil
}

// EnqueueSweep queues a sweep. Calls for the same minute share one job so
// several instances running the schedule queue it once.
func EnqueueSweep(ctx context.Context, q Enqueuer, trigger string, now time.Time) (string, error) {
	slot := now.UTC().Truncate(time.Minute)
	return q.Enqueue(ctx, queue.QueueReconciliationSweep,
		SweepPayload{ScheduledAt: slot, Trigger: trigger},
		queue.WithJobID("sweep:"+slot.Format("200601021504")),
		queue.WithMaxRetries(1),
	)
}

// ScheduleSweep registers the cron expression on the scheduler
func ScheduleSweep(scheduler *gocron.Scheduler, cronExpr string, q Enqueuer) (*gocron.Job, error) {
	job, err := scheduler.Cron(cronExpr).Do(func() {
		if _, err := EnqueueSweep(context.Background(), q, "schedule", time.Now()); err != nil {
			log.Printf("Failed to queue scheduled sweep: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cronExpr, err)
	}
	return job, nil
}
