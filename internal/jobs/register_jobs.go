package jobs

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/revaspay/reconciler/internal/queue"
	"github.com/revaspay/reconciler/internal/services/sms"
)

// RegisterAllJobHandlers registers all job handlers with the processor
func RegisterAllJobHandlers(processor *queue.JobProcessor, sender sms.Sender, sweeper Recalculator) {
	processor.RegisterHandler(queue.QueuePaymentSMS, NewPaymentSMSJob(sender).Handle)
	processor.RegisterHandler(queue.QueueReconciliationSweep, NewSweepJob(sweeper).Handle)
}

// ScheduleRecurringJobs creates the scheduler for recurring jobs. The
// caller starts and stops it.
func ScheduleRecurringJobs(q Enqueuer, sweepCron string) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	if _, err := ScheduleSweep(scheduler, sweepCron, q); err != nil {
		return nil, err
	}
	return scheduler, nil
}
