package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// JobProcessorHandler processes one job. A returned error triggers a retry.
type JobProcessorHandler func(ctx context.Context, job *Job) error

// JobProcessor processes jobs from queues
type JobProcessor struct {
	queue          *RedisQueue
	handlers       map[string]JobProcessorHandler
	workerCount    int
	pollTimeout    time.Duration
	wg             sync.WaitGroup
	processingJobs sync.Map
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewJobProcessor creates a new JobProcessor
func NewJobProcessor(queue *RedisQueue, workerCount int) *JobProcessor {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobProcessor{
		queue:       queue,
		handlers:    make(map[string]JobProcessorHandler),
		workerCount: workerCount,
		pollTimeout: time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterHandler registers a handler for a specific queue. Handlers must
// be registered before Start.
func (p *JobProcessor) RegisterHandler(queueName string, handler JobProcessorHandler) {
	p.handlers[queueName] = handler
}

// Start starts the job processor
func (p *JobProcessor) Start() {
	queues := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		queues = append(queues, name)
	}
	if len(queues) == 0 {
		log.Println("Job processor not started: no queues registered")
		return
	}

	log.Printf("Starting job processor with %d workers on %v", p.workerCount, queues)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i, queues)
	}
}

// Stop stops the job processor and waits for running jobs to finish
func (p *JobProcessor) Stop() {
	log.Println("Stopping job processor")
	p.cancel()
	p.wg.Wait()
	log.Println("Job processor stopped")
}

func (p *JobProcessor) worker(id int, queues []string) {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(p.ctx, p.pollTimeout, queues...)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("Worker %d error getting job: %v", id, err)
			time.Sleep(p.pollTimeout)
			continue
		}
		if job == nil {
			continue
		}

		p.processingJobs.Store(job.ID, true)
		if err := p.ProcessJob(job); err != nil {
			log.Printf("Worker %d error processing job %s: %v", id, job.ID, err)
		}
		p.processingJobs.Delete(job.ID)
	}
}

// ProcessJob runs the handler for a single job and records the outcome
func (p *JobProcessor) ProcessJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}

	// Outcomes are recorded even while stopping
	ctx := context.WithoutCancel(p.ctx)

	handler, ok := p.handlers[job.Queue]
	if !ok {
		err := fmt.Errorf("no handler registered for queue: %s", job.Queue)
		p.queue.Fail(ctx, job, err)
		return err
	}

	if err := handler(p.ctx, job); err != nil {
		retried, failErr := p.queue.Fail(ctx, job, err)
		if failErr != nil {
			log.Printf("Failed to record failure of job %s: %v", job.ID, failErr)
		}
		if !retried {
			log.Printf("Job %s on %s moved to dead letter list after %d retries", job.ID, job.Queue, job.RetryCount)
		}
		return fmt.Errorf("job processing failed: %w", err)
	}

	return p.queue.Complete(ctx, job)
}

// IsProcessing checks if a job is currently being processed
func (p *JobProcessor) IsProcessing(jobID string) bool {
	_, ok := p.processingJobs.Load(jobID)
	return ok
}
