package runners

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stevecastle/anaglyph/jobqueue"
	"github.com/stevecastle/anaglyph/tasks"
)

// PollInterval is how often the runners look for claimable jobs without a
// signal. Signals are dropped when the channel is full, so polling is the
// backstop.
var PollInterval = 2 * time.Second

// Runners claims jobs from the queue and runs the matching tasks. How many
// run at once is decided by the queue's lane limits.
type Runners struct {
	queue   *jobqueue.Queue
	env     *tasks.Env
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // signal loop and schedules
	jobs    sync.WaitGroup
	stop    sync.Once
}

// New creates a new Runners instance and starts listening for jobs.
func New(queue *jobqueue.Queue, env *tasks.Env) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		env:    env,
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			case <-ticker.C:
				r.CheckForJobs()
			}
		}
	}()

	// jobs reloaded from the database are already claimable
	r.CheckForJobs()
	return r
}

// Every queues command with input each interval unless a job of that
// command is still pending or running.
func (r *Runners) Every(interval time.Duration, command, input string) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if r.queue.ActiveCount(command) > 0 {
					continue
				}
				if _, err := r.queue.AddJob("", command, nil, input, nil); err != nil {
					log.Printf("Failed to schedule %s: %v", command, err)
				}
			}
		}
	}()
}

// Shutdown stops claiming new jobs and waits for running jobs to return.
// It is safe to call more than once.
func (r *Runners) Shutdown() {
	r.stop.Do(func() {
		r.cancel()
		// after this no claim can start a new job
		r.mu.Lock()
		r.mu.Unlock()
		r.wg.Wait()
		r.jobs.Wait()
	})
}

// Running reports how many jobs are executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts every job the queue allows right now.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryFetchJobsAndRun()
}

// tryFetchJobsAndRun must be called with r.mu held.
func (r *Runners) tryFetchJobsAndRun() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		job, err := r.queue.ClaimJob()
		if err != nil || job == nil {
			return
		}
		r.runJob(job)
	}
}

// runJob starts a single job in a separate goroutine. Once it completes,
// we decrement the running count and attempt to fetch the next job.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.tryFetchJobsAndRun()
			r.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("Job %s (%s) panicked: %v", j.ID, j.Command, p)
				r.queue.PushJobStdout(j.ID, fmt.Sprintf("panic: %v", p))
				r.queue.ErrorJob(j.ID)
			}
		}()

		task, exists := tasks.GetTasks()[j.Command]
		if !exists {
			r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID)
			return
		}
		err := task.Fn(j, r.queue, r.env)
		r.finalize(j, err)
	}()
}

// finalize settles a job the task left in progress.
func (r *Runners) finalize(j *jobqueue.Job, err error) {
	snap, ok := r.queue.Snapshot(j.ID)
	if !ok || snap.State != jobqueue.StateInProgress {
		return
	}
	switch {
	case err == nil:
		_ = r.queue.CompleteJob(j.ID)
	case j.Ctx.Err() != nil:
		_ = r.queue.CancelJob(j.ID)
	default:
		log.Printf("Job %s (%s) failed: %v", j.ID, j.Command, err)
		_ = r.queue.ErrorJob(j.ID)
	}
}
