// Package reconcile runs the background jobs that converge store state
// with reality: the hold-expiry sweep, the re-verification cron, and the
// payment-status poller. Jobs run on independent schedules and hold a
// per-job run-lock, so an invocation that overlaps a still-running
// predecessor is skipped rather than stacked.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/app/settlement"
	"github.com/stipend-network/stipend/internal/infra/observability"
)

// Job is one recurring reconciliation task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	running atomic.Bool
}

// Runner drives a set of jobs until its context is cancelled.
type Runner struct {
	jobs []*Job
	wg   sync.WaitGroup
}

// NewRunner creates an empty runner.
func NewRunner() *Runner { return &Runner{} }

// Add registers a job. Must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	r.jobs = append(r.jobs, &Job{Name: name, Interval: interval, Run: run})
}

// Start launches one goroutine per job. Each fires once immediately,
// then on its interval.
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		j := j
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.invoke(ctx, j)

			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.invoke(ctx, j)
				}
			}
		}()
	}
}

// Wait blocks until every job goroutine has exited.
func (r *Runner) Wait() { r.wg.Wait() }

// RunOnce triggers a single named job synchronously, honoring the same
// run-lock as the scheduler. Used by the CLI.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name == name {
			return r.invoke(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// JobNames lists the registered jobs.
func (r *Runner) JobNames() []string {
	names := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		names = append(names, j.Name)
	}
	return names
}

func (r *Runner) invoke(ctx context.Context, j *Job) error {
	if !j.running.CompareAndSwap(false, true) {
		observability.JobRuns.WithLabelValues(j.Name, "skipped").Inc()
		return nil
	}
	defer j.running.Store(false)

	start := time.Now()
	err := j.Run(ctx)
	observability.JobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("reconcile: job %s: %v", j.Name, err)
		}
		observability.JobRuns.WithLabelValues(j.Name, "error").Inc()
		return err
	}
	observability.JobRuns.WithLabelValues(j.Name, "ok").Inc()
	return nil
}

// ─── Standard Job Set ───────────────────────────────────────────────────────

// Config sets the standard job schedules.
type Config struct {
	SweepInterval  time.Duration // hold-expiry sweep
	ReverifyEvery  time.Duration // re-verification cron
	PollInterval   time.Duration // payment-status poller
	PollStuckAfter time.Duration // how long processing/unknown must sit before polling
	BatchLimit     int
}

// DefaultConfig returns the production schedules.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  time.Minute,
		ReverifyEvery:  12 * time.Hour,
		PollInterval:   5 * time.Minute,
		PollStuckAfter: 10 * time.Minute,
		BatchLimit:     200,
	}
}

// StandardJobs wires the three reconciliation jobs into a runner.
func StandardJobs(holds *hold.Manager, settle *settlement.Service, cfg Config) *Runner {
	r := NewRunner()

	r.Add("hold-sweep", cfg.SweepInterval, func(ctx context.Context) error {
		n, err := holds.SweepExpired(ctx, cfg.BatchLimit)
		if n > 0 {
			log.Printf("reconcile: swept %d expired holds", n)
		}
		return err
	})

	r.Add("reverify", cfg.ReverifyEvery, func(ctx context.Context) error {
		n, err := settle.ReverifyDue(ctx, cfg.BatchLimit)
		if n > 0 {
			log.Printf("reconcile: revoked %d rewards on re-verification", n)
		}
		return err
	})

	r.Add("payment-poll", cfg.PollInterval, func(ctx context.Context) error {
		n, err := settle.PollProviderState(ctx, cfg.PollStuckAfter, cfg.BatchLimit)
		if n > 0 {
			log.Printf("reconcile: settled %d unresolved transactions", n)
		}
		return err
	})

	return r
}
