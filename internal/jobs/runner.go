package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron"

	"github.com/metaci/metaci/internal/store"
)

// Runner executes enabled repeatable jobs on their intervals. Callables are
// resolved from the registry once at Start, never dynamically per fire.
type Runner struct {
	Store    store.Store
	Registry *Registry
	// Timeout bounds one job invocation. Zero means 30 minutes.
	Timeout time.Duration

	cron *cron.Cron
}

// Start reads enabled jobs from the store and schedules them. It returns
// after scheduling; jobs fire on cron goroutines until Stop or ctx done.
func (r *Runner) Start(ctx context.Context) error {
	enabled, err := r.Store.ListRepeatableJobs(ctx, true)
	if err != nil {
		return err
	}
	c := cron.New()
	for _, job := range enabled {
		fn, err := r.Registry.Resolve(job.Callable)
		if err != nil {
			log.Printf("job runner: skip %s: %v", job.Name, err)
			continue
		}
		every, err := IntervalDuration(job.Interval, job.Unit)
		if err != nil {
			log.Printf("job runner: skip %s: %v", job.Name, err)
			continue
		}
		name := job.Name
		c.Schedule(cron.Every(every), cron.FuncJob(func() {
			r.fire(ctx, name, fn)
		}))
		log.Printf("job runner: scheduled %s every %s", name, every)
	}
	c.Start()
	r.cron = c
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the cron scheduler; in-flight jobs finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *Runner) fire(ctx context.Context, name string, fn Callable) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("job %s: panic: %v", name, p)
		}
	}()
	if err := fn(runCtx); err != nil {
		log.Printf("job %s: %v", name, err)
	}
}
