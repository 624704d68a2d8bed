package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/metaci/metaci/internal/store"
)

// Spec describes a repeatable job to register.
type Spec struct {
	Name     string
	Callable string
	Interval int
	Unit     string
	Queue    string
}

// DefaultSchedulerJob is the registration that drives the scheduler loop:
// one enabled row system-wide, ticking every minute.
func DefaultSchedulerJob() Spec {
	return Spec{
		Name:     "check_waiting_builds",
		Callable: CallableCheckWaitingBuilds,
		Interval: 1,
		Unit:     "minutes",
		Queue:    "short",
	}
}

// DefaultScheduledPlansJob fires schedule-type plans once a day.
func DefaultScheduledPlansJob() Spec {
	return Spec{
		Name:     "run_scheduled_plans",
		Callable: CallableRunScheduledPlans,
		Interval: 24,
		Unit:     "hours",
		Queue:    "short",
	}
}

// EnsureRegistered registers the job unless an enabled job with the same
// (name, callable) pair already exists. Safe to call from every process
// replica; only the first creates a row.
func EnsureRegistered(ctx context.Context, st store.Store, spec Spec) (store.RepeatableJob, bool, error) {
	if spec.Name == "" || spec.Callable == "" {
		return store.RepeatableJob{}, false, fmt.Errorf("job name and callable required")
	}
	if _, err := IntervalDuration(spec.Interval, spec.Unit); err != nil {
		return store.RepeatableJob{}, false, err
	}
	job := store.RepeatableJob{
		Name:     spec.Name,
		Callable: spec.Callable,
		Interval: spec.Interval,
		Unit:     spec.Unit,
		Queue:    spec.Queue,
		Enabled:  true,
	}
	return st.EnsureRepeatableJob(ctx, job)
}

// IntervalDuration converts an interval/unit pair to a duration.
func IntervalDuration(interval int, unit string) (time.Duration, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %d", interval)
	}
	switch unit {
	case "seconds":
		return time.Duration(interval) * time.Second, nil
	case "minutes":
		return time.Duration(interval) * time.Minute, nil
	case "hours":
		return time.Duration(interval) * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown interval unit %q", unit)
}
