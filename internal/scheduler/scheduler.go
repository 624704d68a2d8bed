// Package scheduler promotes pending builds to running within each
// concurrency scope's limit and hands them to the dispatch queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metaci/metaci/internal/dispatch"
	"github.com/metaci/metaci/internal/store"
)

// ErrInvalidTarget marks a build whose target org cannot be dispatched to;
// the build goes to error and is not retried.
var ErrInvalidTarget = errors.New("invalid dispatch target")

// Notifier observes build status changes (e.g. the API event hub).
type Notifier interface {
	BuildChanged(b store.Build)
}

// Scheduler runs the periodic promotion pass.
type Scheduler struct {
	Store    store.Store
	Dispatch dispatch.Backend
	Notify   Notifier
}

// Tick is one scan: load pending builds oldest-first, group them by scope
// and promote up to each plan's limit. Scopes run concurrently; builds in
// one scope serially. Per-build failures are logged, never fatal to the
// pass. A build not admitted this pass waits for the next tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	pending, err := s.Store.PendingBuilds(ctx)
	if err != nil {
		return fmt.Errorf("load pending builds: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	scopes := map[string][]store.Build{}
	order := []string{}
	for _, b := range pending {
		if _, seen := scopes[b.Scope]; !seen {
			order = append(order, b.Scope)
		}
		scopes[b.Scope] = append(scopes[b.Scope], b)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, scope := range order {
		scope := scope
		builds := scopes[scope]
		g.Go(func() error {
			s.runScope(ctx, scope, builds)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runScope(ctx context.Context, scope string, builds []store.Build) {
	limits := map[string]int{}
	for _, b := range builds {
		limit, err := s.planLimit(ctx, limits, b.PlanRepositoryID)
		if err != nil {
			log.Printf("scheduler: build %s: %v", b.ID, err)
			continue
		}
		promoted, err := s.Store.PromoteIfUnderLimit(ctx, b.ID, scope, limit)
		if err != nil {
			log.Printf("scheduler: promote %s: %v", b.ID, err)
			continue
		}
		if !promoted {
			if cur, err := s.Store.GetBuild(ctx, b.ID); err == nil && cur.Status != b.Status {
				s.changed(cur)
			}
			continue
		}
		if err := s.dispatchBuild(ctx, b); err != nil {
			log.Printf("scheduler: dispatch %s: %v", b.ID, err)
		}
	}
}

func (s *Scheduler) dispatchBuild(ctx context.Context, b store.Build) error {
	running, err := s.Store.GetBuild(ctx, b.ID)
	if err != nil {
		return err
	}
	s.changed(running)
	if running.Org == "" {
		return s.failPermanent(ctx, b.ID, ErrInvalidTarget)
	}
	pr, err := s.Store.GetPlanRepository(ctx, b.PlanRepositoryID)
	if err != nil {
		return s.requeue(ctx, b.ID, err)
	}
	plan, err := s.Store.GetPlan(ctx, pr.PlanID)
	if err != nil {
		return s.requeue(ctx, b.ID, err)
	}
	req := dispatch.Request{
		BuildID: b.ID,
		Plan:    plan.Name,
		Org:     running.Org,
		Commit:  b.Commit,
		Branch:  b.Branch,
	}
	if err := s.Dispatch.Enqueue(ctx, req); err != nil {
		if errors.Is(err, ErrInvalidTarget) {
			return s.failPermanent(ctx, b.ID, err)
		}
		return s.requeue(ctx, b.ID, err)
	}
	return nil
}

// requeue undoes the promotion after a transient failure so the build is
// re-evaluated fresh next tick.
func (s *Scheduler) requeue(ctx context.Context, id string, cause error) error {
	if err := s.Store.RequeueBuild(ctx, id); err != nil {
		return fmt.Errorf("requeue after %v: %w", cause, err)
	}
	if b, err := s.Store.GetBuild(ctx, id); err == nil {
		s.changed(b)
	}
	return fmt.Errorf("transient, requeued: %w", cause)
}

func (s *Scheduler) failPermanent(ctx context.Context, id string, cause error) error {
	if _, err := s.Store.TransitionBuild(ctx, id, store.StatusError); err != nil {
		return fmt.Errorf("mark error after %v: %w", cause, err)
	}
	if b, err := s.Store.GetBuild(ctx, id); err == nil {
		s.changed(b)
	}
	return fmt.Errorf("permanent: %w", cause)
}

func (s *Scheduler) planLimit(ctx context.Context, cache map[string]int, planRepoID string) (int, error) {
	if limit, ok := cache[planRepoID]; ok {
		return limit, nil
	}
	pr, err := s.Store.GetPlanRepository(ctx, planRepoID)
	if err != nil {
		return 0, fmt.Errorf("binding %s: %w", planRepoID, err)
	}
	plan, err := s.Store.GetPlan(ctx, pr.PlanID)
	if err != nil {
		return 0, fmt.Errorf("plan %s: %w", pr.PlanID, err)
	}
	cache[planRepoID] = plan.ConcurrencyLimit
	return plan.ConcurrencyLimit, nil
}

func (s *Scheduler) changed(b store.Build) {
	if s.Notify != nil {
		s.Notify.BuildChanged(b)
	}
}

// Loop drives Tick on a fixed interval until ctx is done. The normal
// driver is the repeatable-job runner; Loop is the fallback for processes
// running without one.
func (s *Scheduler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.Tick(ctx); err != nil {
			log.Printf("scheduler tick: %v", err)
		}
		timer.Reset(interval)
	}
}
