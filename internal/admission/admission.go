// Package admission turns trigger events into build records. It resolves
// which plan/repository bindings apply to an event and creates queued
// builds, deduplicating retried deliveries of the same commit.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metaci/metaci/internal/store"
)

var (
	// ErrInvalidTrigger is returned when an event lacks a resolvable
	// repository identity.
	ErrInvalidTrigger = errors.New("invalid trigger event")
	// ErrNoMatchingPlan is the benign "nothing to do" outcome of binding
	// resolution; Admit swallows it and returns an empty list.
	ErrNoMatchingPlan = errors.New("no matching plan")
)

// BindingError wraps unexpected failures from binding resolution so the
// caller can tell them apart from admission-time validation.
type BindingError struct {
	Err error
}

func (e *BindingError) Error() string { return "binding resolution: " + e.Err.Error() }
func (e *BindingError) Unwrap() error { return e.Err }

// TriggerEvent is an incoming request that may cause builds.
type TriggerEvent struct {
	Owner   string            `json:"owner"`
	Name    string            `json:"name"`
	Branch  string            `json:"branch"`
	Commit  string            `json:"commit"`
	Trigger store.TriggerType `json:"trigger"`
}

// Controller admits trigger events against the store.
type Controller struct {
	Store store.Store
}

// Admit creates (or finds) one queued build per matching binding. A branch
// matching no plan returns an empty list, not an error.
func (c *Controller) Admit(ctx context.Context, ev TriggerEvent) ([]store.Build, error) {
	if ev.Owner == "" || ev.Name == "" {
		return nil, ErrInvalidTrigger
	}
	if ev.Branch == "" || ev.Commit == "" {
		return nil, fmt.Errorf("%w: branch and commit required", ErrInvalidTrigger)
	}
	repo, err := c.Store.GetRepository(ctx, ev.Owner, ev.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown repository %s/%s", ErrInvalidTrigger, ev.Owner, ev.Name)
	}
	if err != nil {
		return nil, &BindingError{Err: err}
	}
	matches, err := c.Resolve(ctx, repo, ev.Branch, ev.Trigger)
	if errors.Is(err, ErrNoMatchingPlan) {
		return []store.Build{}, nil
	}
	if err != nil {
		return nil, err
	}
	builds := make([]store.Build, 0, len(matches))
	for _, m := range matches {
		org := EffectiveOrg(m, repo)
		b := store.Build{
			PlanRepositoryID: m.Repo.ID,
			Commit:           ev.Commit,
			Branch:           ev.Branch,
			Org:              org,
			Scope:            ScopeKey(m.Plan.ID, org),
			Status:           store.StatusQueued,
		}
		created, _, err := c.Store.CreateBuildIfAbsent(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("create build for plan %s: %w", m.Plan.Name, err)
		}
		builds = append(builds, created)
	}
	return builds, nil
}

// EffectiveOrg resolves the target org for a binding: the binding override
// wins, else the plan template with {repo} expanded to the repository name.
func EffectiveOrg(b store.Binding, repo store.Repository) string {
	if b.Repo.Org != "" {
		return b.Repo.Org
	}
	return strings.ReplaceAll(b.Plan.OrgTemplate, "{repo}", repo.Name)
}

// ScopeKey groups builds that share a concurrency limit.
func ScopeKey(planID, org string) string {
	return planID + "/" + org
}
