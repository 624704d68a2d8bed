package admission

import (
	"context"
	"fmt"
	"regexp"

	"github.com/metaci/metaci/internal/store"
)

// Resolve returns every active binding on repo whose plan regex matches the
// branch. The match is case-sensitive and anchored to the full branch name.
// A trigger type, when given, must also match the plan's. Zero matches is
// ErrNoMatchingPlan.
func (c *Controller) Resolve(ctx context.Context, repo store.Repository, branch string, trigger store.TriggerType) ([]store.Binding, error) {
	bindings, err := c.Store.ActivePlansForRepo(ctx, repo.ID)
	if err != nil {
		return nil, &BindingError{Err: err}
	}
	matches := []store.Binding{}
	for _, b := range bindings {
		if trigger != "" && b.Plan.Trigger != trigger {
			continue
		}
		ok, err := matchBranch(b.Plan.Regex, branch)
		if err != nil {
			return nil, &BindingError{Err: fmt.Errorf("plan %s: %w", b.Plan.Name, err)}
		}
		if ok {
			matches = append(matches, b)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNoMatchingPlan
	}
	return matches, nil
}

func matchBranch(expr, branch string) (bool, error) {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return false, fmt.Errorf("compile regex %q: %w", expr, err)
	}
	return re.MatchString(branch), nil
}
