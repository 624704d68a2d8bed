package admission

import (
	"context"
	"fmt"
	"log"

	"github.com/metaci/metaci/internal/store"
)

// TriggerScheduled fires a synthetic trigger event for every registered
// repository against its schedule-type plans. The commit is recorded as
// HEAD of the default branch; the executor resolves the concrete sha.
// Dedup on (binding, HEAD) keeps scheduled builds from piling up while one
// is still in flight.
func (c *Controller) TriggerScheduled(ctx context.Context) error {
	repos, err := c.Store.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	var admitted int
	for _, repo := range repos {
		branch := repo.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		builds, err := c.Admit(ctx, TriggerEvent{
			Owner:   repo.Owner,
			Name:    repo.Name,
			Branch:  branch,
			Commit:  "HEAD",
			Trigger: store.TriggerSchedule,
		})
		if err != nil {
			log.Printf("scheduled trigger %s: %v", repo.Slug(), err)
			continue
		}
		admitted += len(builds)
	}
	if admitted > 0 {
		log.Printf("scheduled trigger: %d builds admitted", admitted)
	}
	return nil
}
