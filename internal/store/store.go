package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a disallowed build status change.
	ErrInvalidTransition = errors.New("invalid build transition")
	// ErrBuildsPending is returned when deleting a binding that still has
	// non-terminal builds referencing it.
	ErrBuildsPending = errors.New("binding has pending builds")
)

// TriggerType classifies what caused (or may cause) a build.
type TriggerType string

const (
	TriggerCommit   TriggerType = "commit"
	TriggerTag      TriggerType = "tag"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// Repository is a registered source repository.
type Repository struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Slug returns the owner/name identity used by trigger events.
func (r Repository) Slug() string {
	return r.Owner + "/" + r.Name
}

// Plan is a named pipeline definition.
type Plan struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Trigger          TriggerType `json:"trigger"`
	Regex            string      `json:"regex"`
	OrgTemplate      string      `json:"org_template"`
	ConcurrencyLimit int         `json:"concurrency_limit"`
	Active           bool        `json:"active"`
	Public           bool        `json:"public"`
	CreatedAt        time.Time   `json:"created_at"`
}

// PlanRepository binds a plan to a repository, optionally overriding the
// target org. At most one active row exists per (plan, repo) pair.
type PlanRepository struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	RepositoryID string    `json:"repository_id"`
	Org          string    `json:"org"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Binding pairs a plan with one of its repository bindings, as returned by
// ActivePlansForRepo.
type Binding struct {
	Plan Plan           `json:"plan"`
	Repo PlanRepository `json:"planrepo"`
}

// Build is one admitted build request and its lifecycle state.
type Build struct {
	ID               string      `json:"id"`
	PlanRepositoryID string      `json:"plan_repository_id"`
	Commit           string      `json:"commit"`
	Branch           string      `json:"branch"`
	Org              string      `json:"org"`
	Scope            string      `json:"scope"`
	Status           BuildStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

// RepeatableJob is a named periodic job registration.
type RepeatableJob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Callable  string    `json:"callable"`
	Enabled   bool      `json:"enabled"`
	Interval  int       `json:"interval"`
	Unit      string    `json:"unit"`
	Queue     string    `json:"queue"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	Status           BuildStatus
	PlanRepositoryID string
	Commit           string
	Limit            int
}

// Store is the durable record of repositories, plans, bindings, builds and
// repeatable jobs.
type Store interface {
	// Repositories
	PutRepository(ctx context.Context, repo Repository) error
	GetRepository(ctx context.Context, owner, name string) (Repository, error)
	ListRepositories(ctx context.Context) ([]Repository, error)

	// Plans
	PutPlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	// Bindings
	PutPlanRepository(ctx context.Context, pr PlanRepository) error
	GetPlanRepository(ctx context.Context, id string) (PlanRepository, error)
	ListPlanRepositories(ctx context.Context, planID string) ([]PlanRepository, error)
	// DeletePlanRepository refuses with ErrBuildsPending while non-terminal
	// builds reference the binding.
	DeletePlanRepository(ctx context.Context, id string) error
	// ActivePlansForRepo returns active plan/binding pairs for a repository.
	ActivePlansForRepo(ctx context.Context, repoID string) ([]Binding, error)

	// Builds
	// CreateBuildIfAbsent inserts the build unless a non-terminal build
	// already exists for the same (planrepo, commit) pair; in that case the
	// existing build is returned with created=false. The check and insert
	// are atomic with respect to concurrent callers.
	CreateBuildIfAbsent(ctx context.Context, b Build) (Build, bool, error)
	GetBuild(ctx context.Context, id string) (Build, error)
	ListBuilds(ctx context.Context, f BuildFilter) ([]Build, error)
	// PendingBuilds returns queued and waiting builds, oldest first.
	PendingBuilds(ctx context.Context) ([]Build, error)
	// TransitionBuild applies a status change, enforcing the build state
	// machine. Running stamps StartedAt; terminal states stamp FinishedAt.
	TransitionBuild(ctx context.Context, id string, to BuildStatus) (Build, error)
	// PromoteIfUnderLimit moves a queued or waiting build to running when
	// fewer than limit builds are running in its scope, else to waiting.
	// The count and the update are serialized per scope.
	PromoteIfUnderLimit(ctx context.Context, id string, scope string, limit int) (bool, error)
	// RequeueBuild returns a running build to queued after a transient
	// dispatch failure, clearing StartedAt.
	RequeueBuild(ctx context.Context, id string) error

	// Repeatable jobs
	// EnsureRepeatableJob creates the job unless an enabled job with the
	// same (name, callable) exists; returns created=false in that case.
	EnsureRepeatableJob(ctx context.Context, job RepeatableJob) (RepeatableJob, bool, error)
	ListRepeatableJobs(ctx context.Context, enabledOnly bool) ([]RepeatableJob, error)
}
