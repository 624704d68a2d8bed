package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and the
// default single-process dev configuration.
type MemoryStore struct {
	mu       sync.Mutex
	repos    map[string]Repository
	plans    map[string]Plan
	bindings map[string]PlanRepository
	builds   map[string]Build
	jobs     map[string]RepeatableJob
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		repos:    make(map[string]Repository),
		plans:    make(map[string]Plan),
		bindings: make(map[string]PlanRepository),
		builds:   make(map[string]Build),
		jobs:     make(map[string]RepeatableJob),
	}
}

func (m *MemoryStore) PutRepository(ctx context.Context, repo Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	m.repos[repo.ID] = repo
	return nil
}

func (m *MemoryStore) GetRepository(ctx context.Context, owner, name string) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.repos {
		if r.Owner == owner && r.Name == name {
			return r, nil
		}
	}
	return Repository{}, ErrNotFound
}

func (m *MemoryStore) ListRepositories(ctx context.Context) ([]Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Repository, 0, len(m.repos))
	for _, r := range m.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug() < out[j].Slug() })
	return out, nil
}

func (m *MemoryStore) PutPlan(ctx context.Context, plan Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	m.plans[plan.ID] = plan
	return nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListPlans(ctx context.Context) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) PutPlanRepository(ctx context.Context, pr PlanRepository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now().UTC()
	}
	// one active binding per (plan, repo)
	if pr.Active {
		for id, other := range m.bindings {
			if id != pr.ID && other.PlanID == pr.PlanID && other.RepositoryID == pr.RepositoryID && other.Active {
				other.Active = false
				m.bindings[id] = other
			}
		}
	}
	m.bindings[pr.ID] = pr
	return nil
}

func (m *MemoryStore) GetPlanRepository(ctx context.Context, id string) (PlanRepository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.bindings[id]
	if !ok {
		return PlanRepository{}, ErrNotFound
	}
	return pr, nil
}

func (m *MemoryStore) ListPlanRepositories(ctx context.Context, planID string) ([]PlanRepository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []PlanRepository{}
	for _, pr := range m.bindings {
		if planID == "" || pr.PlanID == planID {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeletePlanRepository(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return ErrNotFound
	}
	for _, b := range m.builds {
		if b.PlanRepositoryID == id && !b.Status.Terminal() {
			return ErrBuildsPending
		}
	}
	delete(m.bindings, id)
	return nil
}

func (m *MemoryStore) ActivePlansForRepo(ctx context.Context, repoID string) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Binding{}
	for _, pr := range m.bindings {
		if !pr.Active || pr.RepositoryID != repoID {
			continue
		}
		plan, ok := m.plans[pr.PlanID]
		if !ok || !plan.Active {
			continue
		}
		out = append(out, Binding{Plan: plan, Repo: pr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan.Name < out[j].Plan.Name })
	return out, nil
}

func (m *MemoryStore) CreateBuildIfAbsent(ctx context.Context, b Build) (Build, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.builds {
		if existing.PlanRepositoryID == b.PlanRepositoryID && existing.Commit == b.Commit && !existing.Status.Terminal() {
			return existing, false, nil
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = StatusQueued
	}
	m.builds[b.ID] = b
	return b, true, nil
}

func (m *MemoryStore) GetBuild(ctx context.Context, id string) (Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) ListBuilds(ctx context.Context, f BuildFilter) ([]Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Build{}
	for _, b := range m.builds {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.PlanRepositoryID != "" && b.PlanRepositoryID != f.PlanRepositoryID {
			continue
		}
		if f.Commit != "" && b.Commit != f.Commit {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PendingBuilds(ctx context.Context) ([]Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Build{}
	for _, b := range m.builds {
		if b.Status == StatusQueued || b.Status == StatusWaiting {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransitionBuild(ctx context.Context, id string, to BuildStatus) (Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, to)
}

func (m *MemoryStore) transitionLocked(id string, to BuildStatus) (Build, error) {
	b, ok := m.builds[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	if !CanTransition(b.Status, to) {
		return Build{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	b.Status = to
	if to == StatusRunning && b.StartedAt == nil {
		b.StartedAt = &now
	}
	if to.Terminal() {
		b.FinishedAt = &now
	}
	m.builds[id] = b
	return b, nil
}

func (m *MemoryStore) PromoteIfUnderLimit(ctx context.Context, id string, scope string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != StatusQueued && b.Status != StatusWaiting {
		return false, ErrInvalidTransition
	}
	running := 0
	for _, other := range m.builds {
		if other.Scope == scope && other.Status == StatusRunning {
			running++
		}
	}
	if limit > 0 && running >= limit {
		if b.Status != StatusWaiting {
			if _, err := m.transitionLocked(id, StatusWaiting); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if _, err := m.transitionLocked(id, StatusRunning); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) RequeueBuild(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusRunning {
		return ErrInvalidTransition
	}
	b.Status = StatusQueued
	b.StartedAt = nil
	m.builds[id] = b
	return nil
}

func (m *MemoryStore) EnsureRepeatableJob(ctx context.Context, job RepeatableJob) (RepeatableJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.Name == job.Name && existing.Callable == job.Callable && existing.Enabled {
			return existing, false, nil
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Enabled = true
	m.jobs[job.ID] = job
	return job, true, nil
}

func (m *MemoryStore) ListRepeatableJobs(ctx context.Context, enabledOnly bool) ([]RepeatableJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []RepeatableJob{}
	for _, j := range m.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
