package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metaci/metaci/internal/dispatch"
	"github.com/metaci/metaci/internal/store"
)

type fakeDispatch struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	err  error
}

func (f *fakeDispatch) Enqueue(ctx context.Context, req dispatch.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeDispatch) List(ctx context.Context) ([]dispatch.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.reqs...), nil
}

func (f *fakeDispatch) Clear(ctx context.Context) error { return nil }

func (f *fakeDispatch) Stats(ctx context.Context) (dispatch.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dispatch.Stats{Length: len(f.reqs)}, nil
}

func (f *fakeDispatch) Pop(ctx context.Context, max int) ([]dispatch.Request, error) {
	return nil, nil
}

func fixture(t *testing.T, limit int) (*Scheduler, *store.MemoryStore, *fakeDispatch, store.PlanRepository) {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	if err := m.PutRepository(ctx, store.Repository{ID: "r1", Owner: "org", Name: "app"}); err != nil {
		t.Fatal(err)
	}
	plan := store.Plan{ID: "p1", Name: "nightly", Trigger: store.TriggerCommit, Regex: "release/.*", ConcurrencyLimit: limit, Active: true}
	if err := m.PutPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}
	pr := store.PlanRepository{ID: "b1", PlanID: plan.ID, RepositoryID: "r1", Org: "ci-org", Active: true}
	if err := m.PutPlanRepository(ctx, pr); err != nil {
		t.Fatal(err)
	}
	fd := &fakeDispatch{}
	return &Scheduler{Store: m, Dispatch: fd}, m, fd, pr
}

func queueBuild(t *testing.T, m *store.MemoryStore, pr store.PlanRepository, commit string, at time.Time) store.Build {
	t.Helper()
	b, created, err := m.CreateBuildIfAbsent(context.Background(), store.Build{
		PlanRepositoryID: pr.ID,
		Commit:           commit,
		Branch:           "release/1.0",
		Org:              pr.Org,
		Scope:            pr.PlanID + "/" + pr.Org,
		CreatedAt:        at,
	})
	if err != nil || !created {
		t.Fatalf("queue build %s: created=%v err=%v", commit, created, err)
	}
	return b
}

func TestTickRespectsConcurrencyLimit(t *testing.T) {
	s, m, fd, pr := fixture(t, 2)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		queueBuild(t, m, pr, fmt.Sprintf("sha-%d", i), base.Add(time.Duration(i)*time.Second))
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	running, _ := m.ListBuilds(ctx, store.BuildFilter{Status: store.StatusRunning})
	waiting, _ := m.ListBuilds(ctx, store.BuildFilter{Status: store.StatusWaiting})
	if len(running) != 2 || len(waiting) != 3 {
		t.Fatalf("expected 2 running / 3 waiting, got %d / %d", len(running), len(waiting))
	}
	if len(fd.reqs) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(fd.reqs))
	}
}

func TestTickAdmitsOldestFirst(t *testing.T) {
	s, m, fd, pr := fixture(t, 1)
	base := time.Now().Add(-time.Minute)
	oldest := queueBuild(t, m, pr, "sha-1", base)
	queueBuild(t, m, pr, "sha-2", base.Add(time.Second))
	queueBuild(t, m, pr, "sha-3", base.Add(2*time.Second))

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetBuild(context.Background(), oldest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("oldest build not admitted first: %s", got.Status)
	}
	if len(fd.reqs) != 1 || fd.reqs[0].BuildID != oldest.ID {
		t.Fatalf("unexpected dispatches: %+v", fd.reqs)
	}
}

func TestTransientDispatchFailureRequeues(t *testing.T) {
	s, m, fd, pr := fixture(t, 1)
	fd.err = errors.New("broker down")
	b := queueBuild(t, m, pr, "sha-1", time.Now())

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetBuild(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected requeue to queued, got %s", got.Status)
	}
	// once the broker recovers, the next tick runs it
	fd.err = nil
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetBuild(context.Background(), b.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running after recovery, got %s", got.Status)
	}
}

func TestPermanentDispatchFailureErrorsBuild(t *testing.T) {
	s, m, fd, pr := fixture(t, 1)
	fd.err = fmt.Errorf("executor rejected target: %w", ErrInvalidTarget)
	b := queueBuild(t, m, pr, "sha-1", time.Now())

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetBuild(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusError {
		t.Fatalf("expected error state, got %s", got.Status)
	}
	// not retried on subsequent ticks
	fd.err = nil
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fd.reqs) != 0 {
		t.Fatalf("errored build was dispatched: %+v", fd.reqs)
	}
}

func TestMissingOrgIsPermanent(t *testing.T) {
	s, m, _, pr := fixture(t, 1)
	b, _, err := m.CreateBuildIfAbsent(context.Background(), store.Build{
		PlanRepositoryID: pr.ID, Commit: "sha-1", Branch: "release/1.0", Scope: "p1/",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetBuild(context.Background(), b.ID)
	if got.Status != store.StatusError {
		t.Fatalf("expected error for empty org, got %s", got.Status)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	s, m, fd, pr := fixture(t, 1)
	b := queueBuild(t, m, pr, "deadbeef", time.Now())

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetBuild(context.Background(), b.ID)
	if got.Status != store.StatusRunning || got.StartedAt == nil {
		t.Fatalf("expected running with start time, got %+v", got)
	}
	if len(fd.reqs) != 1 || fd.reqs[0].Commit != "deadbeef" || fd.reqs[0].Plan != "nightly" {
		t.Fatalf("unexpected dispatch: %+v", fd.reqs)
	}
	// executor reports success
	done, err := m.TransitionBuild(context.Background(), b.ID, store.StatusSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if done.FinishedAt == nil {
		t.Fatal("terminal state without finish time")
	}
	// terminal is a sink
	if _, err := m.TransitionBuild(context.Background(), b.ID, store.StatusCanceled); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("transition out of success allowed: %v", err)
	}
	// another tick leaves it alone
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fd.reqs) != 1 {
		t.Fatalf("finished build re-dispatched: %+v", fd.reqs)
	}
}

func TestScopesScheduleIndependently(t *testing.T) {
	s, m, fd, pr := fixture(t, 1)
	// second plan with its own scope and limit
	plan2 := store.Plan{ID: "p2", Name: "docs", Trigger: store.TriggerCommit, Regex: ".*", ConcurrencyLimit: 1, Active: true}
	if err := m.PutPlan(context.Background(), plan2); err != nil {
		t.Fatal(err)
	}
	pr2 := store.PlanRepository{ID: "b2", PlanID: "p2", RepositoryID: "r1", Org: "docs-org", Active: true}
	if err := m.PutPlanRepository(context.Background(), pr2); err != nil {
		t.Fatal(err)
	}
	base := time.Now().Add(-time.Minute)
	queueBuild(t, m, pr, "sha-1", base)
	queueBuild(t, m, pr2, "sha-1", base.Add(time.Second))

	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	running, _ := m.ListBuilds(context.Background(), store.BuildFilter{Status: store.StatusRunning})
	if len(running) != 2 {
		t.Fatalf("independent scopes should both admit, got %d running", len(running))
	}
	if len(fd.reqs) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(fd.reqs))
	}
}
