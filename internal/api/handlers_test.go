package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/metaci/metaci/internal/admission"
	"github.com/metaci/metaci/internal/dispatch"
	"github.com/metaci/metaci/internal/logstore"
	"github.com/metaci/metaci/internal/store"
)

type memQueue struct {
	reqs []dispatch.Request
}

func (q *memQueue) Enqueue(ctx context.Context, req dispatch.Request) error {
	q.reqs = append(q.reqs, req)
	return nil
}
func (q *memQueue) List(ctx context.Context) ([]dispatch.Request, error) { return q.reqs, nil }
func (q *memQueue) Clear(ctx context.Context) error                      { q.reqs = nil; return nil }
func (q *memQueue) Stats(ctx context.Context) (dispatch.Stats, error) {
	return dispatch.Stats{Length: len(q.reqs)}, nil
}
func (q *memQueue) Pop(ctx context.Context, max int) ([]dispatch.Request, error) { return nil, nil }

type memLogs struct {
	logs map[string][]byte
}

func (l *memLogs) Put(ctx context.Context, buildID string, data []byte) error {
	if l.logs == nil {
		l.logs = map[string][]byte{}
	}
	l.logs[buildID] = data
	return nil
}

func (l *memLogs) Get(ctx context.Context, buildID string) ([]byte, error) {
	data, ok := l.logs[buildID]
	if !ok {
		return nil, logstore.ErrNoLog
	}
	return data, nil
}

func newTestHandler(t *testing.T) (*http.ServeMux, *store.MemoryStore, *memLogs) {
	t.Helper()
	m := store.NewMemory()
	logs := &memLogs{}
	h := &Handler{
		Store:     m,
		Queue:     &memQueue{},
		Admission: &admission.Controller{Store: m},
		Logs:      logs,
	}
	mux := http.NewServeMux()
	h.Routes(mux)
	return mux, m, logs
}

func seedBinding(t *testing.T, m *store.MemoryStore) store.PlanRepository {
	t.Helper()
	ctx := context.Background()
	if err := m.PutRepository(ctx, store.Repository{ID: "r1", Owner: "org", Name: "app"}); err != nil {
		t.Fatal(err)
	}
	if err := m.PutPlan(ctx, store.Plan{ID: "p1", Name: "feature", Trigger: store.TriggerCommit, Regex: "feature/.*", ConcurrencyLimit: 1, Active: true}); err != nil {
		t.Fatal(err)
	}
	pr := store.PlanRepository{ID: "pr-1", PlanID: "p1", RepositoryID: "r1", Org: "dev-org", Active: true}
	if err := m.PutPlanRepository(ctx, pr); err != nil {
		t.Fatal(err)
	}
	return pr
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestTriggerEndpointCreatesBuild(t *testing.T) {
	mux, m, _ := newTestHandler(t)
	seedBinding(t, m)

	rec := doJSON(t, mux, http.MethodPost, "/api/triggers", map[string]string{
		"owner": "org", "name": "app", "branch": "feature/x", "commit": "abc123", "trigger": "commit",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var builds []store.Build
	if err := json.Unmarshal(rec.Body.Bytes(), &builds); err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 || builds[0].Status != store.StatusQueued {
		t.Fatalf("unexpected builds: %+v", builds)
	}

	// retried webhook delivery does not duplicate
	rec = doJSON(t, mux, http.MethodPost, "/api/triggers", map[string]string{
		"owner": "org", "name": "app", "branch": "feature/x", "commit": "abc123", "trigger": "commit",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d", rec.Code)
	}
	all, _ := m.ListBuilds(context.Background(), store.BuildFilter{})
	if len(all) != 1 {
		t.Fatalf("retry created duplicate: %d builds", len(all))
	}
}

func TestTriggerEndpointRejectsUnknownRepo(t *testing.T) {
	mux, _, _ := newTestHandler(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/triggers", map[string]string{
		"owner": "nobody", "name": "nothing", "branch": "main", "commit": "abc", "trigger": "commit",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPlanValidationRejected(t *testing.T) {
	mux, _, _ := newTestHandler(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/plans", map[string]any{
		"name": "bad", "trigger": "commit", "regex": "*(unclosed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestBuildCancel(t *testing.T) {
	mux, m, _ := newTestHandler(t)
	pr := seedBinding(t, m)
	b, _, err := m.CreateBuildIfAbsent(context.Background(), store.Build{
		PlanRepositoryID: pr.ID, Commit: "abc", Branch: "feature/x", Org: "dev-org", Scope: "p1/dev-org",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got, _ := m.GetBuild(context.Background(), b.ID)
	if got.Status != store.StatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	// canceling a finished build conflicts
	rec = doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestBuildStatusCallback(t *testing.T) {
	mux, m, logs := newTestHandler(t)
	pr := seedBinding(t, m)
	ctx := context.Background()
	b, _, err := m.CreateBuildIfAbsent(ctx, store.Build{
		PlanRepositoryID: pr.ID, Commit: "abc", Branch: "feature/x", Org: "dev-org", Scope: "p1/dev-org",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.TransitionBuild(ctx, b.ID, store.StatusRunning); err != nil {
		t.Fatal(err)
	}

	// non-terminal status is rejected
	rec := doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/status", map[string]string{"status": "running"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-terminal: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/status", map[string]string{
		"status": "success", "log": "all green",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got, _ := m.GetBuild(ctx, b.ID)
	if got.Status != store.StatusSuccess || got.FinishedAt == nil {
		t.Fatalf("unexpected build after callback: %+v", got)
	}
	if string(logs.logs[b.ID]) != "all green" {
		t.Fatalf("log not archived: %q", logs.logs[b.ID])
	}

	// duplicate callback conflicts
	rec = doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/status", map[string]string{"status": "failure"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate callback: expected 409, got %d", rec.Code)
	}
}

func TestBuildLogEndpoint(t *testing.T) {
	mux, m, _ := newTestHandler(t)
	pr := seedBinding(t, m)
	b, _, err := m.CreateBuildIfAbsent(context.Background(), store.Build{
		PlanRepositoryID: pr.ID, Commit: "abc", Branch: "feature/x", Org: "dev-org", Scope: "p1/dev-org",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/builds/"+b.ID+"/log", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing log: expected 404, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/builds/"+b.ID+"/log", map[string]string{"content": "line one"})
	if rec.Code != http.StatusOK {
		t.Fatalf("store log: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/api/builds/"+b.ID+"/log", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "line one") {
		t.Fatalf("fetch log: %d %q", rec.Code, rec.Body)
	}
}

func TestPlanRepoDeleteRefusedWhilePending(t *testing.T) {
	mux, m, _ := newTestHandler(t)
	pr := seedBinding(t, m)
	b, _, err := m.CreateBuildIfAbsent(context.Background(), store.Build{
		PlanRepositoryID: pr.ID, Commit: "abc", Branch: "feature/x", Org: "dev-org", Scope: "p1/dev-org",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodDelete, "/api/planrepos/"+pr.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while build pending, got %d", rec.Code)
	}
	if _, err := m.TransitionBuild(context.Background(), b.ID, store.StatusCanceled); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, mux, http.MethodDelete, "/api/planrepos/"+pr.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delete to succeed after cancel, got %d: %s", rec.Code, rec.Body)
	}
}

func TestQueueStats(t *testing.T) {
	mux, _, _ := newTestHandler(t)
	rec := doJSON(t, mux, http.MethodGet, "/api/queue/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats dispatch.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Length != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}

func TestBuildNotFound(t *testing.T) {
	mux, _, _ := newTestHandler(t)
	rec := doJSON(t, mux, http.MethodGet, "/api/builds/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
