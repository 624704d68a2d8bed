package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/metaci/metaci/internal/admission"
	"github.com/metaci/metaci/internal/config"
	"github.com/metaci/metaci/internal/dispatch"
	"github.com/metaci/metaci/internal/logstore"
	"github.com/metaci/metaci/internal/settings"
	"github.com/metaci/metaci/internal/store"
)

// Handler wires HTTP routes to the store, admission controller and queue.
type Handler struct {
	Store     store.Store
	Queue     dispatch.Backend
	Admission *admission.Controller
	Logs      logstore.Store
	Config    config.Config

	hub     *eventHub
	hubOnce sync.Once
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/api/triggers", h.triggers)
	mux.HandleFunc("/api/repos", h.repos)
	mux.HandleFunc("/api/plans", h.plans)
	mux.HandleFunc("/api/plans/", h.planByID)
	mux.HandleFunc("/api/planrepos", h.planRepos)
	mux.HandleFunc("/api/planrepos/", h.planRepoByID)
	mux.HandleFunc("/api/builds", h.builds)
	mux.HandleFunc("/api/builds/watch", h.buildsWatch)
	mux.HandleFunc("/api/builds/", h.buildByID)
	mux.HandleFunc("/api/queue/stats", h.queueStats)
	mux.HandleFunc("/api/jobs", h.jobs)
	mux.HandleFunc("/api/settings", h.settings)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) triggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var ev admission.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	builds, err := h.Admission.Admit(r.Context(), ev)
	if errors.Is(err, admission.ErrInvalidTrigger) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, b := range builds {
		if b.Status == store.StatusQueued {
			h.BuildChanged(b)
		}
	}
	writeJSON(w, http.StatusAccepted, builds)
}

func (h *Handler) repos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		repos, err := h.Store.ListRepositories(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, repos)
	case http.MethodPost:
		var repo store.Repository
		if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if repo.Owner == "" || repo.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner and name required"})
			return
		}
		if err := h.Store.PutRepository(r.Context(), repo); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "created"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) plans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		plans, err := h.Store.ListPlans(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, plans)
	case http.MethodPost:
		h.putPlan(w, r, "")
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) planByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/plans/"):]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id required"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		plan, err := h.Store.GetPlan(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, plan)
	case http.MethodPut:
		h.putPlan(w, r, id)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) putPlan(w http.ResponseWriter, r *http.Request, id string) {
	var plan store.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if id != "" {
		plan.ID = id
	}
	plan = store.NormalizePlan(plan)
	if errs := store.ValidatePlan(plan); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid plan", "detail": errs})
		return
	}
	if err := h.Store.PutPlan(r.Context(), plan); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "saved"})
}

func (h *Handler) planRepos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prs, err := h.Store.ListPlanRepositories(r.Context(), r.URL.Query().Get("plan"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, prs)
	case http.MethodPost:
		var pr store.PlanRepository
		if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if pr.PlanID == "" || pr.RepositoryID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "plan_id and repository_id required"})
			return
		}
		if err := h.Store.PutPlanRepository(r.Context(), pr); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "created"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) planRepoByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/planrepos/"):]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id required"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		pr, err := h.Store.GetPlanRepository(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, pr)
	case http.MethodDelete:
		err := h.Store.DeletePlanRepository(r.Context(), id)
		if errors.Is(err, store.ErrBuildsPending) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "binding has pending builds"})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "deleted"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handler) builds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), settings.Load(h.Config.SettingsPath).RecentLimit, 200)
	f := store.BuildFilter{
		Status:           store.BuildStatus(q.Get("status")),
		PlanRepositoryID: q.Get("planrepo"),
		Commit:           q.Get("commit"),
		Limit:            limit,
	}
	builds, err := h.Store.ListBuilds(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (h *Handler) buildByID(w http.ResponseWriter, r *http.Request) {
	// Path: /api/builds/{id}[/cancel|/status|/log]
	parts := splitPath(r.URL.Path)
	if len(parts) < 3 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id required"})
		return
	}
	id := parts[2]
	action := ""
	if len(parts) > 3 {
		action = parts[3]
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		b, err := h.Store.GetBuild(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "build not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, b)
	case "cancel":
		h.buildCancel(w, r, id)
	case "status":
		h.buildStatus(w, r, id)
	case "log":
		h.buildLog(w, r, id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
	}
}

func (h *Handler) buildCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	b, err := h.Store.TransitionBuild(r.Context(), id, store.StatusCanceled)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "build not found"})
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "build already finished"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.BuildChanged(b)
	writeJSON(w, http.StatusOK, b)
}

// buildStatus is the executor's terminal-state callback.
func (h *Handler) buildStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Status store.BuildStatus `json:"status"`
		Log    string            `json:"log"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if !req.Status.Valid() || !req.Status.Terminal() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be terminal"})
		return
	}
	b, err := h.Store.TransitionBuild(r.Context(), id, req.Status)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "build not found"})
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "transition not allowed"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if req.Log != "" && h.Logs != nil {
		if err := h.Logs.Put(r.Context(), id, []byte(req.Log)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	h.BuildChanged(b)
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) buildLog(w http.ResponseWriter, r *http.Request, id string) {
	if h.Logs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "log archive not configured"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		data, err := h.Logs.Get(r.Context(), id)
		if errors.Is(err, logstore.ErrNoLog) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no log for build"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPost:
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if err := h.Logs.Put(r.Context(), id, []byte(req.Content)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "stored"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// buildsWatch streams build status changes as server-sent events.
func (h *Handler) buildsWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	ch, cancel := h.getEventHub().subscribe()
	defer cancel()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	jobs, err := h.Store.ListRepeatableJobs(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, settings.Load(h.Config.SettingsPath))
	case http.MethodPut:
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if err := settings.Save(h.Config.SettingsPath, s); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, settings.ApplyDefaults(s))
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func parseIntDefault(val string, def int, max int) int {
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil || i <= 0 {
		return def
	}
	if i > max {
		return max
	}
	return i
}

func splitPath(p string) []string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
