package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/metaci/metaci/internal/admission"
	"github.com/metaci/metaci/internal/api"
	"github.com/metaci/metaci/internal/config"
	"github.com/metaci/metaci/internal/dispatch"
	"github.com/metaci/metaci/internal/jobs"
	"github.com/metaci/metaci/internal/logstore"
	"github.com/metaci/metaci/internal/scheduler"
	"github.com/metaci/metaci/internal/settings"
	"github.com/metaci/metaci/internal/store"
)

// Service owns the wired control plane: store, admission, scheduler, job
// runner and the HTTP surface.
type Service struct {
	cfg     config.Config
	store   store.Store
	handler http.Handler
	runner  *jobs.Runner
	sched   *scheduler.Scheduler
	ctrl    *admission.Controller
}

// New wires the service from config.
func New(cfg config.Config) (*Service, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	queue := BuildDispatch(cfg)
	logs := buildLogStore(cfg)
	ctrl := &admission.Controller{Store: st}
	h := &api.Handler{
		Store:     st,
		Queue:     queue,
		Admission: ctrl,
		Logs:      logs,
		Config:    cfg,
	}
	sched := &scheduler.Scheduler{Store: st, Dispatch: queue, Notify: h}
	mux := http.NewServeMux()
	h.Routes(mux)
	svc := &Service{
		cfg:     cfg,
		store:   st,
		handler: withCORS(cfg, withGzip(mux)),
		sched:   sched,
		ctrl:    ctrl,
	}
	svc.runner = &jobs.Runner{Store: st, Registry: svc.buildRegistry()}
	return svc, nil
}

// Start bootstraps jobs and serves HTTP until the listener fails.
func (s *Service) Start(ctx context.Context) error {
	snap := settings.Load(s.cfg.SettingsPath)
	if settings.BoolValue(snap.AutoSeed) {
		res, err := store.SeedPlansFromDir(ctx, s.store, s.cfg.PlansDir)
		if err != nil {
			return fmt.Errorf("seed plans: %w", err)
		}
		if res.Files > 0 {
			log.Printf("seeded plans: %d loaded, %d skipped from %d files", res.Loaded, res.Skipped, res.Files)
		}
		for _, e := range res.Errors {
			log.Printf("seed plans: %s", e)
		}
	}
	specs := []jobs.Spec{jobs.DefaultSchedulerJob(), jobs.DefaultScheduledPlansJob()}
	specs[0].Interval = snap.SchedulerIntervalMin
	for _, spec := range specs {
		job, created, err := jobs.EnsureRegistered(ctx, s.store, spec)
		if err != nil {
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
		if created {
			log.Printf("registered repeatable job %s (every %d %s)", job.Name, job.Interval, job.Unit)
		}
	}
	if settings.BoolValue(snap.AutoSchedule) {
		if err := s.runner.Start(ctx); err != nil {
			return fmt.Errorf("start job runner: %w", err)
		}
	}
	srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("starting control plane on %s", s.cfg.HTTPAddr)
	return srv.ListenAndServe()
}

// Handler exposes the HTTP surface for tests.
func (s *Service) Handler() http.Handler { return s.handler }

func (s *Service) buildRegistry() *jobs.Registry {
	reg := jobs.NewRegistry()
	reg.Register(jobs.CallableCheckWaitingBuilds, s.sched.Tick)
	reg.Register(jobs.CallableRunScheduledPlans, s.ctrl.TriggerScheduled)
	return reg
}

func buildStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if !cfg.SkipMigrate {
			if err := pg.Migrate(context.Background()); err != nil {
				return nil, err
			}
		}
		return pg, nil
	case "memory", "":
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// BuildDispatch selects the dispatch queue backend from config.
func BuildDispatch(cfg config.Config) dispatch.Backend {
	switch cfg.DispatchBackend {
	case "redis":
		return dispatch.NewRedisQueue(cfg.RedisURL, cfg.RedisKey)
	case "kafka":
		return dispatch.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	return dispatch.NewFileQueue(cfg.QueueFile)
}

func buildLogStore(cfg config.Config) logstore.Store {
	if cfg.LogStoreEndpoint == "" || cfg.LogStoreBucket == "" {
		return logstore.NullStore{}
	}
	ls, err := logstore.NewMinIOStore(cfg.LogStoreEndpoint, cfg.LogStoreAccess, cfg.LogStoreSecret, cfg.LogStoreBucket, cfg.LogStoreUseSSL)
	if err != nil {
		log.Printf("log store unavailable, logs will not be archived: %v", err)
		return logstore.NullStore{}
	}
	return ls
}
