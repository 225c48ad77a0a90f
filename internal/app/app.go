// Package app wires the scheduler, correlator and their infrastructure
// from configuration. Both binaries build the same graph.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/classifier"
	"github.com/unclebandit/voicecampaign-backend/internal/config"
	"github.com/unclebandit/voicecampaign-backend/internal/controller"
	"github.com/unclebandit/voicecampaign-backend/internal/db"
	"github.com/unclebandit/voicecampaign-backend/internal/dedupe"
	"github.com/unclebandit/voicecampaign-backend/internal/handler"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/queue"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
	"github.com/unclebandit/voicecampaign-backend/internal/service"
	"github.com/unclebandit/voicecampaign-backend/internal/vendor"
)

// DemoBusiness is preloaded into the in-memory store, matching seed/businesses.sql.
var DemoBusiness = model.Business{ID: 1, Name: "Demo Collections", VendorPhoneNumberID: "pn_demo"}

type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry

	Store       repository.Store
	Queue       queue.Queue
	Vendor      vendor.VoiceClient
	Rescheduler *queue.Rescheduler
	Scheduler   *service.Scheduler
	Correlator  *service.Correlator
	Campaigns   *service.CampaignService
	Sweeper     *service.Sweeper
	Worker      *service.Worker

	sqlDB *sql.DB
	redis *redis.Client
}

// Build constructs every component. Nothing runs until Start.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store, state is lost on exit")
		mem := repository.NewMemoryStore()
		mem.PutBusiness(DemoBusiness)
		a.Store = mem
	default:
		conn, err := db.Open(ctx, cfg.DB, log)
		if err != nil {
			return nil, err
		}
		a.sqlDB = conn
		a.Store = repository.NewPostgresStore(conn)
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(log)
	}

	if cfg.Vendor.Simulated() {
		log.Warn("no vendor credentials, using simulated voice vendor")
		a.Vendor = vendor.NewSimulatedClient(func(_ context.Context, ev model.CompletionEvent) {
			if err := a.Queue.Publish(queue.TopicVendorCompletions, ev); err != nil {
				log.Warn("publish simulated completion failed", zap.Error(err))
			}
		})
	} else {
		a.Vendor = vendor.NewHTTPClient(cfg.Vendor.BaseURL, cfg.Vendor.APIKey, cfg.Vendor.Timeout)
	}

	trigger := &queue.AdvanceTrigger{Queue: a.Queue}
	a.Rescheduler = queue.NewRescheduler(a.Queue, cfg.Scheduler.AdvancePollInterval, log)

	dispatcher := &service.Dispatcher{
		Store:   a.Store,
		Vendor:  a.Vendor,
		Script:  service.TemplateScriptContext{},
		Metrics: m,
		Log:     log,
	}
	a.Scheduler = &service.Scheduler{
		Store:       a.Store,
		Dispatcher:  dispatcher,
		Rescheduler: a.Rescheduler,
		Metrics:     m,
		Log:         log,
		ClaimLease:  cfg.Scheduler.ClaimLease,
	}
	a.Correlator = &service.Correlator{
		Store:        a.Store,
		Classifier:   classifier.NewKeywordClassifier(),
		Advancer:     trigger,
		Metrics:      m,
		Log:          log,
		Window:       cfg.Correlation.Window,
		SuffixDigits: cfg.Correlation.SuffixDigits,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.Correlator.Deduper = dedupe.NewRedisDeduper(a.redis, cfg.Correlation.DedupeTTL)
	}

	a.Campaigns = service.NewCampaignService(a.Store, trigger, m, log, cfg.DefaultRegion)
	a.Sweeper = &service.Sweeper{
		Store:       a.Store,
		Advancer:    a.Scheduler,
		Concurrency: cfg.Scheduler.SweepConcurrency,
		Log:         log,
	}
	a.Worker = service.NewWorker(a.Scheduler, a.Correlator, log)
	return a, nil
}

// Start subscribes the worker and starts the periodic sweep.
func (a *App) Start() error {
	if err := a.Worker.Register(a.Queue); err != nil {
		return err
	}
	return a.Sweeper.Start(a.Config.Scheduler.SweepInterval)
}

// Router serves the campaign API, the vendor webhook, health and metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	ctrl := &controller.CampaignController{CampaignService: a.Campaigns, Log: a.Log}
	ctrl.Routes(r)

	webhook := handler.NewWebhookHandler(a.Correlator, a.Config.Vendor.WebhookSecret, a.Log)
	r.Post("/webhooks/voice", webhook.VoiceCompletion)
	return r
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Rescheduler != nil {
		a.Rescheduler.Stop()
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.sqlDB != nil {
		errs = append(errs, a.sqlDB.Close())
	}
	return errors.Join(errs...)
}
