// Package app wires the engine's components from configuration.
package app

import (
	"fmt"
	"log"
	"net/http"

	"github.com/pysugar/ledgersync/internal/api"
	"github.com/pysugar/ledgersync/internal/categorize"
	"github.com/pysugar/ledgersync/internal/config"
	"github.com/pysugar/ledgersync/internal/connection"
	"github.com/pysugar/ledgersync/internal/db"
	"github.com/pysugar/ledgersync/internal/ledger"
	"github.com/pysugar/ledgersync/internal/notify"
	"github.com/pysugar/ledgersync/internal/provider"
	"github.com/pysugar/ledgersync/internal/provider/catalog"
	"github.com/pysugar/ledgersync/internal/sync/ingest"
	"github.com/pysugar/ledgersync/internal/sync/orchestrator"
	"github.com/pysugar/ledgersync/internal/sync/reconcile"
	"github.com/pysugar/ledgersync/internal/vault"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config       config.Config
	DB           *gorm.DB
	Store        *ledger.Store
	Providers    *provider.Registry
	Connections  *connection.Manager
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler
}

// Options override pieces of the wiring.
type Options struct {
	// DB is used instead of opening cfg.Database.Path.
	DB *gorm.DB
	// Providers is used instead of the catalog.
	Providers *provider.Registry
	// Notifier receives events in addition to the log (and the configured
	// webhook, if any).
	Notifier notify.Notifier
}

// New builds the engine from cfg.
func New(cfg config.Config, opts Options) (*App, error) {
	database := opts.DB
	if database == nil {
		var err error
		database, err = db.InitDB(cfg.Database.Path, cfg.Database.Verbose)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
	}

	v, err := vault.New(cfg.Security.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("%w (set LEDGERSYNC_SECURITY_TOKEN_KEY)", err)
	}

	reg := opts.Providers
	timezones := map[string]string{}
	if reg == nil {
		if err := catalog.Init(cfg.Providers.File); err != nil {
			log.Printf("⚠️ Provider catalog: %v (using defaults)", err)
		}
		reg = provider.NewRegistry()
		registered := catalog.Register(reg)
		log.Printf("📦 Registered %d provider(s): %v", len(registered), registered)
		timezones = catalog.Timezones()
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}
	if opts.Notifier != nil {
		notifiers = append(notifiers, opts.Notifier)
	}

	rules, err := categorize.Load(cfg.Categorize.RulesFile, cfg.Categorize.SimilarityThreshold)
	if err != nil {
		return nil, fmt.Errorf("load category rules: %w", err)
	}

	store := ledger.NewStore(database)
	policy := cfg.Retry.Policy()
	manager := connection.NewManager(store, v, reg, connection.Options{
		RefreshMargin:    cfg.Connection.RefreshMargin,
		FailureThreshold: cfg.Connection.FailureThreshold,
		Retry:            policy,
		Notifier:         notifiers,
	})
	ingester := ingest.New(store, manager, reg, ingest.Options{
		MaxPages:          cfg.Sync.MaxPages,
		DefaultTimezone:   cfg.Ingest.DefaultTimezone,
		ProviderTimezones: timezones,
		Retry:             policy,
	})
	reconciler := reconcile.New(store, reconcile.Options{
		Strategy:      cfg.Reconcile.Strategy,
		Tolerance:     cfg.Reconcile.Tolerance,
		HardThreshold: cfg.Reconcile.HardThreshold,
		Notifier:      notifiers,
	})
	orch := orchestrator.New(store, manager, ingester, reconciler, categorize.NewCategorizer(store, rules), orchestrator.Options{
		Timeout:          cfg.Sync.Timeout,
		StaleGrace:       cfg.Sync.StaleGrace,
		RateLimitBackoff: cfg.Sync.RateLimitBackoff,
		Notifier:         notifiers,
	})

	return &App{
		Config:       cfg,
		DB:           database,
		Store:        store,
		Providers:    reg,
		Connections:  manager,
		Orchestrator: orch,
		Scheduler:    orchestrator.NewScheduler(orch, store, cfg.Sync.PollInterval, cfg.Sync.MaxConcurrent),
	}, nil
}

// Router returns the HTTP surface.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Deps{
		DB:            a.DB,
		Store:         a.Store,
		Syncer:        a.Orchestrator,
		Connections:   a.Connections,
		WebhookSecret: catalog.WebhookSecret,
	})
}
