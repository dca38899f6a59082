// Package app wires the services shared by the server and the CLI commands.
package app

import (
	"fmt"

	"github.com/martinsuchenak/routersync/internal/allocator"
	"github.com/martinsuchenak/routersync/internal/config"
	"github.com/martinsuchenak/routersync/internal/identity"
	"github.com/martinsuchenak/routersync/internal/locks"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
	"github.com/martinsuchenak/routersync/internal/profile"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/martinsuchenak/routersync/internal/routeros"
	"github.com/martinsuchenak/routersync/internal/secrets"
	"github.com/martinsuchenak/routersync/internal/snmp"
	"github.com/martinsuchenak/routersync/internal/storage"
	"github.com/martinsuchenak/routersync/internal/subscription"
	"github.com/martinsuchenak/routersync/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// App holds the wired services
type App struct {
	Config     *config.Config
	Store      *storage.Store
	Vault      *secrets.Vault
	Metrics    *metrics.Metrics
	Gateway    *routeros.Gateway
	Mapper     *identity.Mapper
	Gate       *locks.RouterGate
	Allocator  *allocator.Allocator
	Profiles   *profile.Synchronizer
	Machine    *subscription.Machine
	Reconciler *reconcile.Reconciler
}

// New opens the store and builds every service from cfg. Metrics are
// registered with registerer when it is non-nil.
func New(cfg *config.Config, registerer prometheus.Registerer) (*App, error) {
	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	vault, err := secrets.NewVault(master, cfg.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info("Storage initialized", "backend", "SQLite", "path", store.GetDatabasePath())

	var m *metrics.Metrics
	if registerer != nil {
		m = metrics.NewMetrics(registerer)
	}

	policy := locks.RetryPolicy{
		InitialInterval: locks.DefaultRetryPolicy.InitialInterval,
		MaxInterval:     locks.DefaultRetryPolicy.MaxInterval,
		MaxElapsed:      cfg.LockTimeout,
	}

	dialer := routeros.NewStoreDialer(store, vault, cfg.DeviceTimeout, cfg.DeviceInsecureTLS)
	gw := routeros.NewGateway(dialer,
		routeros.WithCallTimeout(cfg.DeviceTimeout),
		routeros.WithMaxRetries(uint64(cfg.DeviceRetries)),
		routeros.WithMetrics(m),
	)

	mapper := identity.New(store, m)
	gate := locks.NewRouterGate(policy)
	alloc := allocator.New(store, locks.NewKeyed(policy), m)
	profiles := profile.New(store, gw, mapper)

	var prober reconcile.Prober
	if cfg.ProbeEnabled {
		prober = snmp.NewProber(cfg.ProbeTimeout)
	}

	return &App{
		Config:    cfg,
		Store:     store,
		Vault:     vault,
		Metrics:   m,
		Gateway:   gw,
		Mapper:    mapper,
		Gate:      gate,
		Allocator: alloc,
		Profiles:  profiles,
		Machine: subscription.New(subscription.Config{
			Store:     store,
			Gateway:   gw,
			Allocator: alloc,
			Profiles:  profiles,
			Mapper:    mapper,
			Gate:      gate,
			Vault:     vault,
			Metrics:   m,
		}),
		Reconciler: reconcile.New(store, gw, mapper, gate, prober, m),
	}, nil
}

// Open loads configuration from the environment and builds the services
// without metrics, for one-shot CLI commands.
func Open() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg, nil)
}

// Scheduler builds the background scheduler for reconciliation and resume jobs
func (a *App) Scheduler() (*worker.Scheduler, error) {
	return worker.NewScheduler(worker.SchedulerConfig{
		Routers:           a.Store,
		Reconciler:        a.Reconciler,
		Resumer:           a.Machine,
		Workers:           a.Config.ReconcileWorkers,
		ReconcileSchedule: a.Config.ReconcileSchedule,
		ResumeSchedule:    a.Config.ResumeSchedule,
	})
}

// Close releases the store
func (a *App) Close() error {
	return a.Store.Close()
}
