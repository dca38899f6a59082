package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/martinsuchenak/routersync/internal/api"
	"github.com/martinsuchenak/routersync/internal/app"
	"github.com/martinsuchenak/routersync/internal/config"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/mcp"
	"github.com/martinsuchenak/routersync/internal/worker"
	"github.com/paularlott/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 15 * time.Second

// ServerConfig holds configuration for running the server
type ServerConfig struct {
	Config     *config.Config
	APIHandler *api.Handler
	MCPServer  *mcp.Server
	Scheduler  *worker.Scheduler
	Registry   *prometheus.Registry
}

// NewMux registers the API, MCP and metrics endpoints and applies middleware
func NewMux(cfg *ServerConfig) http.Handler {
	mux := http.NewServeMux()

	cfg.APIHandler.RegisterRoutes(mux)
	mux.HandleFunc("/mcp", cfg.MCPServer.GetHTTPHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.Config.IsAPIAuthEnabled() {
		handler = api.AuthMiddleware(cfg.Config.APIAuthToken, handler)
	}
	handler = api.SecurityHeadersMiddleware(handler)
	return api.LoggingMiddleware(handler)
}

// RunServer serves until ctx is cancelled, then drains in-flight requests
func RunServer(ctx context.Context, cfg *ServerConfig) error {
	server := &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           NewMux(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Scheduler != nil {
		cfg.Scheduler.Start()
		log.Info("Scheduler started",
			"reconcile", cfg.Config.ReconcileSchedule,
			"resume", cfg.Config.ResumeSchedule,
			"workers", cfg.Config.ReconcileWorkers)
	} else {
		log.Info("Scheduler disabled. Reconciliation runs only on request.")
	}

	log.Info("Starting routersync server", "addr", cfg.Config.ListenAddr)
	log.Info("API available", "url", "http://localhost"+cfg.Config.ListenAddr+"/api/")
	log.Info("MCP available", "url", "http://localhost"+cfg.Config.ListenAddr+"/mcp")
	if cfg.Config.IsAPIAuthEnabled() {
		log.Info("API authentication enabled")
	} else {
		log.Warn("API authentication disabled")
	}
	cfg.MCPServer.LogStartup()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case serveErr = <-errCh:
		log.Error("Server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", "error", err)
	}
	if cfg.Scheduler != nil {
		log.Info("Stopping scheduler...")
		cfg.Scheduler.Stop()
	}

	log.Info("Server stopped")
	return serveErr
}

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the routersync server",
		Description: "Start the HTTP server with the billing API, MCP endpoint, metrics and background reconciliation",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.FromCommand(cmd)
			if err != nil {
				return err
			}
			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr, "key_version", cfg.KeyVersion)

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := app.New(cfg, registry)
			if err != nil {
				return err
			}
			defer a.Close()

			var scheduler *worker.Scheduler
			if cfg.SchedulerEnabled {
				scheduler, err = a.Scheduler()
				if err != nil {
					return err
				}
			}

			deps := api.Deps{
				Store:      a.Store,
				Machine:    a.Machine,
				Allocator:  a.Allocator,
				Profiles:   a.Profiles,
				Gateway:    a.Gateway,
				Mapper:     a.Mapper,
				Reconciler: a.Reconciler,
				Scheduler:  scheduler,
				Vault:      a.Vault,
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return RunServer(ctx, &ServerConfig{
				Config:     cfg,
				APIHandler: api.NewHandler(deps),
				MCPServer: mcp.NewServer(mcp.Deps{
					Store:      a.Store,
					Machine:    a.Machine,
					Allocator:  a.Allocator,
					Reconciler: a.Reconciler,
				}, cfg.MCPAuthToken),
				Scheduler: scheduler,
				Registry:  registry,
			})
		},
	}
}
