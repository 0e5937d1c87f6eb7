package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	apigrpc "github.com/gridmr/gridmr/internal/controller/api/grpc"
	"github.com/gridmr/gridmr/internal/controller/api/rest"
	"github.com/gridmr/gridmr/internal/controller/dispatch"
	"github.com/gridmr/gridmr/internal/controller/service"
	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
	"github.com/gridmr/gridmr/internal/shared/metrics"
	"github.com/gridmr/gridmr/internal/shared/shutdown"
)

// Teardown priorities. Higher runs first: stop taking traffic, then stop the
// controller, then the dispatch fabric underneath it.
const (
	prioDrainProbes = 40
	prioAPIServers  = 30
	prioController  = 20
	prioDispatcher  = 10
)

// namedHook gives teardown steps a stable identity for the shutdown
// manager's duplicate suppression.
type namedHook struct {
	name string
	fn   func()
}

func (h *namedHook) Run() { h.fn() }

func buildServeCommand() *cobra.Command {
	var appAttempt int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadController(configFile)
			if err != nil {
				return err
			}
			return serve(cfg, appAttempt)
		},
	}
	cmd.Flags().IntVar(&appAttempt, "app-attempt", 0,
		"controller generation, incremented across restarts so committed task output can be recovered")
	return cmd
}

func serve(cfg *config.ControllerConfig, appAttempt int) error {
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, metricsHandler, err := metrics.New(ctx)
	if err != nil {
		return err
	}

	dispatcher := dispatch.NewAsync(logger)
	dispatcher.Start()

	ctrl := service.New(service.Params{
		Conf:             *cfg,
		Fs:               afero.NewOsFs(),
		Dispatcher:       dispatcher,
		ClusterTimestamp: time.Now().UnixMilli(),
		AppAttempt:       appAttempt,
		CommitObserver:   m.ObserveCommitterOp,
		Observer:         m,
		Logger:           logger,
	})

	monitor := service.NewNodeMonitor(cfg.Nodes, ctrl, logger)
	go monitor.Start(ctx)

	go sampleDispatcherStats(ctx, dispatcher, m, cfg.Nodes.CheckInterval)

	restServer := rest.NewServer(cfg.REST, rest.NewAPI(ctrl, logger), metricsHandler, logger)
	go func() {
		logger.Info("REST API listening", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("REST server failed", "error", err)
		}
	}()

	grpcServer := apigrpc.NewServer(cfg.GRPC, logger)
	go func() {
		logger.Info("gRPC health listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", "error", err)
		}
	}()
	grpcServer.SetServing()

	mgr := shutdown.NewManager(cfg.Shutdown, logger)
	registerTeardown(mgr, logger, cancel, restServer, grpcServer, ctrl, dispatcher, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	if timedOut := mgr.ExecuteShutdown(); timedOut > 0 {
		logger.Warn("shutdown hooks overran their budget", "timed_out", timedOut)
	}
	logger.Info("controller stopped")
	return nil
}

func registerTeardown(
	mgr *shutdown.Manager,
	logger logging.Logger,
	cancel context.CancelFunc,
	restServer *http.Server,
	grpcServer *apigrpc.Server,
	ctrl *service.Controller,
	dispatcher *dispatch.Async,
	cfg *config.ControllerConfig,
) {
	add := func(name string, priority int, fn func()) {
		if err := mgr.AddHook(&namedHook{name: name, fn: fn}, priority); err != nil {
			logger.Error("registering shutdown hook failed", "hook", name, "error", err)
		}
	}

	add("drain-probes", prioDrainProbes, func() {
		grpcServer.SetNotServing()
		cancel()
	})
	add("api-servers", prioAPIServers, func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.REST.WriteTimeout)
		defer done()
		if err := restServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("REST shutdown incomplete", "error", err)
		}
		grpcServer.Stop()
	})
	add("controller", prioController, func() {
		ctrl.Stop()
	})
	add("dispatcher", prioDispatcher, func() {
		dispatcher.Drain()
		dispatcher.Stop()
	})
}

// sampleDispatcherStats publishes dispatcher traffic counters on a ticker.
func sampleDispatcherStats(ctx context.Context, d dispatch.Dispatcher, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.Stats()
			m.RecordDispatcherStats(stats.Published, stats.Delivered, stats.Dropped)
		}
	}
}
