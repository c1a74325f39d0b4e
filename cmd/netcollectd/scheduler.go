package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"netcollect/internal/api"
	"netcollect/internal/config"
	"netcollect/internal/core"
	"netcollect/internal/dispatch"
	"netcollect/internal/httpx"
	"netcollect/internal/logging"
	netcollectmcp "netcollect/internal/mcp"
	"netcollect/internal/notify"
	"netcollect/internal/store"
)

func newSchedulerCmd(a *app) *cobra.Command {
	var (
		addr, mode, gatewayURL, stateDir string
		workers                          int
	)
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the recurring task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Scheduler
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("mode") {
				cfg.Mode = mode
			}
			if flags.Changed("gateway-url") {
				cfg.GatewayURL = gatewayURL
			}
			if flags.Changed("state-dir") {
				cfg.StateDir = stateDir
			}
			if flags.Changed("workers") && workers > 0 {
				cfg.Workers = workers
			}
			switch cfg.Mode {
			case "http", "mcp", "both":
			default:
				return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", cfg.Mode)
			}
			// stdout carries the MCP protocol.
			if cfg.Mode != "http" {
				a.logger = logging.NewWithWriter(os.Stderr, a.cfg.Log.Level, a.cfg.Log.Format)
			}
			return a.runScheduler(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&mode, "mode", "http", "serve mode: http, mcp or both")
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "base URL of the API gateway")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory for the SQLite state file (empty keeps state in memory)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent task executions")
	return cmd
}

func (a *app) runScheduler(cfg config.SchedulerConfig) error {
	logger := a.logger
	location := cfg.Location()

	notifier, err := notify.FromConfig(a.cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("configure notifications: %w", err)
	}

	opts := core.Options{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		TickInterval:    cfg.TickInterval,
		DispatchTimeout: cfg.DispatchTimeout,
		Notifier:        notifier,
	}
	var results core.ResultLog = core.NewMemoryResultLog(cfg.ResultRetention)
	var st *store.Store
	if cfg.StateDir != "" {
		st, err = store.Open(context.Background(), cfg.StateDir, cfg.ResultRetention)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		opts.Store = st
		results = st.Results()
		logger.Info("state persisted", "dir", cfg.StateDir)
	}

	invoker := dispatch.NewGatewayInvoker(cfg.GatewayURL, &http.Client{}, logger)
	scheduler := core.NewScheduler(invoker, results, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if st != nil {
		n, err := scheduler.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore tasks: %w", err)
		}
		logger.Info("tasks restored", "count", n)
	}
	scheduler.Start(ctx)

	stopScheduler := func(ctx context.Context) {
		if err := scheduler.Stop(ctx); err != nil {
			logger.Warn("scheduler stop", "err", err)
		}
	}

	mcpServer := netcollectmcp.NewServer(scheduler, logger, location, version)
	if cfg.Mode == "mcp" {
		return a.runStdio(ctx, mcpServer, stopScheduler)
	}

	var mcpErr chan error
	if cfg.Mode == "both" {
		mcpErr = make(chan error, 1)
		go func() {
			if err := mcpServer.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				mcpErr <- err
			}
		}()
	}
	handler := api.NewServer(scheduler, mcpServer.Handler(), logger, location)
	srv := httpx.NewServer(api.ServiceName, cfg.Addr, handler, logger)
	return a.run(srv, mcpErr, func(ctx context.Context) {
		cancel()
		stopScheduler(ctx)
	})
}

// runStdio serves MCP on stdin/stdout until the client disconnects or a
// signal arrives.
func (a *app) runStdio(ctx context.Context, srv *netcollectmcp.Server, cleanup func(context.Context)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.notifySystemd(daemon.SdNotifyReady)
	err := srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.notifySystemd(daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	cleanup(shutdownCtx)
	a.logger.Info("shutdown complete")
	return err
}
