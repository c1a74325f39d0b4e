package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"netcollect/internal/collector/httpapi"
	"netcollect/internal/collector/netcli"
	"netcollect/internal/collector/shell"
	"netcollect/internal/collector/snmp"
	"netcollect/internal/config"
	"netcollect/internal/gateway"
	"netcollect/internal/httpx"
	"netcollect/internal/session"
)

func newGatewayCmd(a *app) *cobra.Command {
	var addr, directory string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway in front of the collectors and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Gateway
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("directory") {
				services, err := config.LoadDirectoryFile(directory)
				if err != nil {
					return err
				}
				cfg.Services = services
			}

			client := &http.Client{}
			dir, err := gateway.NewDirectory(cfg.Services, client, cfg.ProbeTimeout)
			if err != nil {
				return err
			}
			router := gateway.NewRouter(dir, client, cfg.ForwardTimeout, a.logger)
			mux := httpx.NewRouter(a.logger)
			gateway.NewHandler(router, cfg.MaxBodyBytes).Routes(mux)

			a.logger.Info("gateway directory loaded", "services", cfg.ServiceNames())
			return a.run(httpx.NewServer(gateway.ServiceName, cfg.Addr, mux, a.logger), nil, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from NETCOLLECT_GATEWAY_ADDR)")
	cmd.Flags().StringVar(&directory, "directory", "", "YAML service directory file")
	return cmd
}

// sessionService is implemented by the collectors that keep a session
// registry.
type sessionService interface {
	Routes(r chi.Router)
	Registry() *session.Registry
}

func newShellCmd(a *app) *cobra.Command {
	return collectorCmd(a, "shell", "Run the SSH shell collector", shell.ServiceName,
		func(c *config.Config) *config.CollectorConfig { return &c.Shell },
		func(a *app) sessionService { return shell.NewService(a.logger, nil) })
}

func newCLICmd(a *app) *cobra.Command {
	return collectorCmd(a, "cli", "Run the structured network CLI collector", netcli.ServiceName,
		func(c *config.Config) *config.CollectorConfig { return &c.CLI },
		func(a *app) sessionService { return netcli.NewService(a.logger, nil) })
}

func collectorCmd(a *app, use, short, name string, section func(*config.Config) *config.CollectorConfig, build func(*app) sessionService) *cobra.Command {
	var addr string
	var idle time.Duration
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := section(a.cfg)
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.SessionIdleTimeout = idle
			}

			svc := build(a)
			mux := httpx.NewRouter(a.logger)
			svc.Routes(mux)

			janitorCtx, stopJanitor := context.WithCancel(context.Background())
			defer stopJanitor()
			go svc.Registry().RunJanitor(janitorCtx, cfg.SessionIdleTimeout)

			return a.run(httpx.NewServer(name, cfg.Addr, mux, a.logger), nil, func(context.Context) {
				stopJanitor()
				if n := svc.Registry().CloseAll(); n > 0 {
					a.logger.Info("closed sessions", "count", n)
				}
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().DurationVar(&idle, "idle-timeout", 0, "disconnect sessions idle for longer than this (0 disables)")
	return cmd
}

func newSNMPCmd(a *app) *cobra.Command {
	var addr string
	var workers int
	cmd := &cobra.Command{
		Use:   "snmp",
		Short: "Run the SNMP collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.SNMP
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("workers") && workers > 0 {
				cfg.Workers = workers
			}
			mux := httpx.NewRouter(a.logger)
			snmp.NewService(a.logger, nil, cfg.Workers).Routes(mux)
			return a.run(httpx.NewServer(snmp.ServiceName, cfg.Addr, mux, a.logger), nil, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel targets in a batch collection")
	return cmd
}

func newAPICmd(a *app) *cobra.Command {
	var addr string
	var workers int
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API polling collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.API
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("workers") && workers > 0 {
				cfg.Workers = workers
			}
			mux := httpx.NewRouter(a.logger)
			httpapi.NewService(a.logger, &http.Client{}, cfg.Workers, cfg.DefaultTimeout).Routes(mux)
			return a.run(httpx.NewServer(httpapi.ServiceName, cfg.Addr, mux, a.logger), nil, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel requests in a batch collection")
	return cmd
}
