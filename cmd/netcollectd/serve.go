package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"netcollect/internal/httpx"
)

// run starts srv, reports readiness to systemd and blocks until a signal,
// a server error or a failure reported on extra. Shutdown is bounded by the
// configured grace period; cleanup runs after the server has stopped.
func (a *app) run(srv *httpx.Server, extra <-chan error, cleanup func(context.Context)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.notifySystemd(daemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
		runErr = err
	case err := <-extra:
		if err != nil {
			a.logger.Error("component error", "err", err)
			runErr = err
		}
	}
	a.notifySystemd(daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
	if cleanup != nil {
		cleanup(shutdownCtx)
	}
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *app) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.logger.Warn("systemd notify", "state", state, "err", err)
		return
	}
	if sent {
		a.logger.Debug("systemd notified", "state", state)
	}
}
