package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/luminousflow/luminous/pkg/cli"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/ui"
)

// runServe starts the HTTP service and blocks until a signal arrives.
func runServe(args []string) error {
	cfg, flags, err := loadConfig("serve", args)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)

	ctx, cancel := cli.SignalContext(logger, duration.HTTPShutdown)
	defer cancel()

	var opts appOptions
	interactive := ui.IsTerminal(os.Stdout) && !cfg.IsProduction()
	if interactive {
		opts.Console = os.Stdout
		opts.Styles = ui.NewStyles(ui.NewRenderer(os.Stdout, false))
	}

	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	srv := a.apiServer()
	httpSrv := srv.HTTPServer(cfg.Server.Addr)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		shutdownApp(a, srv)
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	if interactive && !flags.NoBanner {
		ui.PrintBanner(os.Stdout, opts.Styles, a.bannerInfo(ctx))
	}
	logger.Info("server listening",
		"addr", ln.Addr().String(),
		"environment", cfg.Server.Environment,
		"max_concurrent", cfg.Scanner.MaxConcurrent,
		"ai_enabled", a.summarizer != nil,
		"hooks", a.hookNames,
	)
	if !a.nuclei.Available(ctx) {
		logger.Warn("nuclei binary not found; scans requesting it will fail", "binary", cfg.Nuclei.Binary)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("http server stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), duration.HTTPShutdown)
	defer shutdownCancel()

	// Scans and WebSocket clients go first so that their final events
	// are broadcast; the store closes only after in-flight requests finish.
	if derr := a.drain(shutdownCtx); derr != nil {
		logger.Warn("component shutdown", "error", derr)
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	srv.Close()
	if rerr := a.release(); rerr != nil {
		logger.Warn("release resources", "error", rerr)
	}
	logger.Info("server stopped")
	return err
}

// shutdownApp releases resources when startup fails after newApp.
func shutdownApp(a *app, srv interface{ Close() }) {
	ctx, cancel := context.WithTimeout(context.Background(), duration.HTTPShutdown)
	defer cancel()
	_ = a.close(ctx)
	srv.Close()
}
