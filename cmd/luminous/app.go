package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/luminousflow/luminous/pkg/ai"
	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/api"
	"github.com/luminousflow/luminous/pkg/config"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/engine"
	"github.com/luminousflow/luminous/pkg/mcpserver"
	"github.com/luminousflow/luminous/pkg/nuclei"
	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/hooks"
	"github.com/luminousflow/luminous/pkg/scanmanager"
	"github.com/luminousflow/luminous/pkg/store"
	"github.com/luminousflow/luminous/pkg/ui"
	"github.com/luminousflow/luminous/pkg/wshub"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	nuclei     *nuclei.Runner
	summarizer ai.Summarizer
	dispatcher *dispatcher.Dispatcher
	registry   *prometheus.Registry
	metrics    *hooks.PrometheusHook
	hub        *wshub.Hub
	manager    *scanmanager.Manager
	mcp        *mcpserver.Server

	hookNames []string
}

// appOptions carries process-level choices that are not configuration.
type appOptions struct {
	// Console, when set, receives one line per finding and finished scan.
	Console io.Writer
	Styles  *ui.Styles
	// Engines replaces the default engine set. Used by tests.
	Engines []engine.Engine
}

// newApp opens the store and wires engines, analysis, hooks and the scan
// manager. On error every component opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.store, err = store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.nuclei = nuclei.New(cfg.Nuclei, logger)
	engines := opts.Engines
	if engines == nil {
		engines = []engine.Engine{a.nuclei}
	}
	registry := engine.NewRegistry(engines...)

	if cfg.AI.Enabled {
		aiCfg := cfg.AI.Config
		aiCfg.Provider = cfg.AIProvider()
		a.summarizer, err = ai.New(ctx, aiCfg)
		if err != nil {
			return nil, fmt.Errorf("init ai provider: %w", err)
		}
	}
	analyzer := analysis.New(a.summarizer, logger)

	a.dispatcher = dispatcher.New(dispatcher.Config{Async: true, Logger: logger})
	if err = a.registerHooks(opts); err != nil {
		return nil, err
	}

	a.hub = wshub.New(wshub.Options{
		CheckOrigin: originChecker(cfg),
		Logger:      logger,
	})
	a.register(a.hub)

	a.manager = scanmanager.New(scanmanager.Config{
		MaxConcurrent:  cfg.Scanner.MaxConcurrent,
		DefaultTimeout: secs(cfg.Scanner.DefaultTimeoutSec),
		Logger:         logger,
	}, a.store, registry, analyzer, a.dispatcher)

	a.mcp = mcpserver.New(mcpserver.Config{
		Scanner:         a.manager,
		NucleiAvailable: a.nuclei.Available,
		Connections:     a.hub.Count,
		Logger:          logger,
	})
	a.register(mcpserver.NewHook(a.mcp))

	if _, err = a.manager.RecoverInterrupted(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// registerHooks attaches the configured outbound hooks.
func (a *app) registerHooks(opts appOptions) error {
	cfg := a.cfg
	a.register(hooks.NewLoggerHook(a.logger))

	if cfg.Telemetry.Metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := hooks.NewPrometheusHook(hooks.PrometheusOptions{
			Registry:  a.registry,
			Namespace: defaults.ToolName,
		})
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		a.metrics = m
		a.register(m)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		h, err := hooks.NewOTelHook(hooks.OTelOptions{
			Endpoint:          cfg.Telemetry.OTLPEndpoint,
			ServiceName:       defaults.ToolName,
			Insecure:          cfg.Telemetry.OTLPInsecure,
			ShutdownTimeout:   duration.TelemetryShutdown,
			ConnectionTimeout: duration.TelemetryConnect,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.register(h)
	}

	if cfg.Notify.WebhookURL != "" {
		a.register(hooks.NewWebhookHook(cfg.Notify.WebhookURL, hooks.WebhookOptions{
			RetryCount:  defaults.RetryMedium,
			MinSeverity: cfg.Notify.WebhookMinSeverity,
		}))
	}

	if tw := cfg.Notify.Twilio; tw.AccountSID != "" {
		client := hooks.NewTwilioClient(tw.AccountSID, tw.AuthToken, tw.From, tw.SenderName)
		h, err := hooks.NewSMSHook(client, hooks.SMSOptions{
			Recipients:      tw.To,
			MinSeverity:     tw.MinSeverity,
			NotifyCompleted: tw.NotifyCompleted,
			Logger:          a.logger,
		})
		if err != nil {
			return fmt.Errorf("init sms alerts: %w", err)
		}
		a.register(h)
	}

	if opts.Console != nil && opts.Styles != nil {
		a.register(ui.NewConsoleHook(opts.Console, opts.Styles))
	}
	return nil
}

func (a *app) register(h dispatcher.Hook) {
	a.dispatcher.RegisterHook(h)
	if n, ok := h.(dispatcher.Named); ok {
		a.hookNames = append(a.hookNames, n.Name())
	}
}

// apiServer builds the HTTP front end over the app's components.
func (a *app) apiServer() *api.Server {
	cfg := api.Config{
		Production:         a.cfg.IsProduction(),
		FrontendURL:        a.cfg.Server.FrontendURL,
		StartRatePerMinute: a.cfg.Server.StartRatePerMinute,
		StartBurst:         a.cfg.Server.StartBurst,
		MaxBodyBytes:       a.cfg.Server.MaxBodyBytes,
		TrustProxy:         a.cfg.Server.TrustProxy,
		WebSocket:          a.hub,
		MCP:                a.mcp.HTTPHandler(),
		Connections:        a.hub.Count,
		NucleiAvailable:    a.nuclei.Available,
		Logger:             a.logger,
	}
	if a.registry != nil {
		cfg.Registerer = a.registry
		cfg.MetricsHandler = a.metrics.Handler()
	}
	return api.New(cfg, a.manager)
}

// bannerInfo summarizes the running configuration.
func (a *app) bannerInfo(ctx context.Context) ui.BannerInfo {
	provider := string(ai.ProviderLocal) + " heuristic"
	if a.summarizer != nil {
		provider = string(a.summarizer.Provider())
	}
	available := a.nuclei.Available(ctx)
	return ui.BannerInfo{
		Addr:            a.cfg.Server.Addr,
		Environment:     a.cfg.Server.Environment,
		Database:        a.cfg.Database.Path,
		MaxConcurrent:   a.manager.MaxConcurrent(),
		NucleiAvailable: available,
		NucleiVersion:   a.nuclei.Version(),
		AIProvider:      provider,
		Hooks:           a.hookNames,
	}
}

// close drains and then releases every component. Safe on a partially
// built app.
func (a *app) close(ctx context.Context) error {
	return errors.Join(a.drain(ctx), a.release())
}

// drain stops running scans and delivers their final events: the manager
// fails active scans, the dispatcher flushes every hook queue so the
// WebSocket hub has the terminal events queued, and only then the hub
// sends them and closes its clients.
func (a *app) drain(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Shutdown(ctx))
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close())
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// release closes the AI client and the store. Call it after the HTTP
// server has stopped serving requests that read the store.
func (a *app) release() error {
	var errs []error
	if c, ok := a.summarizer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// originChecker restricts WebSocket handshakes to the frontend origin in
// production. Development accepts any origin like the CORS layer does.
func originChecker(cfg *config.Config) func(*http.Request) bool {
	if !cfg.IsProduction() {
		return nil
	}
	allowed := strings.TrimRight(cfg.Server.FrontendURL, "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
	}
}
