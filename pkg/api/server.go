// Package api exposes the scanner over HTTP: the versioned scan endpoints,
// their legacy aliases, health probes and the mount points for the
// WebSocket hub, Prometheus and MCP handlers.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/scan"
)

// Scanner is the scan lifecycle the API drives. *scanmanager.Manager
// implements it.
type Scanner interface {
	Start(ctx context.Context, opts scan.Options) (string, error)
	Stop(id string) bool
	Result(ctx context.Context, id string) (*scan.Result, error)
	Analysis(ctx context.Context, id string) (*analysis.Analysis, error)
	Logs(ctx context.Context, id string, limit int) ([]scan.LogEntry, error)
	Recent(ctx context.Context, limit int) ([]scan.Summary, error)
	ActiveIDs() []string
	ActiveCount() int
	MaxConcurrent() int
	AIEnabled() bool
}

// Config wires the server. Handlers left nil are not mounted.
type Config struct {
	Production  bool
	FrontendURL string
	Version     string

	StartRatePerMinute int
	StartBurst         int
	MaxBodyBytes       int64
	TrustProxy         bool

	// Registerer receives the HTTP metrics. nil disables them.
	Registerer     prometheus.Registerer
	MetricsHandler http.Handler

	WebSocket http.Handler
	MCP       http.Handler

	// Connections reports live WebSocket clients for the health probe.
	Connections func() int

	// NucleiAvailable probes the nuclei binary for the health probe.
	NucleiAvailable func(ctx context.Context) bool

	Logger *slog.Logger
}

// Server is the HTTP front end. Close stops its background sweeper.
type Server struct {
	cfg     Config
	scanner Scanner
	logger  *slog.Logger
	limiter *clientLimiter
	metrics *httpMetrics
	router  *mux.Router
	handler http.Handler

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds the router and middleware chain.
func New(cfg Config, scanner Scanner) *Server {
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.StartRatePerMinute <= 0 {
		cfg.StartRatePerMinute = defaults.StartRatePerMinute
	}
	if cfg.StartBurst <= 0 {
		cfg.StartBurst = defaults.StartRateBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		scanner: scanner,
		logger:  logger.With("component", "api"),
		limiter: newClientLimiter(cfg.StartRatePerMinute, cfg.StartBurst),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.Registerer != nil {
		s.metrics = newHTTPMetrics(cfg.Registerer, defaults.ToolName)
	}
	s.routes()

	var h http.Handler = s.router
	h = securityHeaders(h)
	h = s.cors(h)
	h = s.recovery(h)
	h = s.requestLog(h)
	s.handler = h

	go s.sweepLoop()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// HTTPServer returns an http.Server for addr with the stock timeouts. The
// write timeout is left unset because /ws and /mcp hold streams open.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: duration.HTTPReadHeader,
		ReadTimeout:       duration.HTTPRead,
		IdleTimeout:       duration.HTTPIdle,
	}
}

// Close stops the rate limiter sweeper.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Server) routes() {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.instrument)
	}

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/ping", s.handlePing).Methods(http.MethodGet)

	start := s.startLimit(s.bodyLimit(http.HandlerFunc(s.handleStart)))

	v2 := r.PathPrefix("/api/v2/scanner").Subrouter()
	v2.Handle("/start", start).Methods(http.MethodPost)
	v2.HandleFunc("/status/{scanId}", s.handleStatus).Methods(http.MethodGet)
	v2.HandleFunc("/stop/{scanId}", s.handleStop).Methods(http.MethodPost)
	v2.HandleFunc("/logs/{scanId}", s.handleLogs).Methods(http.MethodGet)
	v2.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	v2.HandleFunc("/recent", s.handleRecent).Methods(http.MethodGet)
	v2.HandleFunc("/health", s.handleScannerHealth).Methods(http.MethodGet)
	v2.HandleFunc("/report/{scanId}", s.handleReport).Methods(http.MethodGet)

	legacy := r.PathPrefix("/api").Subrouter()
	legacy.Handle("/scanner/start", start).Methods(http.MethodPost)
	legacy.HandleFunc("/scanner/status/{scanId}", s.handleLegacyStatus).Methods(http.MethodGet)
	legacy.HandleFunc("/ai-analysis/{scanId}", s.handleAnalysis).Methods(http.MethodGet)

	if s.cfg.WebSocket != nil {
		r.Handle("/ws", s.cfg.WebSocket)
	}
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler).Methods(http.MethodGet)
	}
	if s.cfg.MCP != nil {
		r.PathPrefix("/mcp").Handler(s.cfg.MCP)
	}

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	s.router = r
}

func (s *Server) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(duration.LimiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if n := s.limiter.sweep(now); n > 0 {
				s.logger.Debug("evicted idle rate limit buckets", "count", n, "remaining", s.limiter.size())
			}
		}
	}
}

// internalError writes the 500 body. The cause is exposed only outside
// production.
func (s *Server) internalError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: "Internal server error", Message: "Something went wrong"}
	if !s.cfg.Production && err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
