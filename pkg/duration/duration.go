// Package duration provides canonical time constants for the entire codebase.
// This is the SINGLE SOURCE OF TRUTH for all time-based configuration.
//
// Usage:
//
//	ctx, cancel := context.WithTimeout(ctx, duration.EngineProbe)
//	ticker := time.NewTicker(duration.ScanCleanup)
//	srv.ReadHeaderTimeout = duration.HTTPReadHeader
//
// DO NOT use hardcoded time.Duration values like `30 * time.Second` anywhere.
// Instead, reference the appropriate constant from this package.
package duration

import "time"

// ============================================================================
// HTTP SERVER/CLIENT TIMEOUTS
// ============================================================================

const (
	// HTTPReadHeader bounds slow-header clients (10s)
	HTTPReadHeader = 10 * time.Second

	// HTTPRead bounds reading a full request (30s)
	HTTPRead = 30 * time.Second

	// HTTPIdle is the keep-alive idle timeout (120s)
	HTTPIdle = 120 * time.Second

	// HTTPShutdown is the graceful shutdown budget (15s)
	HTTPShutdown = 15 * time.Second

	// HTTPAPI is for external API calls like AI services and SMS (60s)
	HTTPAPI = 60 * time.Second

	// HTTPNotify is for short outbound notification calls (15s)
	HTTPNotify = 15 * time.Second
)

// ============================================================================
// TELEMETRY
// ============================================================================

const (
	// TelemetryConnect bounds creating the OTLP exporter (10s)
	TelemetryConnect = 10 * time.Second

	// TelemetryShutdown bounds flushing spans on exit (5s)
	TelemetryShutdown = 5 * time.Second
)

// ============================================================================
// SCAN LIFECYCLE
// ============================================================================

const (
	// ScanTTL is how long terminal scans stay in memory (30min)
	ScanTTL = 30 * time.Minute

	// ScanCleanup is how often the in-memory scan table is swept (5min)
	ScanCleanup = 5 * time.Minute

	// ScanDrain is how long shutdown waits for scan goroutines (10s)
	ScanDrain = 10 * time.Second

	// EngineProbe bounds an engine availability check (10s)
	EngineProbe = 10 * time.Second

	// EngineKillGrace is how long a cancelled engine process may linger (5s)
	EngineKillGrace = 5 * time.Second

	// AvailabilityCache is how long a probe result is reused (1min)
	AvailabilityCache = 1 * time.Minute

	// AnalysisBudget bounds analysis generation after a scan (90s)
	AnalysisBudget = 90 * time.Second
)

// ============================================================================
// WEBSOCKET
// ============================================================================

const (
	// WSWrite bounds a single frame write (10s)
	WSWrite = 10 * time.Second

	// WSPong is how long to wait for a pong before dropping a client (60s)
	WSPong = 60 * time.Second

	// WSPing is the keepalive ping period, kept below WSPong (54s)
	WSPing = (WSPong * 9) / 10

	// WSHandshake bounds the upgrade handshake (10s)
	WSHandshake = 10 * time.Second
)

// ============================================================================
// RETRY/RATE INTERVALS
// ============================================================================

const (
	// RetryFast is for quick retries (1s)
	RetryFast = 1 * time.Second

	// RetryMax caps any single retry delay (30s)
	RetryMax = 30 * time.Second

	// LimiterIdle is when an idle per-client rate limiter is evicted (10min)
	LimiterIdle = 10 * time.Minute

	// LimiterSweep is how often idle rate limiters are evicted (1min)
	LimiterSweep = 1 * time.Minute
)
