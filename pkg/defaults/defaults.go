// Package defaults provides canonical default values for the entire codebase.
// This is the SINGLE SOURCE OF TRUTH for all runtime configuration defaults.
//
// Usage:
//
//	cfg.Scanner.MaxConcurrent = defaults.MaxConcurrentScans
//	limit := httpx.QueryInt(r, "limit", defaults.LogsLimit)
//	w.Header().Set("Content-Type", defaults.ContentTypeJSON)
//
// DO NOT use hardcoded values like `MaxConcurrent: 5` anywhere.
// Instead, reference the appropriate constant from this package.
package defaults

import "fmt"

// Version is the current Luminous version
const Version = "2.0.0"

// ToolName is the canonical lowercase name used in user agents and metrics.
const ToolName = "luminous"

// ProductName is the display name shown in API responses and banners.
const ProductName = "LUMINOUS FLOW Scanner"

// UserAgent returns the standard User-Agent string for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ToolName, Version)
}

// ============================================================================
// SCAN ORCHESTRATION
// ============================================================================
//
// Limits applied by the scan manager and the HTTP layer.
// ============================================================================

const (
	// MaxConcurrentScans caps how many scans may be pending or running (5)
	MaxConcurrentScans = 5

	// ScanTimeoutMinSec is the smallest accepted per-scan timeout (10s)
	ScanTimeoutMinSec = 10

	// ScanTimeoutMaxSec is the largest accepted per-scan timeout (1h)
	ScanTimeoutMaxSec = 3600

	// ScanTimeoutDefaultSec applies when a request omits a timeout (10min)
	ScanTimeoutDefaultSec = 600

	// ScanLogBuffer is how many log lines each scan keeps in memory (500)
	ScanLogBuffer = 500

	// PrioritizedVulns is how many findings an analysis ranks (10)
	PrioritizedVulns = 10
)

// ============================================================================
// API PAGINATION
// ============================================================================

const (
	// LogsLimit is the default number of log lines returned (50)
	LogsLimit = 50

	// RecentLimit is the default number of recent scans returned (10)
	RecentLimit = 10

	// MaxListLimit bounds any client-supplied limit (500)
	MaxListLimit = 500
)

// ============================================================================
// HTTP SERVER
// ============================================================================

const (
	// ListenAddr is the default bind address.
	ListenAddr = ":3001"

	// MaxBodyBytes caps request bodies (10MB, matching the dashboard client)
	MaxBodyBytes = 10 << 20

	// ContentTypeJSON is the JSON response content type.
	ContentTypeJSON = "application/json"

	// ContentTypePDF is the PDF report content type.
	ContentTypePDF = "application/pdf"

	// StartRatePerMinute is the per-client scan start budget (10)
	StartRatePerMinute = 10

	// StartRateBurst is the per-client scan start burst (3)
	StartRateBurst = 3
)

// ============================================================================
// STORAGE
// ============================================================================

const (
	// DatabasePath is the default SQLite database location.
	DatabasePath = "luminous.db"
)

// ============================================================================
// EXTERNAL ENGINE
// ============================================================================

const (
	// NucleiBinary is the executable name looked up on PATH.
	NucleiBinary = "nuclei"

	// NucleiRateLimit is the default requests per second passed to nuclei (150)
	NucleiRateLimit = 150

	// NucleiConcurrency is the default template concurrency (25)
	NucleiConcurrency = 25

	// NucleiStatsIntervalSec is how often nuclei prints progress stats (5s)
	NucleiStatsIntervalSec = 5

	// NucleiRequestTimeoutSec is the per-request timeout passed to nuclei (10s)
	NucleiRequestTimeoutSec = 10

	// StderrTailLines is how much stderr is kept for error messages (20)
	StderrTailLines = 20
)

// ============================================================================
// AI PROVIDERS
// ============================================================================

const (
	// OpenAIBaseURL is the chat completions API root.
	OpenAIBaseURL = "https://api.openai.com/v1"

	// OpenAIModel is the default OpenAI model.
	OpenAIModel = "gpt-4o-mini"

	// GeminiModel is the default Gemini model.
	GeminiModel = "gemini-1.5-flash"

	// AIMaxTokens bounds the generated summary (400)
	AIMaxTokens = 400
)

// ============================================================================
// RETRY SETTINGS
// ============================================================================

const (
	// RetryLow is for outbound notifications (2)
	RetryLow = 2

	// RetryMedium is for AI provider calls (3)
	RetryMedium = 3
)

// ============================================================================
// WEBSOCKET
// ============================================================================

const (
	// WSSendBuffer is the per-client outbound message queue size (256)
	WSSendBuffer = 256

	// WSMaxMessageBytes caps inbound client messages (4KB)
	WSMaxMessageBytes = 4 << 10
)
