// Package nuclei runs ProjectDiscovery's nuclei binary as a scan engine.
//
// The binary is invoked with JSONL output and JSON statistics. Results are
// streamed to the engine.Sink while the process runs; stats lines drive
// progress.
package nuclei

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/engine"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

const engineName = "nuclei"

// scanner buffers are sized for results that embed full HTTP responses.
const (
	lineBufInitial = 64 << 10
	lineBufMax     = 8 << 20
)

var versionRe = regexp.MustCompile(`v?\d+\.\d+\.\d+`)

// Config controls how the binary is invoked.
type Config struct {
	Binary         string   `yaml:"binary"`
	Templates      []string `yaml:"templates"`
	RateLimit      int      `yaml:"rate_limit"`
	Concurrency    int      `yaml:"concurrency"`
	RequestTimeout int      `yaml:"request_timeout"`
	StatsInterval  int      `yaml:"stats_interval"`
	ExtraArgs      []string `yaml:"extra_args"`
}

// DefaultConfig returns the stock invocation settings.
func DefaultConfig() Config {
	return Config{
		Binary:         defaults.NucleiBinary,
		RateLimit:      defaults.NucleiRateLimit,
		Concurrency:    defaults.NucleiConcurrency,
		RequestTimeout: defaults.NucleiRequestTimeoutSec,
		StatsInterval:  defaults.NucleiStatsIntervalSec,
	}
}

// Runner is an engine.Engine backed by the nuclei CLI.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	available bool
	version   string
}

var _ engine.Engine = (*Runner)(nil)

// New creates a Runner. Zero-valued config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Runner {
	d := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = d.Binary
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = d.RateLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = d.StatsInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("engine", engineName)}
}

// Name implements engine.Engine.
func (r *Runner) Name() string { return engineName }

// Available implements engine.Engine. Probe results are cached briefly so
// health polling does not fork a process per request.
func (r *Runner) Available(ctx context.Context) bool {
	r.mu.Lock()
	if !r.checkedAt.IsZero() && time.Since(r.checkedAt) < duration.AvailabilityCache {
		ok := r.available
		r.mu.Unlock()
		return ok
	}
	r.mu.Unlock()

	version, err := r.CheckInstallation(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkedAt = time.Now()
	r.available = err == nil
	r.version = version
	if err != nil {
		r.logger.Debug("nuclei unavailable", "error", err)
	}
	return r.available
}

// Version returns the last probed version string, if any.
func (r *Runner) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// CheckInstallation runs `nuclei -version` and returns the reported version.
func (r *Runner) CheckInstallation(ctx context.Context) (string, error) {
	path, err := exec.LookPath(r.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", finding.ErrEngineUnavailable, r.cfg.Binary, err)
	}

	ctx, cancel := context.WithTimeout(ctx, duration.EngineProbe)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s -version: %v", finding.ErrEngineUnavailable, path, err)
	}
	return versionRe.FindString(string(out)), nil
}

// Args builds the command line for one request.
func (r *Runner) Args(req engine.Request) []string {
	args := []string{
		"-u", req.Target,
		"-jsonl",
		"-silent",
		"-nc",
		"-duc",
		"-stats",
		"-sj",
		"-si", strconv.Itoa(r.cfg.StatsInterval),
		"-rl", strconv.Itoa(r.cfg.RateLimit),
		"-c", strconv.Itoa(r.cfg.Concurrency),
		"-timeout", strconv.Itoa(r.cfg.RequestTimeout),
	}
	if len(req.Severities) > 0 {
		sev := make([]string, len(req.Severities))
		for i, s := range req.Severities {
			sev[i] = s.String()
		}
		args = append(args, "-severity", strings.Join(sev, ","))
	}
	for _, t := range r.cfg.Templates {
		args = append(args, "-t", t)
	}
	return append(args, r.cfg.ExtraArgs...)
}

// Run implements engine.Engine.
func (r *Runner) Run(ctx context.Context, req engine.Request, sink engine.Sink) error {
	path, err := exec.LookPath(r.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s not found on PATH", finding.ErrEngineUnavailable, r.cfg.Binary)
	}

	args := r.Args(req)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = duration.EngineKillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("nuclei: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("nuclei: stderr pipe: %w", err)
	}

	r.logger.Info("starting nuclei", "scan_id", req.ScanID, "target", req.Target)
	sink.Log(scan.LogInfo, "nuclei "+strings.Join(args, " "))
	sink.Progress(0, "nuclei: loading templates")

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: start nuclei: %v", finding.ErrEngineUnavailable, err)
	}

	tail := newTail(defaults.StderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consume(stdout, sink, nil)
	}()
	go func() {
		defer wg.Done()
		r.consume(stderr, sink, tail)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("nuclei exited with code %d: %s", exitErr.ExitCode(), tail.String())
		}
		return fmt.Errorf("nuclei: %w", waitErr)
	}

	sink.Progress(100, "nuclei: finished")
	return nil
}

// consume reads one output stream until EOF. Results and stats may appear
// on either stream depending on the nuclei release. Plain text lines from
// stderr are kept in tail for error reporting.
func (r *Runner) consume(rd io.Reader, sink engine.Sink, tail *tailBuffer) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, lineBufInitial), lineBufMax)
	for sc.Scan() {
		raw := sc.Bytes()
		parsed, err := parseLine(raw)
		switch {
		case err == nil && parsed.result != nil:
			sink.Finding(parsed.result.toVulnerability())
		case err == nil && parsed.stats != nil:
			st := parsed.stats
			sink.Progress(float64(st.Percent), fmt.Sprintf("nuclei: %d/%d requests, %d matched",
				int64(st.Requests), int64(st.Total), int64(st.Matched)))
		default:
			text := strings.TrimSpace(string(raw))
			if text == "" {
				continue
			}
			if tail != nil {
				tail.Add(text)
			}
			sink.Log(levelOf(text), text)
		}
	}
	if err := sc.Err(); err != nil {
		sink.Log(scan.LogWarn, "nuclei output truncated: "+err.Error())
		// Keep the pipe flowing so the child never blocks on a full write.
		_, _ = io.Copy(io.Discard, rd)
	}
}

// levelOf maps nuclei's bracketed log prefixes to scan log levels.
func levelOf(text string) scan.LogLevel {
	switch {
	case strings.Contains(text, "[FTL]"), strings.Contains(text, "[ERR]"):
		return scan.LogError
	case strings.Contains(text, "[WRN]"):
		return scan.LogWarn
	case strings.Contains(text, "[INF]"):
		return scan.LogInfo
	default:
		return scan.LogDebug
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, s)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "no output"
	}
	return strings.Join(t.lines, " | ")
}
