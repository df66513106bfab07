// Package store persists scans, findings, logs and analyses in SQLite.
//
// The database is opened through sqlx on top of the pure Go modernc
// driver, so the binary stays CGO-free. Timestamps are stored as unix
// milliseconds; list-valued fields are JSON text columns. All statements
// are parameterized.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/luminousflow/luminous/pkg/ai"
	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a scan or analysis does not exist.
// Callers should use errors.Is().
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed persistence layer. It is safe for concurrent
// use; writes are serialized through a single connection.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// SCANS
// ============================================================================

type scanRow struct {
	ID         string        `db:"id"`
	TargetURL  string        `db:"target_url"`
	TargetName string        `db:"target_name"`
	Status     string        `db:"status"`
	Tools      string        `db:"tools"`
	Severity   string        `db:"severity"`
	TimeoutSec int           `db:"timeout_sec"`
	Progress   float64       `db:"progress"`
	Phase      string        `db:"phase"`
	Error      string        `db:"error"`
	Total      int           `db:"total"`
	Critical   int           `db:"critical"`
	High       int           `db:"high"`
	Medium     int           `db:"medium"`
	Low        int           `db:"low"`
	Info       int           `db:"info"`
	StartTime  int64         `db:"start_time"`
	EndTime    sql.NullInt64 `db:"end_time"`
	Duration   int64         `db:"duration_sec"`
}

func toScanRow(r *scan.Result) (scanRow, error) {
	tools, err := json.Marshal(orEmpty(r.Tools))
	if err != nil {
		return scanRow{}, err
	}
	sev, err := json.Marshal(orEmpty(r.Severity))
	if err != nil {
		return scanRow{}, err
	}
	row := scanRow{
		ID:         r.ID,
		TargetURL:  r.Target.URL,
		TargetName: r.Target.Name,
		Status:     string(r.Status),
		Tools:      string(tools),
		Severity:   string(sev),
		TimeoutSec: r.Timeout,
		Progress:   r.Progress,
		Phase:      r.Phase,
		Error:      r.Error,
		Total:      r.Stats.Total,
		Critical:   r.Stats.Critical,
		High:       r.Stats.High,
		Medium:     r.Stats.Medium,
		Low:        r.Stats.Low,
		Info:       r.Stats.Info,
		StartTime:  toMillis(r.StartTime),
		Duration:   r.Duration,
	}
	if r.EndTime != nil {
		row.EndTime = sql.NullInt64{Int64: toMillis(*r.EndTime), Valid: true}
	}
	return row, nil
}

func (row *scanRow) result() (*scan.Result, error) {
	r := &scan.Result{
		ID:        row.ID,
		Target:    scan.Target{URL: row.TargetURL, Name: row.TargetName},
		Status:    scan.Status(row.Status),
		Timeout:   row.TimeoutSec,
		Progress:  row.Progress,
		Phase:     row.Phase,
		Error:     row.Error,
		StartTime: fromMillis(row.StartTime),
		Duration:  row.Duration,
		Stats: scan.Stats{
			Total:    row.Total,
			Critical: row.Critical,
			High:     row.High,
			Medium:   row.Medium,
			Low:      row.Low,
			Info:     row.Info,
		},
	}
	if err := json.Unmarshal([]byte(row.Tools), &r.Tools); err != nil {
		return nil, fmt.Errorf("store: scan %s tools: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Severity), &r.Severity); err != nil {
		return nil, fmt.Errorf("store: scan %s severity: %w", row.ID, err)
	}
	if row.EndTime.Valid {
		t := fromMillis(row.EndTime.Int64)
		r.EndTime = &t
	}
	return r, nil
}

const scanColumns = `id, target_url, target_name, status, tools, severity, timeout_sec,
	progress, phase, error, total, critical, high, medium, low, info,
	start_time, end_time, duration_sec`

// CreateScan inserts a new scan record.
func (s *Store) CreateScan(ctx context.Context, r *scan.Result) error {
	row, err := toScanRow(r)
	if err != nil {
		return fmt.Errorf("store: encode scan %s: %w", r.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO scans (`+scanColumns+`) VALUES (
		:id, :target_url, :target_name, :status, :tools, :severity, :timeout_sec,
		:progress, :phase, :error, :total, :critical, :high, :medium, :low, :info,
		:start_time, :end_time, :duration_sec)`, row)
	if err != nil {
		return fmt.Errorf("store: create scan %s: %w", r.ID, err)
	}
	return nil
}

// UpdateScan writes the mutable state of a scan: status, progress, phase,
// error, stats and timing.
func (s *Store) UpdateScan(ctx context.Context, r *scan.Result) error {
	row, err := toScanRow(r)
	if err != nil {
		return fmt.Errorf("store: encode scan %s: %w", r.ID, err)
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE scans SET
		status = :status, progress = :progress, phase = :phase, error = :error,
		total = :total, critical = :critical, high = :high, medium = :medium,
		low = :low, info = :info, end_time = :end_time, duration_sec = :duration_sec
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("store: update scan %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scan %s", ErrNotFound, r.ID)
	}
	return nil
}

// GetScan loads a scan with its findings.
func (s *Store) GetScan(ctx context.Context, id string) (*scan.Result, error) {
	var row scanRow
	err := s.db.GetContext(ctx, &row, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scan %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get scan %s: %w", id, err)
	}
	r, err := row.result()
	if err != nil {
		return nil, err
	}
	if r.Vulnerabilities, err = s.Vulnerabilities(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// RecentScans lists scans newest first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]scan.Summary, error) {
	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+scanColumns+` FROM scans ORDER BY start_time DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent scans: %w", err)
	}
	out := make([]scan.Summary, 0, len(rows))
	for i := range rows {
		r, err := rows[i].result()
		if err != nil {
			return nil, err
		}
		out = append(out, r.Summarize())
	}
	return out, nil
}

// MarkInterrupted fails every scan left pending or running, typically by a
// previous process that exited mid-scan. It returns the number of scans
// updated.
func (s *Store) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE scans SET
		status = ?, error = ?, end_time = ?, duration_sec = MAX(0, (? - start_time) / 1000)
		WHERE status IN (?, ?)`,
		string(scan.StatusFailed), reason, toMillis(now), toMillis(now), string(scan.StatusPending), string(scan.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("store: mark interrupted: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================================
// VULNERABILITIES
// ============================================================================

type vulnRow struct {
	ID          string  `db:"id"`
	ScanID      string  `db:"scan_id"`
	Title       string  `db:"title"`
	Description string  `db:"description"`
	Severity    string  `db:"severity"`
	CVSS        float64 `db:"cvss"`
	CVE         string  `db:"cve"`
	URL         string  `db:"url"`
	Method      string  `db:"method"`
	Evidence    string  `db:"evidence"`
	Tags        string  `db:"tags"`
	TemplateID  string  `db:"template_id"`
	Tool        string  `db:"tool"`
	FoundAt     int64   `db:"found_at"`
}

// AddVulnerability records one finding of a scan.
func (s *Store) AddVulnerability(ctx context.Context, scanID string, v finding.Vulnerability) error {
	tags, err := json.Marshal(orEmpty(v.Tags))
	if err != nil {
		return fmt.Errorf("store: encode tags: %w", err)
	}
	row := vulnRow{
		ID:          v.ID,
		ScanID:      scanID,
		Title:       v.Title,
		Description: v.Description,
		Severity:    string(v.Severity),
		CVSS:        v.CVSS,
		CVE:         v.CVE,
		URL:         v.URL,
		Method:      v.Method,
		Evidence:    v.Evidence,
		Tags:        string(tags),
		TemplateID:  v.TemplateID,
		Tool:        v.Tool,
		FoundAt:     toMillis(v.Timestamp),
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO vulnerabilities
		(id, scan_id, title, description, severity, cvss, cve, url, method, evidence, tags, template_id, tool, found_at)
		VALUES (:id, :scan_id, :title, :description, :severity, :cvss, :cve, :url, :method, :evidence, :tags, :template_id, :tool, :found_at)`,
		row)
	if err != nil {
		return fmt.Errorf("store: add vulnerability to %s: %w", scanID, err)
	}
	return nil
}

// Vulnerabilities returns a scan's findings in discovery order.
func (s *Store) Vulnerabilities(ctx context.Context, scanID string) ([]finding.Vulnerability, error) {
	var rows []vulnRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM vulnerabilities WHERE scan_id = ? ORDER BY found_at, rowid`, scanID)
	if err != nil {
		return nil, fmt.Errorf("store: vulnerabilities of %s: %w", scanID, err)
	}
	out := make([]finding.Vulnerability, 0, len(rows))
	for _, r := range rows {
		v := finding.Vulnerability{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description,
			Severity:    finding.ParseSeverity(r.Severity),
			CVSS:        r.CVSS,
			CVE:         r.CVE,
			URL:         r.URL,
			Method:      r.Method,
			Evidence:    r.Evidence,
			TemplateID:  r.TemplateID,
			Tool:        r.Tool,
			Timestamp:   fromMillis(r.FoundAt),
		}
		if err := json.Unmarshal([]byte(r.Tags), &v.Tags); err != nil {
			return nil, fmt.Errorf("store: vulnerability %s tags: %w", r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ============================================================================
// LOGS
// ============================================================================

type logRow struct {
	Level    string `db:"level"`
	Message  string `db:"message"`
	LoggedAt int64  `db:"logged_at"`
}

// AppendLog records one log line of a scan.
func (s *Store) AppendLog(ctx context.Context, scanID string, e scan.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_logs (scan_id, level, message, logged_at) VALUES (?, ?, ?, ?)`,
		scanID, string(e.Level), e.Message, toMillis(e.Timestamp))
	if err != nil {
		return fmt.Errorf("store: append log to %s: %w", scanID, err)
	}
	return nil
}

// Logs returns the last limit log lines of a scan, oldest first.
func (s *Store) Logs(ctx context.Context, scanID string, limit int) ([]scan.LogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, `SELECT level, message, logged_at FROM (
		SELECT id, level, message, logged_at FROM scan_logs WHERE scan_id = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id`, scanID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: logs of %s: %w", scanID, err)
	}
	out := make([]scan.LogEntry, len(rows))
	for i, r := range rows {
		out[i] = scan.LogEntry{Level: scan.LogLevel(r.Level), Message: r.Message, Timestamp: fromMillis(r.LoggedAt)}
	}
	return out, nil
}

// ============================================================================
// ANALYSIS
// ============================================================================

type analysisRow struct {
	ScanID           string `db:"scan_id"`
	Summary          string `db:"summary"`
	RiskScore        int    `db:"risk_score"`
	RiskLevel        string `db:"risk_level"`
	Recommendations  string `db:"recommendations"`
	PrioritizedVulns string `db:"prioritized_vulns"`
	RiskFactors      string `db:"risk_factors"`
	EstimatedFixTime string `db:"estimated_fix_time"`
	Provider         string `db:"provider"`
	CreatedAt        int64  `db:"created_at"`
}

// SaveAnalysis stores the analysis of a scan, replacing any earlier one.
func (s *Store) SaveAnalysis(ctx context.Context, a *analysis.Analysis) error {
	row := analysisRow{
		ScanID:           a.ScanID,
		Summary:          a.Summary,
		RiskScore:        a.RiskScore,
		RiskLevel:        a.RiskLevel,
		EstimatedFixTime: a.EstimatedFixTime,
		Provider:         string(a.Provider),
		CreatedAt:        toMillis(a.CreatedAt),
	}
	var err error
	if row.Recommendations, err = jsonText(a.Recommendations); err != nil {
		return err
	}
	if row.PrioritizedVulns, err = jsonText(a.PrioritizedVulns); err != nil {
		return err
	}
	if row.RiskFactors, err = jsonText(a.RiskFactors); err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO ai_analysis
		(scan_id, summary, risk_score, risk_level, recommendations, prioritized_vulns, risk_factors, estimated_fix_time, provider, created_at)
		VALUES (:scan_id, :summary, :risk_score, :risk_level, :recommendations, :prioritized_vulns, :risk_factors, :estimated_fix_time, :provider, :created_at)
		ON CONFLICT(scan_id) DO UPDATE SET
			summary = excluded.summary, risk_score = excluded.risk_score, risk_level = excluded.risk_level,
			recommendations = excluded.recommendations, prioritized_vulns = excluded.prioritized_vulns,
			risk_factors = excluded.risk_factors, estimated_fix_time = excluded.estimated_fix_time,
			provider = excluded.provider, created_at = excluded.created_at`, row)
	if err != nil {
		return fmt.Errorf("store: save analysis for %s: %w", a.ScanID, err)
	}
	return nil
}

// GetAnalysis loads the analysis of a scan.
func (s *Store) GetAnalysis(ctx context.Context, scanID string) (*analysis.Analysis, error) {
	var row analysisRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM ai_analysis WHERE scan_id = ?`, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: analysis %s", ErrNotFound, scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get analysis %s: %w", scanID, err)
	}

	a := &analysis.Analysis{
		ScanID:           row.ScanID,
		Summary:          row.Summary,
		RiskScore:        row.RiskScore,
		RiskLevel:        row.RiskLevel,
		EstimatedFixTime: row.EstimatedFixTime,
		Provider:         ai.Provider(row.Provider),
		CreatedAt:        fromMillis(row.CreatedAt),
	}
	for _, f := range []struct {
		src string
		dst any
	}{
		{row.Recommendations, &a.Recommendations},
		{row.PrioritizedVulns, &a.PrioritizedVulns},
		{row.RiskFactors, &a.RiskFactors},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("store: analysis %s: %w", scanID, err)
		}
	}
	return a, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// orEmpty keeps nil slices from being stored as JSON null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func jsonText[T any](v []T) (string, error) {
	b, err := json.Marshal(orEmpty(v))
	if err != nil {
		return "", fmt.Errorf("store: encode: %w", err)
	}
	return string(b), nil
}
