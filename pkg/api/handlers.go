package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/report"
	"github.com/luminousflow/luminous/pkg/scan"
	"github.com/luminousflow/luminous/pkg/scanmanager"
)

// StartResponse is returned when a scan is admitted.
type StartResponse struct {
	ScanID  string `json:"scanId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse carries a scan and, once it completed, its analysis.
type StatusResponse struct {
	Scan     *scan.Result       `json:"scan"`
	Analysis *analysis.Analysis `json:"analysis,omitempty"`
}

// ActiveResponse lists the IDs of pending and running scans.
type ActiveResponse struct {
	ActiveScans   []string `json:"activeScans"`
	ActiveCount   int      `json:"activeCount"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

// ScannerHealth is the scanner health probe body.
type ScannerHealth struct {
	Status               string    `json:"status"`
	ActiveScans          int       `json:"activeScans"`
	MaxConcurrent        int       `json:"maxConcurrent"`
	AvailableSlots       int       `json:"availableSlots"`
	NucleiAvailable      bool      `json:"nucleiAvailable"`
	AIEnabled            bool      `json:"aiEnabled"`
	WebsocketConnections int       `json:"websocketConnections"`
	Timestamp            time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   s.cfg.Version,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "LUMINOUS FLOW Scanner API v2.0"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorBody{Error: "Not found", Path: r.URL.Path})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts scan.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{
			Error:   "Invalid request data",
			Details: []scan.FieldError{{Field: "body", Message: "must be a JSON object"}},
		})
		return
	}

	id, err := s.scanner.Start(r.Context(), opts)
	if err != nil {
		s.startError(w, err)
		return
	}
	s.logger.Info("scan started via API", "scan_id", id, "target", opts.Target.URL)
	writeJSON(w, http.StatusAccepted, StartResponse{
		ScanID:  id,
		Status:  "started",
		Message: "Vulnerability scan initiated successfully",
	})
}

func (s *Server) startError(w http.ResponseWriter, err error) {
	var verr *scan.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "Invalid request data", Details: verr.Fields})
	case errors.Is(err, scanmanager.ErrNoTools):
		writeJSON(w, http.StatusBadRequest, ErrorBody{
			Error:   "Invalid request data",
			Details: []scan.FieldError{{Field: "tools", Message: "at least one tool must be enabled"}},
		})
	case errors.Is(err, scanmanager.ErrCapacity):
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{
			Error:   "Maximum concurrent scans reached",
			Message: "Maximum " + strconv.Itoa(s.scanner.MaxConcurrent()) + " concurrent scans allowed",
		})
	case errors.Is(err, scanmanager.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		s.logger.Error("start scan", "error", err)
		s.internalError(w, err)
	}
}

// lookup fetches the scan named by the route, writing the 404 or 500 itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*scan.Result, bool) {
	id := mux.Vars(r)["scanId"]
	res, err := s.scanner.Result(r.Context(), id)
	switch {
	case errors.Is(err, scanmanager.ErrNotFound):
		writeError(w, http.StatusNotFound, "Scan not found")
		return nil, false
	case err != nil:
		s.logger.Error("load scan", "scan_id", id, "error", err)
		s.internalError(w, err)
		return nil, false
	}
	return res, true
}

// analysisFor returns the analysis of a completed scan, or nil.
func (s *Server) analysisFor(r *http.Request, res *scan.Result) *analysis.Analysis {
	if res.Status != scan.StatusCompleted {
		return nil
	}
	a, err := s.scanner.Analysis(r.Context(), res.ID)
	if err != nil {
		if !errors.Is(err, scanmanager.ErrNotFound) {
			s.logger.Warn("load analysis", "scan_id", res.ID, "error", err)
		}
		return nil
	}
	return a
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Scan: res, Analysis: s.analysisFor(r, res)})
}

func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Scan: res})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["scanId"]
	a, err := s.scanner.Analysis(r.Context(), id)
	switch {
	case errors.Is(err, scanmanager.ErrNotFound):
		writeError(w, http.StatusNotFound, "Analysis not found")
	case err != nil:
		s.logger.Error("load analysis", "scan_id", id, "error", err)
		s.internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["scanId"]
	if !s.scanner.Stop(id) {
		writeError(w, http.StatusNotFound, "Scan not found or already completed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scan stopped successfully", "scanId": id})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["scanId"]
	limit := queryInt(r, "limit", defaults.LogsLimit, defaults.MaxListLimit)
	logs, err := s.scanner.Logs(r.Context(), id, limit)
	switch {
	case errors.Is(err, scanmanager.ErrNotFound):
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	case err != nil:
		s.logger.Error("load scan logs", "scan_id", id, "error", err)
		s.internalError(w, err)
		return
	}
	if logs == nil {
		logs = []scan.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scanId": id, "logs": logs})
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	ids := s.scanner.ActiveIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ActiveResponse{
		ActiveScans:   ids,
		ActiveCount:   len(ids),
		MaxConcurrent: s.scanner.MaxConcurrent(),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaults.RecentLimit, defaults.MaxListLimit)
	list, err := s.scanner.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list recent scans", "error", err)
		s.internalError(w, err)
		return
	}
	if list == nil {
		list = []scan.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": list})
}

func (s *Server) handleScannerHealth(w http.ResponseWriter, r *http.Request) {
	active := s.scanner.ActiveCount()
	limit := s.scanner.MaxConcurrent()
	h := ScannerHealth{
		Status:         "healthy",
		ActiveScans:    active,
		MaxConcurrent:  limit,
		AvailableSlots: max(limit-active, 0),
		AIEnabled:      s.scanner.AIEnabled(),
		Timestamp:      time.Now().UTC(),
	}
	if s.cfg.NucleiAvailable != nil {
		h.NucleiAvailable = s.cfg.NucleiAvailable(r.Context())
	}
	if s.cfg.Connections != nil {
		h.WebsocketConnections = s.cfg.Connections()
	}
	writeJSON(w, http.StatusOK, h)
}

// handleReport renders a PDF for a finished scan. Active scans get 409.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !res.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "Scan is still in progress")
		return
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, res, s.analysisFor(r, res)); err != nil {
		s.logger.Error("render report", "scan_id", res.ID, "error", err)
		s.internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", defaults.ContentTypePDF)
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.Filename(res)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
