package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/scan"
)

type webhookRecorder struct {
	mu      sync.Mutex
	types   []string
	headers []http.Header
	status  int
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var envelope struct {
		Type   string `json:"type"`
		ScanID string `json:"scanId"`
	}
	_ = json.NewDecoder(req.Body).Decode(&envelope)
	r.mu.Lock()
	r.types = append(r.types, envelope.Type)
	r.headers = append(r.headers, req.Header.Clone())
	status := r.status
	r.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
	}
}

func TestWebhookHook_PostsEnvelope(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	h := NewWebhookHook(srv.URL, WebhookOptions{Headers: map[string]string{"X-Token": "abc"}})
	require.NoError(t, h.OnEvent(context.Background(), newTestStartedEvent()))

	require.Len(t, rec.types, 1)
	assert.Equal(t, "scan_started", rec.types[0])
	assert.Equal(t, "abc", rec.headers[0].Get("X-Token"))
	assert.Equal(t, "scan_started", rec.headers[0].Get("X-Luminous-Event-Type"))
}

func TestWebhookHook_Filters(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	h := NewWebhookHook(srv.URL, WebhookOptions{MinSeverity: finding.High})
	ctx := context.Background()

	require.NoError(t, h.OnEvent(ctx, events.NewProgressEvent(testScanID, scan.StatusRunning, 50, "nuclei", "nuclei")))
	require.NoError(t, h.OnEvent(ctx, newTestVulnEvent(finding.Low)))
	require.NoError(t, h.OnEvent(ctx, newTestVulnEvent(finding.Critical)))

	assert.Equal(t, []string{"vulnerability_found"}, rec.types)
}

func TestWebhookHook_ClientErrorNotRetried(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	h := NewWebhookHook(srv.URL, WebhookOptions{})
	err := h.OnEvent(context.Background(), newTestStartedEvent())

	assert.Error(t, err)
	assert.Len(t, rec.types, 1)
}
