package report

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/analysis"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/scan"
)

func sampleResult(n int) *scan.Result {
	start := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)
	var vulns []finding.Vulnerability
	sevs := finding.All
	for i := 0; i < n; i++ {
		vulns = append(vulns, finding.Vulnerability{
			ID:          fmt.Sprintf("v%d", i),
			Title:       fmt.Sprintf("Finding %d", i),
			Description: "Response reflects unsanitised input in café search",
			Severity:    sevs[i%len(sevs)],
			URL:         "https://example.com/p" + fmt.Sprint(i),
			TemplateID:  "tpl-" + fmt.Sprint(i),
			CVSS:        7.5,
			Tags:        []string{},
		})
	}
	return &scan.Result{
		ID:              "scan-123",
		Target:          scan.Target{URL: "https://example.com/app", Name: "Example App"},
		Status:          scan.StatusCompleted,
		Tools:           []scan.Tool{{Name: "nuclei", Enabled: true}, {Name: "zap", Enabled: false}},
		Vulnerabilities: vulns,
		Stats:           scan.ComputeStats(vulns),
		Progress:        100,
		StartTime:       start,
		EndTime:         &end,
		Duration:        180,
	}
}

func render(t *testing.T, res *scan.Result, a *analysis.Analysis) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteWithOptions(&buf, res, a, Options{NoCompress: true}))
	raw := buf.Bytes()
	require.True(t, bytes.HasPrefix(raw, []byte("%PDF-")))
	require.NoError(t, pdfapi.Validate(bytes.NewReader(raw), nil))
	return raw
}

func TestWrite_WithAnalysis(t *testing.T) {
	res := sampleResult(6)
	a := analysis.Heuristic(res)
	raw := render(t, res, a)

	for _, want := range []string{"Scan Overview", "Findings by Severity", "Risk Analysis", "Example App", "scan-123", "tpl-0"} {
		assert.True(t, bytes.Contains(raw, []byte(want)), "missing %q", want)
	}
}

func TestWrite_NoFindingsNoAnalysis(t *testing.T) {
	res := sampleResult(0)
	res.Status = scan.StatusFailed
	res.Error = "nuclei is not available on this host"
	raw := render(t, res, nil)

	assert.True(t, bytes.Contains(raw, []byte("No vulnerabilities were found.")))
	assert.False(t, bytes.Contains(raw, []byte("Risk Analysis")))
	assert.True(t, bytes.Contains(raw, []byte("Failed")))
}

func TestWrite_CapsFindings(t *testing.T) {
	raw := render(t, sampleResult(maxFindings+7), nil)
	assert.True(t, bytes.Contains(raw, []byte("and 7 more finding(s) not shown")))
}

func TestWrite_NilResult(t *testing.T) {
	assert.ErrorIs(t, Write(&bytes.Buffer{}, nil, nil), ErrNilResult)
}

func TestFilename(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/app", "luminous-example.com-20260102-1504.pdf"},
		{"http://10.0.0.1:8080/x?y=1", "luminous-10.0.0.1-8080-20260102-1504.pdf"},
		{"", "luminous-scan-20260102-1504.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			res := sampleResult(0)
			res.Target.URL = tt.url
			assert.Equal(t, tt.want, Filename(res))
		})
	}
}
