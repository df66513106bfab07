package scan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminousflow/luminous/pkg/finding"
)

func validOptions() *Options {
	return &Options{
		Target: Target{URL: "https://example.com", Name: "Example"},
		Tools:  []Tool{{Name: "nuclei", Enabled: true, Description: "template scanner"}},
	}
}

func fieldNames(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
	names := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		names[i] = f.Field
	}
	return names
}

func seconds(n int) *int { return &n }

func TestValidateAcceptsMinimalRequest(t *testing.T) {
	require.NoError(t, Validate(validOptions()))
}

func TestValidateAcceptsFullRequest(t *testing.T) {
	opts := validOptions()
	opts.Severity = []finding.Severity{finding.Critical, finding.High}
	opts.Timeout = seconds(3600)
	require.NoError(t, Validate(opts))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
		field  string
	}{
		{"missing url", func(o *Options) { o.Target.URL = "" }, "target.url"},
		{"not a url", func(o *Options) { o.Target.URL = "not a url" }, "target.url"},
		{"ftp scheme", func(o *Options) { o.Target.URL = "ftp://example.com" }, "target.url"},
		{"no tools", func(o *Options) { o.Tools = nil }, "tools"},
		{"empty tools", func(o *Options) { o.Tools = []Tool{} }, "tools"},
		{"tool without name", func(o *Options) { o.Tools[0].Name = "" }, "tools[0].name"},
		{"bad severity", func(o *Options) { o.Severity = []finding.Severity{"urgent"} }, "severity[0]"},
		{"timeout too small", func(o *Options) { o.Timeout = seconds(5) }, "timeout"},
		{"timeout too large", func(o *Options) { o.Timeout = seconds(3601) }, "timeout"},
		{"explicit zero timeout", func(o *Options) { o.Timeout = seconds(0) }, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions()
			tt.mutate(opts)
			err := Validate(opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.Contains(t, fieldNames(t, err), tt.field)
		})
	}
}

func TestValidateTimeoutFromJSON(t *testing.T) {
	base := `{"target":{"url":"https://example.com"},"tools":[{"name":"nuclei","enabled":true}]`
	tests := []struct {
		body    string
		wantErr bool
		want    int
	}{
		{base + `}`, false, 0},
		{base + `,"timeout":null}`, false, 0},
		{base + `,"timeout":0}`, true, 0},
		{base + `,"timeout":120}`, false, 120},
	}
	for _, tt := range tests {
		var opts Options
		require.NoError(t, json.Unmarshal([]byte(tt.body), &opts))
		err := Validate(&opts)
		if tt.wantErr {
			require.Error(t, err, tt.body)
			assert.Contains(t, fieldNames(t, err), "timeout")
			continue
		}
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.want, opts.TimeoutSeconds(), tt.body)
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	opts := &Options{Timeout: seconds(1)}
	names := fieldNames(t, Validate(opts))
	assert.Contains(t, names, "target.url")
	assert.Contains(t, names, "tools")
	assert.Contains(t, names, "timeout")
}

func TestEnabledTools(t *testing.T) {
	opts := Options{Tools: []Tool{
		{Name: "nuclei", Enabled: true},
		{Name: "nikto", Enabled: false},
		{Name: "httpx", Enabled: true},
	}}
	got := opts.EnabledTools()
	require.Len(t, got, 2)
	assert.Equal(t, "nuclei", got[0].Name)
	assert.Equal(t, "httpx", got[1].Name)
}

func TestWantsSeverity(t *testing.T) {
	all := Options{}
	assert.True(t, all.WantsSeverity(finding.Info))

	some := Options{Severity: []finding.Severity{finding.High}}
	assert.True(t, some.WantsSeverity(finding.High))
	assert.False(t, some.WantsSeverity(finding.Low))
}

func TestComputeStats(t *testing.T) {
	st := ComputeStats([]finding.Vulnerability{
		{Severity: finding.Critical},
		{Severity: finding.High},
		{Severity: finding.High},
		{Severity: finding.Low},
		{Severity: "weird"},
	})
	assert.Equal(t, Stats{Total: 5, Critical: 1, High: 2, Low: 1, Info: 1}, st)
	assert.Equal(t, 2, st.Count(finding.High))
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusStopped} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActive(), s)
	}
}
