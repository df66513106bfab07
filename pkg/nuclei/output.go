package nuclei

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/luminousflow/luminous/pkg/finding"
)

// maxEvidence bounds the evidence stored per finding.
const maxEvidence = 2048

// stringList decodes either a JSON string or a list of strings. Nuclei has
// emitted both shapes for tags and cve-id across releases.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*s = splitList(one)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// flexNumber decodes a JSON number or a quoted number. The stats stream
// quotes its counters.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("nuclei: bad number %q: %w", raw, err)
	}
	*n = flexNumber(f)
	return nil
}

// resultEvent is one JSONL line written by `nuclei -jsonl`.
type resultEvent struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name           string     `json:"name"`
		Description    string     `json:"description"`
		Severity       string     `json:"severity"`
		Tags           stringList `json:"tags"`
		Classification struct {
			CVEID     stringList `json:"cve-id"`
			CVSSScore flexNumber `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
	Type             string     `json:"type"`
	Host             string     `json:"host"`
	MatchedAt        string     `json:"matched-at"`
	MatcherName      string     `json:"matcher-name"`
	ExtractedResults stringList `json:"extracted-results"`
	Request          string     `json:"request"`
	CurlCommand      string     `json:"curl-command"`
	Timestamp        string     `json:"timestamp"`
}

// statsEvent is one line of `-stats -sj` output.
type statsEvent struct {
	Percent  flexNumber `json:"percent"`
	Requests flexNumber `json:"requests"`
	Total    flexNumber `json:"total"`
	Matched  flexNumber `json:"matched"`
	Errors   flexNumber `json:"errors"`
	Duration string     `json:"duration"`
}

// line classifies one output line.
type line struct {
	result *resultEvent
	stats  *statsEvent
}

// parseLine decodes a JSON line as either a result or a stats event.
// Non-JSON lines return finding.ErrMalformedOutput.
func parseLine(raw []byte) (line, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return line{}, finding.ErrMalformedOutput
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return line{}, fmt.Errorf("%w: %v", finding.ErrMalformedOutput, err)
	}

	if _, ok := probe["template-id"]; ok {
		var ev resultEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return line{}, fmt.Errorf("%w: %v", finding.ErrMalformedOutput, err)
		}
		return line{result: &ev}, nil
	}
	if _, ok := probe["percent"]; ok {
		var st statsEvent
		if err := json.Unmarshal(raw, &st); err != nil {
			return line{}, fmt.Errorf("%w: %v", finding.ErrMalformedOutput, err)
		}
		return line{stats: &st}, nil
	}
	return line{}, finding.ErrMalformedOutput
}

// toVulnerability normalises a nuclei result.
func (ev *resultEvent) toVulnerability() finding.Vulnerability {
	title := strings.TrimSpace(ev.Info.Name)
	if title == "" {
		title = ev.TemplateID
	}
	desc := strings.TrimSpace(ev.Info.Description)
	if desc == "" {
		desc = "Detected by nuclei template " + ev.TemplateID
	}
	location := ev.MatchedAt
	if location == "" {
		location = ev.Host
	}

	var cve string
	if len(ev.Info.Classification.CVEID) > 0 {
		cve = strings.ToUpper(ev.Info.Classification.CVEID[0])
	}

	ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	tags := []string(ev.Info.Tags)
	if tags == nil {
		tags = []string{}
	}

	return finding.Vulnerability{
		ID:          uuid.NewString(),
		Title:       title,
		Description: desc,
		Severity:    finding.ParseSeverity(ev.Info.Severity),
		CVSS:        float64(ev.Info.Classification.CVSSScore),
		CVE:         cve,
		URL:         location,
		Method:      requestMethod(ev.Type, ev.Request),
		Evidence:    ev.evidence(),
		Tags:        tags,
		Timestamp:   ts,
		TemplateID:  ev.TemplateID,
		Tool:        engineName,
	}
}

// requestMethod pulls the verb off the first line of a raw HTTP request.
func requestMethod(kind, raw string) string {
	if !strings.EqualFold(kind, "http") || raw == "" {
		return ""
	}
	first, _, _ := strings.Cut(raw, "\n")
	verb, _, ok := strings.Cut(strings.TrimSpace(first), " ")
	if !ok {
		return ""
	}
	return strings.ToUpper(verb)
}

func (ev *resultEvent) evidence() string {
	var parts []string
	if ev.MatcherName != "" {
		parts = append(parts, "matcher: "+ev.MatcherName)
	}
	if len(ev.ExtractedResults) > 0 {
		parts = append(parts, "extracted: "+strings.Join(ev.ExtractedResults, ", "))
	}
	if len(parts) == 0 && ev.CurlCommand != "" {
		parts = append(parts, ev.CurlCommand)
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("template %s matched at %s", ev.TemplateID, ev.MatchedAt))
	}
	out := strings.Join(parts, "\n")
	if len(out) > maxEvidence {
		cut := maxEvidence
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}
