package sqli

import (
	"regexp"
	"strings"
	"time"
)

// DetectionEventType is the type string for SQL injection detection events.
const DetectionEventType = "sqli_detection"

// DefaultSnippetLength bounds the input snippet carried by events.
const DefaultSnippetLength = 200

// DetectionEvent describes one reported detection. It carries everything a
// log, audit or alert sink needs without access to the request.
type DetectionEvent struct {
	// Type identifies this as a SQL injection event
	Type string `json:"type"`

	// Timestamp when the detection occurred (UTC)
	Timestamp time.Time `json:"timestamp"`

	Severity Severity `json:"severity"`
	Category Category `json:"category,omitempty"`
	Mode     Mode     `json:"mode"`
	Action   Action   `json:"action"`

	Source    Source `json:"source"`
	FieldPath string `json:"field_path"`

	// InputSnippet is a sanitized, truncated copy of the matched value
	InputSnippet string `json:"input_snippet"`

	Verdict      Verdict       `json:"verdict"`
	ScanDuration time.Duration `json:"scan_duration_ns"`

	// Request context, filled in by the host
	EventID   string `json:"event_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// NewDetectionEvent builds an event from an evaluation. It returns nil when
// the evaluation carries no report.
func NewDetectionEvent(ev Evaluation, mode Mode) *DetectionEvent {
	if ev.Report == nil {
		return nil
	}
	r := ev.Report
	return &DetectionEvent{
		Type:         DetectionEventType,
		Timestamp:    time.Now().UTC(),
		Severity:     VerdictSeverity(r.Verdict),
		Category:     r.Verdict.Category,
		Mode:         mode,
		Action:       ev.Action,
		Source:       r.Source,
		FieldPath:    r.FieldPath,
		InputSnippet: Snippet(r.MatchedValue, DefaultSnippetLength),
		Verdict:      r.Verdict,
		ScanDuration: ev.Duration,
	}
}

// VerdictSeverity returns the rule severity, or derives one from the
// heuristic confidence.
func VerdictSeverity(v Verdict) Severity {
	if v.Source == VerdictRule && v.Severity != "" {
		return v.Severity
	}
	c := v.ConfidenceValue()
	switch {
	case c > DefaultBlockThreshold:
		return SeverityHigh
	case c > DefaultConfidenceThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ToDetails converts the event to a flat map for log fields and audit rows.
func (e *DetectionEvent) ToDetails() map[string]interface{} {
	d := map[string]interface{}{
		"type":           e.Type,
		"severity":       string(e.Severity),
		"category":       string(e.Category),
		"mode":           string(e.Mode),
		"action":         string(e.Action),
		"source":         string(e.Source),
		"field_path":     e.FieldPath,
		"input_snippet":  e.InputSnippet,
		"verdict_source": string(e.Verdict.Source),
		"scan_duration":  e.ScanDuration.String(),
	}
	if e.Verdict.MatchedRuleID != "" {
		d["rule_id"] = e.Verdict.MatchedRuleID
	}
	if e.Verdict.Confidence != nil {
		d["confidence"] = *e.Verdict.Confidence
	}
	for k, v := range map[string]string{
		"event_id":   e.EventID,
		"request_id": e.RequestID,
		"client_ip":  e.ClientIP,
		"method":     e.Method,
		"url":        e.URL,
		"user_agent": e.UserAgent,
	} {
		if v != "" {
			d[k] = v
		}
	}
	return d
}

// ReportCallback receives detection events for reported evaluations.
// It runs synchronously on the evaluating goroutine; slow sinks should queue.
type ReportCallback func(event *DetectionEvent)

// Snippet returns a sanitized copy of input truncated to max runes.
func Snippet(input string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(input)
	if len(r) <= max {
		return sanitizeForLog(input)
	}
	return sanitizeForLog(string(r[:max])) + "..."
}

var (
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	apiKeyMaskRegex   = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskRegex    = regexp.MustCompile(`(?i)(token|bearer)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
)

// sanitizeForLog flattens newlines and masks credentials.
func sanitizeForLog(input string) string {
	input = strings.ReplaceAll(input, "\r", " ")
	input = strings.ReplaceAll(input, "\n", " ")

	input = passwordMaskRegex.ReplaceAllString(input, "[REDACTED_PASSWORD]")
	input = apiKeyMaskRegex.ReplaceAllString(input, "[REDACTED_KEY]")
	input = tokenMaskRegex.ReplaceAllString(input, "[REDACTED_TOKEN]")
	return input
}
