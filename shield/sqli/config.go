package sqli

import (
	"math"
	"strings"

	"sqlshield/shared/logger"
)

// Mode is the enforcement policy applied after a positive verdict.
type Mode string

const (
	// ModeBlock rejects requests with a confident positive verdict.
	ModeBlock Mode = "block"

	// ModeWarn lets requests through and reports detections.
	ModeWarn Mode = "warn"

	// ModeSilent never interferes with requests. Detections are reported only
	// when a reporting sink is configured.
	ModeSilent Mode = "silent"
)

// DefaultMode is the enforcement mode used when none, or an invalid one, is given.
const DefaultMode = ModeWarn

// IsValid checks if the mode is a known enforcement mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeBlock, ModeWarn, ModeSilent:
		return true
	default:
		return false
	}
}

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// Source names a part of a request that can be scanned.
type Source string

const (
	SourceQuery   Source = "query"
	SourceBody    Source = "body"
	SourceParams  Source = "params"
	SourceCookies Source = "cookies"
	SourceHeaders Source = "headers"
)

// AllSources lists every source in scan order.
func AllSources() []Source {
	return []Source{SourceQuery, SourceBody, SourceParams, SourceCookies, SourceHeaders}
}

// IsValid checks if the source is known.
func (s Source) IsValid() bool {
	switch s {
	case SourceQuery, SourceBody, SourceParams, SourceCookies, SourceHeaders:
		return true
	default:
		return false
	}
}

const (
	DefaultConfidenceThreshold = 0.5
	DefaultBlockThreshold      = 0.85
	DefaultMaxDepth            = 32
)

// DefaultIgnoreHeaders are transport headers that never carry user payloads.
func DefaultIgnoreHeaders() []string {
	return []string{
		"user-agent",
		"accept",
		"accept-encoding",
		"accept-language",
		"connection",
		"content-length",
		"content-type",
		"host",
		"referer",
	}
}

// ScanOptions is caller-supplied, unvalidated configuration.
// Nil fields mean "use the default".
type ScanOptions struct {
	Sources             []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	IgnoreHeaders       []string `json:"ignore_headers,omitempty" yaml:"ignore_headers,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	BlockThreshold      *float64 `json:"block_threshold,omitempty" yaml:"block_threshold,omitempty"`
	Mode                string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	MaxDepth            int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`

	// ReportingEnabled is set by the host when any reporting sink (file log,
	// audit store, alert) is configured.
	ReportingEnabled bool `json:"reporting_enabled,omitempty" yaml:"reporting_enabled,omitempty"`
}

// ScanConfig is validated scan configuration. Build it with NewScanConfig.
type ScanConfig struct {
	Sources             map[Source]bool
	IgnoreHeaders       map[string]bool
	ConfidenceThreshold float64
	BlockThreshold      float64
	Mode                Mode
	MaxDepth            int
	ReportingEnabled    bool
}

// DefaultScanConfig returns the configuration produced by empty options.
func DefaultScanConfig() ScanConfig {
	return NewScanConfig(ScanOptions{}, nil)
}

// NewScanConfig validates opts. Invalid values are replaced by their
// documented defaults and logged; construction never fails.
func NewScanConfig(opts ScanOptions, log *logger.Logger) ScanConfig {
	cfg := ScanConfig{
		Sources:             make(map[Source]bool),
		IgnoreHeaders:       make(map[string]bool),
		ConfidenceThreshold: DefaultConfidenceThreshold,
		BlockThreshold:      DefaultBlockThreshold,
		Mode:                DefaultMode,
		MaxDepth:            DefaultMaxDepth,
		ReportingEnabled:    opts.ReportingEnabled,
	}

	if opts.Mode != "" {
		mode := Mode(strings.ToLower(strings.TrimSpace(opts.Mode)))
		if mode.IsValid() {
			cfg.Mode = mode
		} else {
			log.Warn("", "", "Invalid scan mode, using default", map[string]interface{}{
				"mode":    opts.Mode,
				"default": string(DefaultMode),
			})
		}
	}

	if opts.Sources == nil {
		for _, s := range AllSources() {
			cfg.Sources[s] = true
		}
	} else {
		for _, raw := range opts.Sources {
			s := Source(strings.ToLower(strings.TrimSpace(raw)))
			if !s.IsValid() {
				log.Warn("", "", "Ignoring unknown scan source", map[string]interface{}{
					"source": raw,
				})
				continue
			}
			cfg.Sources[s] = true
		}
	}

	ignore := opts.IgnoreHeaders
	if ignore == nil {
		ignore = DefaultIgnoreHeaders()
	}
	for _, h := range ignore {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			cfg.IgnoreHeaders[h] = true
		}
	}

	if opts.ConfidenceThreshold != nil {
		if validThreshold(*opts.ConfidenceThreshold) {
			cfg.ConfidenceThreshold = *opts.ConfidenceThreshold
		} else {
			log.Warn("", "", "Invalid confidence threshold, using default", map[string]interface{}{
				"value":   *opts.ConfidenceThreshold,
				"default": DefaultConfidenceThreshold,
			})
		}
	}

	if opts.BlockThreshold != nil {
		if validThreshold(*opts.BlockThreshold) {
			cfg.BlockThreshold = *opts.BlockThreshold
		} else {
			log.Warn("", "", "Invalid block threshold, using default", map[string]interface{}{
				"value":   *opts.BlockThreshold,
				"default": DefaultBlockThreshold,
			})
		}
	}

	if opts.MaxDepth > 0 {
		cfg.MaxDepth = opts.MaxDepth
	}

	return cfg
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// ScansSource reports whether s is enabled.
func (c ScanConfig) ScansSource(s Source) bool {
	return c.Sources[s]
}

// IgnoresHeader reports whether a header name is excluded, case-insensitively.
func (c ScanConfig) IgnoresHeader(name string) bool {
	return c.IgnoreHeaders[strings.ToLower(name)]
}

// WithMode returns a copy of the config with the mode set. Invalid modes are ignored.
func (c ScanConfig) WithMode(m Mode) ScanConfig {
	if m.IsValid() {
		c.Mode = m
	}
	return c
}

// WithReporting returns a copy of the config with ReportingEnabled set.
func (c ScanConfig) WithReporting(enabled bool) ScanConfig {
	c.ReportingEnabled = enabled
	return c
}
