package sqli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"sqlshield/shared/logger"
)

// Severity indicates the risk level of a rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is one of the known levels.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// ParseSeverity parses a severity name. Unknown names map to medium.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return SeverityMedium
	}
	return sev
}

// Category classifies the type of SQL injection a rule detects.
type Category string

const (
	CategoryCommentInjection Category = "comment_injection"
	CategoryUnionBased       Category = "union_based"
	CategoryBooleanBlind     Category = "boolean_blind"
	CategoryErrorBased       Category = "error_based"
	CategoryTimeBased        Category = "time_based"
	CategoryAuthBypass       Category = "auth_bypass"
	CategoryStackedQueries   Category = "stacked_queries"
	CategorySchemaDiscovery  Category = "schema_discovery"
	CategoryStoredProcedure  Category = "stored_procedure"
	CategoryFunctionCall     Category = "function_call"
	CategoryGeneric          Category = "generic"
)

// Rule is a compiled detection pattern. Rules are never mutated after load.
type Rule struct {
	ID          string
	Name        string
	Description string
	Pattern     *regexp.Regexp
	Severity    Severity
	Category    Category
}

// RuleRecord is the uncompiled form of a rule as stored in a catalog.
// Flags uses the single-letter regex flag convention ("i", "m", "s").
type RuleRecord struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Flags       string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Severity    string `json:"severity" yaml:"severity"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
}

// RuleCatalog is the on-disk layout of a rule file.
type RuleCatalog struct {
	Rules []RuleRecord `json:"rules" yaml:"rules"`
}

// RuleSet is an ordered, read-only collection of rules. Order is priority.
type RuleSet struct {
	rules []*Rule
}

// Rules returns the rules in catalog order. Callers must not modify the slice.
func (rs *RuleSet) Rules() []*Rule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Lookup finds a rule by id.
func (rs *RuleSet) Lookup(id string) (*Rule, bool) {
	for _, r := range rs.Rules() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// RuleError describes a catalog record that could not be compiled.
type RuleError struct {
	Index int
	ID    string
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d (%q): %v", e.Index, e.ID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// CompileRules compiles records in order. Records that fail (empty id,
// duplicate id, empty or malformed pattern) are skipped and returned as
// errors; the remaining rules keep their relative order.
func CompileRules(records []RuleRecord) (*RuleSet, []error) {
	var errs []error
	seen := make(map[string]bool, len(records))
	rules := make([]*Rule, 0, len(records))

	for i, rec := range records {
		id := strings.TrimSpace(rec.ID)
		switch {
		case id == "":
			errs = append(errs, &RuleError{Index: i, Err: errors.New("missing id")})
			continue
		case seen[id]:
			errs = append(errs, &RuleError{Index: i, ID: id, Err: errors.New("duplicate id")})
			continue
		case rec.Pattern == "":
			errs = append(errs, &RuleError{Index: i, ID: id, Err: errors.New("empty pattern")})
			continue
		}

		re, err := regexp.Compile(regexFlags(rec.Flags) + rec.Pattern)
		if err != nil {
			errs = append(errs, &RuleError{Index: i, ID: id, Err: err})
			continue
		}

		seen[id] = true
		category := Category(rec.Category)
		if category == "" {
			category = CategoryGeneric
		}
		rules = append(rules, &Rule{
			ID:          id,
			Name:        rec.Name,
			Description: rec.Description,
			Pattern:     re,
			Severity:    ParseSeverity(rec.Severity),
			Category:    category,
		})
	}

	return &RuleSet{rules: rules}, errs
}

// regexFlags converts catalog flags into an RE2 flag group. Matching is
// always case-insensitive; "m" and "s" are honored, anything else ignored.
func regexFlags(flags string) string {
	out := "i"
	if strings.Contains(flags, "m") {
		out += "m"
	}
	if strings.Contains(flags, "s") {
		out += "s"
	}
	return "(?" + out + ")"
}

// DefaultRuleRecords returns the built-in catalog.
func DefaultRuleRecords() []RuleRecord {
	return []RuleRecord{
		{
			ID:          "SQLI-001",
			Name:        "SQL Comment Detection",
			Description: "Detects SQL comments that might be used to bypass filters",
			Pattern:     `--.*|#.*|/\*.*\*/`,
			Flags:       "i",
			Severity:    string(SeverityMedium),
			Category:    string(CategoryCommentInjection),
		},
		{
			ID:          "SQLI-002",
			Name:        "UNION-based SQL Injection",
			Description: "Detects UNION-based SQL injection attempts",
			Pattern:     `\bunion\s+(?:all\s+)?select\b`,
			Flags:       "i",
			Severity:    string(SeverityHigh),
			Category:    string(CategoryUnionBased),
		},
		{
			ID:          "SQLI-003",
			Name:        "Boolean-based SQL Injection",
			Description: "Detects boolean-based SQL injection attempts",
			Pattern:     `\b(and|or)\s+\d+\s*=\s*\d+`,
			Flags:       "i",
			Severity:    string(SeverityHigh),
			Category:    string(CategoryBooleanBlind),
		},
		{
			ID:          "SQLI-004",
			Name:        "Error-based SQL Injection",
			Description: "Detects error-based SQL injection via CAST/CONVERT",
			Pattern:     `\b(convert|cast)\s*\(`,
			Flags:       "i",
			Severity:    string(SeverityHigh),
			Category:    string(CategoryErrorBased),
		},
		{
			ID:          "SQLI-005",
			Name:        "Time-based SQL Injection",
			Description: "Detects time-based SQL injection attempts",
			Pattern:     `\bwaitfor\s+delay\b|\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(|\bpg_sleep\s*\(`,
			Flags:       "i",
			Severity:    string(SeverityHigh),
			Category:    string(CategoryTimeBased),
		},
		{
			ID:          "SQLI-006",
			Name:        "SQL Authentication Bypass",
			Description: "Detects SQL authentication bypass tautologies",
			Pattern:     `\bor\s+['"\d]\s*=\s*['"\d]|\bor\s+1\s*=\s*1|\bor\s+'[^']*'\s*=\s*'[^']*'|\bor\s+"[^"]*"\s*=\s*"[^"]*"`,
			Flags:       "i",
			Severity:    string(SeverityCritical),
			Category:    string(CategoryAuthBypass),
		},
		{
			ID:          "SQLI-007",
			Name:        "SQL Batch Execution",
			Description: "Detects batched statement execution",
			Pattern:     `;\s*\b(select|insert|update|delete|drop|alter|create|exec|execute)\b`,
			Flags:       "i",
			Severity:    string(SeverityCritical),
			Category:    string(CategoryStackedQueries),
		},
		{
			ID:          "SQLI-008",
			Name:        "Database Schema Discovery",
			Description: "Detects attempts to discover database schema",
			Pattern:     `\binformation_schema\b|\bsys\.\w+\b|\bsyscolumns\b|\bsysobjects\b`,
			Flags:       "i",
			Severity:    string(SeverityMedium),
			Category:    string(CategorySchemaDiscovery),
		},
		{
			ID:          "SQLI-009",
			Name:        "Stored Procedure Execution",
			Description: "Detects attempts to execute stored procedures",
			Pattern:     `\bexec\s+\w+|\bexecute\s+\w+|\bsp_\w+|\bxp_\w+`,
			Flags:       "i",
			Severity:    string(SeverityHigh),
			Category:    string(CategoryStoredProcedure),
		},
		{
			ID:          "SQLI-010",
			Name:        "SQL Function Calls",
			Description: "Detects suspicious SQL string-concatenation function calls",
			Pattern:     `\b(char|nchar|varchar|nvarchar)\b.*(\bselect\b|;)|\b(concat|group_concat|concat_ws)\s*\(`,
			Flags:       "i",
			Severity:    string(SeverityMedium),
			Category:    string(CategoryFunctionCall),
		},
	}
}

var (
	defaultRulesOnce sync.Once
	defaultRules     *RuleSet
)

// DefaultRules returns the compiled built-in catalog. It is compiled once and
// shared by every caller.
func DefaultRules() *RuleSet {
	defaultRulesOnce.Do(func() {
		rs, errs := CompileRules(DefaultRuleRecords())
		if len(errs) > 0 {
			panic(fmt.Sprintf("built-in SQL injection rules failed to compile: %v", errs))
		}
		defaultRules = rs
	})
	return defaultRules
}

// RuleSource yields catalog records. How they are stored is up to the source.
type RuleSource interface {
	Records(ctx context.Context) ([]RuleRecord, error)
}

// StaticRuleSource serves a fixed slice of records.
type StaticRuleSource []RuleRecord

// Records returns the records.
func (s StaticRuleSource) Records(_ context.Context) ([]RuleRecord, error) {
	return s, nil
}

// FileRuleSource reads a JSON or YAML catalog from disk.
type FileRuleSource struct {
	Path string
}

// Records reads and decodes the catalog file.
func (s FileRuleSource) Records(_ context.Context) ([]RuleRecord, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return DecodeRuleCatalog(data, filepath.Ext(s.Path))
}

// DecodeRuleCatalog decodes a catalog document. ".json" is decoded as JSON,
// everything else as YAML.
func DecodeRuleCatalog(data []byte, ext string) ([]RuleRecord, error) {
	var catalog RuleCatalog
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &catalog); err != nil {
			return nil, fmt.Errorf("failed to decode rules JSON: %w", err)
		}
		return catalog.Rules, nil
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to decode rules YAML: %w", err)
	}
	return catalog.Rules, nil
}

// LoadRules loads and compiles a catalog from src. Individual bad records are
// skipped with a warning. When src is nil, fails, or yields no usable rule,
// the built-in catalog is returned instead.
func LoadRules(ctx context.Context, src RuleSource, log *logger.Logger) *RuleSet {
	if src == nil {
		return DefaultRules()
	}

	records, err := src.Records(ctx)
	if err != nil {
		log.Error("", "", "Failed to load SQL injection rules, using built-in catalog", map[string]interface{}{
			"error": err.Error(),
		})
		return DefaultRules()
	}

	rs, errs := CompileRules(records)
	for _, e := range errs {
		log.Warn("", "", "Skipping invalid SQL injection rule", map[string]interface{}{
			"error": e.Error(),
		})
	}

	if rs.Len() == 0 {
		log.Warn("", "", "Rule catalog has no usable rules, using built-in catalog", map[string]interface{}{
			"records": len(records),
		})
		return DefaultRules()
	}

	log.Info("", "", "Loaded SQL injection detection rules", map[string]interface{}{
		"rules":   rs.Len(),
		"skipped": len(errs),
	})
	return rs
}
