package sqli

// VerdictSource identifies which detection path produced a verdict.
type VerdictSource string

const (
	VerdictNone      VerdictSource = "none"
	VerdictRule      VerdictSource = "rule"
	VerdictHeuristic VerdictSource = "heuristic"
)

// Verdict is the outcome of evaluating one candidate string.
//
// A rule verdict carries MatchedRuleID and Severity and leaves Confidence nil.
// A heuristic verdict carries Confidence and leaves MatchedRuleID empty.
type Verdict struct {
	IsInjection   bool          `json:"is_injection"`
	Source        VerdictSource `json:"source"`
	MatchedRuleID string        `json:"matched_rule_id,omitempty"`
	Severity      Severity      `json:"severity,omitempty"`
	Category      Category      `json:"category,omitempty"`
	Description   string        `json:"description,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
}

// NoVerdict is the clean result.
func NoVerdict() Verdict {
	return Verdict{IsInjection: false, Source: VerdictNone}
}

// RuleVerdict builds a positive verdict for a matched rule.
func RuleVerdict(r *Rule) Verdict {
	return Verdict{
		IsInjection:   true,
		Source:        VerdictRule,
		MatchedRuleID: r.ID,
		Severity:      r.Severity,
		Category:      r.Category,
		Description:   r.Description,
	}
}

// HeuristicVerdict builds a verdict from a scorer confidence.
func HeuristicVerdict(isInjection bool, confidence float64) Verdict {
	c := confidence
	return Verdict{
		IsInjection: isInjection,
		Source:      VerdictHeuristic,
		Confidence:  &c,
	}
}

// ConfidenceValue returns the confidence, or 0 when unset.
func (v Verdict) ConfidenceValue() float64 {
	if v.Confidence == nil {
		return 0
	}
	return *v.Confidence
}

// RuleEngine evaluates strings against an ordered rule set.
// It holds no mutable state and is safe for concurrent use.
type RuleEngine struct {
	rules *RuleSet
}

// NewRuleEngine creates an engine over rules. A nil or empty set falls back
// to the built-in catalog so the engine is never without rules.
func NewRuleEngine(rules *RuleSet) *RuleEngine {
	if rules.Len() == 0 {
		rules = DefaultRules()
	}
	return &RuleEngine{rules: rules}
}

// Rules returns the engine's rule set.
func (e *RuleEngine) Rules() *RuleSet {
	return e.rules
}

// Detect returns a verdict for the first rule, in catalog order, whose
// pattern matches input.
func (e *RuleEngine) Detect(input string) Verdict {
	for _, r := range e.rules.Rules() {
		if r.Pattern.MatchString(input) {
			return RuleVerdict(r)
		}
	}
	return NoVerdict()
}
