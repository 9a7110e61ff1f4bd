package sqli

import (
	"testing"
)

func TestRuleEngine_FirstMatchWins(t *testing.T) {
	// Every rule matches "attack"; only order decides.
	records := []RuleRecord{
		{ID: "FIRST", Pattern: `att`, Severity: "low"},
		{ID: "SECOND", Pattern: `attack`, Severity: "critical"},
		{ID: "THIRD", Pattern: `a`, Severity: "high"},
	}
	rs, errs := CompileRules(records)
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors: %v", errs)
	}
	engine := NewRuleEngine(rs)

	for i := 0; i < 5; i++ {
		v := engine.Detect("attack")
		if v.MatchedRuleID != "FIRST" {
			t.Fatalf("Detect = %s, want FIRST", v.MatchedRuleID)
		}
		if v.Severity != SeverityLow {
			t.Errorf("Severity = %s, want low", v.Severity)
		}
	}

	// Reversing the catalog reverses the winner.
	reversed := []RuleRecord{records[2], records[1], records[0]}
	rs, _ = CompileRules(reversed)
	if v := NewRuleEngine(rs).Detect("attack"); v.MatchedRuleID != "THIRD" {
		t.Errorf("Detect = %s, want THIRD", v.MatchedRuleID)
	}
}

func TestRuleEngine_VerdictShape(t *testing.T) {
	engine := NewRuleEngine(nil)

	v := engine.Detect("1 UNION SELECT 1")
	if !v.IsInjection || v.Source != VerdictRule {
		t.Fatalf("got %+v, want rule verdict", v)
	}
	if v.MatchedRuleID == "" {
		t.Error("rule verdict must carry a rule id")
	}
	if v.Confidence != nil {
		t.Error("rule verdict must not carry a confidence")
	}

	v = engine.Detect("hello")
	if v.IsInjection || v.Source != VerdictNone {
		t.Errorf("got %+v, want none verdict", v)
	}
	if v.MatchedRuleID != "" || v.Confidence != nil {
		t.Errorf("none verdict should be empty, got %+v", v)
	}
}

func TestNewRuleEngine_EmptySetFallsBack(t *testing.T) {
	empty, _ := CompileRules(nil)
	engine := NewRuleEngine(empty)
	if engine.Rules() != DefaultRules() {
		t.Error("empty rule set should fall back to the default catalog")
	}
	if !engine.Detect("admin' --").IsInjection {
		t.Error("fallback engine should still detect")
	}
}

func TestHeuristicVerdict(t *testing.T) {
	v := HeuristicVerdict(true, 0.9)
	if v.Source != VerdictHeuristic || v.MatchedRuleID != "" {
		t.Errorf("got %+v", v)
	}
	if v.ConfidenceValue() != 0.9 {
		t.Errorf("ConfidenceValue = %v, want 0.9", v.ConfidenceValue())
	}
	if NoVerdict().ConfidenceValue() != 0 {
		t.Error("unset confidence should read as 0")
	}
}

func BenchmarkRuleEngine_Detect(b *testing.B) {
	engine := NewRuleEngine(DefaultRules())
	for i := 0; i < b.N; i++ {
		engine.Detect("a perfectly ordinary search string with nothing to see")
	}
}
