// Package sqli is the SQL Shield detection pipeline.
//
// It decides whether arbitrary, untrusted request data (strings, nested
// objects, lists) carries a SQL injection attempt. The pipeline is pure
// computation and safe for concurrent use:
//   - Tokenizer: lowercase word tokens plus SQL keywords, operators and
//     boolean-bypass idioms
//   - RuleEngine: ordered, compiled pattern rules, first match wins
//   - Scorer: keyword-frequency heuristic, optionally fronted by an ONNX model
//     with transparent fallback
//   - PayloadScanner: walks query/body/params/cookies/headers and stops at the
//     first positive candidate string
//   - Decide: maps the scan result and enforcement mode to an action
//
// # Usage
//
//	detector := sqli.NewDetector(sqli.WithRuleSet(sqli.DefaultRules()))
//	cfg := sqli.NewScanConfig(sqli.ScanOptions{Mode: "block"}, nil)
//	eval := detector.Evaluate(ctx, sqli.Payload{
//	    sqli.SourceQuery: map[string]any{"id": "1 OR 1=1"},
//	}, cfg)
//	if eval.Action == sqli.ActionBlock {
//	    // reject the request
//	}
//
// # Rule catalogs
//
// Rules are loaded once through LoadRules from any RuleSource. A malformed
// pattern is skipped with a warning; a loader that fails outright, or yields
// no usable rules, degrades to the built-in catalog returned by DefaultRules.
// Rule order is priority.
//
// # Failure model
//
// Evaluate never returns an error. Configuration mistakes fall back to
// defaults, scoring backend failures fall back to the heuristic, and cyclic
// or over-deep payloads are truncated.
package sqli
