package sqli

import (
	"context"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Payload maps each request source to its decoded value. Values may be any
// Go data accepted by FromAny, or a Value built directly.
type Payload map[Source]any

// ScanResult locates the first offending string in a payload.
type ScanResult struct {
	Verdict      Verdict `json:"verdict"`
	MatchedValue string  `json:"matched_value"`
	FieldPath    string  `json:"field_path"`
	Source       Source  `json:"source"`
}

// candidateAnalysis is the threshold-independent outcome for one string.
type candidateAnalysis struct {
	rule    Verdict
	ruleHit bool
	score   Score
}

// PayloadScanner walks payloads and evaluates every candidate string with
// the rule engine first and the scorer second. The first positive candidate
// ends the scan.
type PayloadScanner struct {
	engine *RuleEngine
	scorer Scorer
	cache  *lru.Cache[string, candidateAnalysis]
}

// ScannerOption configures a PayloadScanner.
type ScannerOption func(*PayloadScanner)

// WithVerdictCache memoizes per-string analysis in an LRU of the given size.
// Sizes below one disable the cache.
func WithVerdictCache(size int) ScannerOption {
	return func(s *PayloadScanner) {
		if size <= 0 {
			s.cache = nil
			return
		}
		cache, err := lru.New[string, candidateAnalysis](size)
		if err != nil {
			return
		}
		s.cache = cache
	}
}

// NewPayloadScanner creates a scanner. A nil engine uses the default rules;
// a nil scorer uses the heuristic. Any other scorer is wrapped in a
// FallbackScorer unless it already is one.
func NewPayloadScanner(engine *RuleEngine, scorer Scorer, opts ...ScannerOption) *PayloadScanner {
	if engine == nil {
		engine = NewRuleEngine(nil)
	}
	switch scorer.(type) {
	case nil:
		scorer = NewHeuristicScorer()
	case *FallbackScorer, *HeuristicScorer:
	default:
		scorer = NewFallbackScorer(scorer)
	}

	s := &PayloadScanner{engine: engine, scorer: scorer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the scanner's rule engine.
func (s *PayloadScanner) Engine() *RuleEngine {
	return s.engine
}

// Scan evaluates payload under cfg. It returns the first positive candidate,
// or nil when none is found. The only error is the context's, returned when
// the scan was abandoned at a candidate boundary.
func (s *PayloadScanner) Scan(ctx context.Context, payload Payload, cfg ScanConfig) (*ScanResult, error) {
	w := &walker{
		scanner: s,
		ctx:     ctx,
		cfg:     cfg,
		onPath:  make(map[Value]struct{}),
	}

	for _, src := range AllSources() {
		if !cfg.ScansSource(src) {
			continue
		}
		raw, ok := payload[src]
		if !ok || raw == nil {
			continue
		}
		w.source = src
		if res := w.walk(FromAny(raw), string(src), 0); res != nil {
			return res, nil
		}
		if w.err != nil {
			return nil, w.err
		}
	}
	return nil, nil
}

// Inspect evaluates a single string the way the scanner evaluates each
// candidate. The result carries no field path.
func (s *PayloadScanner) Inspect(ctx context.Context, input string, cfg ScanConfig) Verdict {
	return s.evaluate(ctx, input, cfg)
}

func (s *PayloadScanner) evaluate(ctx context.Context, text string, cfg ScanConfig) Verdict {
	a := s.analyze(ctx, text)
	if a.ruleHit {
		return a.rule
	}
	return HeuristicVerdict(a.score.Confidence > cfg.ConfidenceThreshold, a.score.Confidence)
}

func (s *PayloadScanner) analyze(ctx context.Context, text string) candidateAnalysis {
	if s.cache != nil {
		if a, ok := s.cache.Get(text); ok {
			return a
		}
	}

	var a candidateAnalysis
	degraded := false
	if v := s.engine.Detect(text); v.IsInjection {
		a = candidateAnalysis{rule: v, ruleHit: true}
	} else {
		a.score, degraded = s.score(ctx, Tokenize(text))
	}

	// A heuristic answer standing in for a failed backend call is not
	// memoized; the next call retries the backend.
	if s.cache != nil && !degraded {
		s.cache.Add(text, a)
	}
	return a
}

// score runs the scorer and reports whether the result is a fallback.
func (s *PayloadScanner) score(ctx context.Context, tokens TokenSet) (Score, bool) {
	if f, ok := s.scorer.(*FallbackScorer); ok {
		return f.scoreWithStatus(ctx, tokens)
	}
	// The heuristic never fails.
	sc, _ := s.scorer.Score(ctx, tokens)
	return sc, false
}

type walker struct {
	scanner *PayloadScanner
	ctx     context.Context
	cfg     ScanConfig
	source  Source
	onPath  map[Value]struct{}
	err     error
}

// walk visits v depth first. It returns the first positive result; a nil
// result with w.err set means the context was cancelled.
func (w *walker) walk(v Value, path string, depth int) *ScanResult {
	if w.err != nil || depth > w.cfg.MaxDepth {
		return nil
	}

	switch n := v.(type) {
	case Scalar:
		text, ok := n.Text()
		if !ok {
			return nil
		}
		if err := w.ctx.Err(); err != nil {
			w.err = err
			return nil
		}
		verdict := w.scanner.evaluate(w.ctx, text, w.cfg)
		if !verdict.IsInjection {
			return nil
		}
		return &ScanResult{
			Verdict:      verdict,
			MatchedValue: text,
			FieldPath:    path,
			Source:       w.source,
		}

	case *Sequence:
		if n == nil || w.enter(n) {
			return nil
		}
		defer w.leave(n)
		for i, item := range n.Items {
			if res := w.walk(item, path+"["+strconv.Itoa(i)+"]", depth+1); res != nil || w.err != nil {
				return res
			}
		}

	case *Mapping:
		if n == nil || w.enter(n) {
			return nil
		}
		defer w.leave(n)
		headerLevel := w.source == SourceHeaders && depth == 0
		for _, e := range n.Entries() {
			if headerLevel && w.cfg.IgnoresHeader(e.Key) {
				continue
			}
			if res := w.walk(e.Value, path+"."+e.Key, depth+1); res != nil || w.err != nil {
				return res
			}
		}
	}
	return nil
}

// enter marks a container as being on the current path. It reports true
// when the container is already there, which means a cycle.
func (w *walker) enter(v Value) bool {
	if _, ok := w.onPath[v]; ok {
		return true
	}
	w.onPath[v] = struct{}{}
	return false
}

func (w *walker) leave(v Value) {
	delete(w.onPath, v)
}
