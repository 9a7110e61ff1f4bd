package sqli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"sqlshield/shared/logger"
)

// Score is a scorer's opinion about a token set.
type Score struct {
	IsInjection bool    `json:"is_injection"`
	Confidence  float64 `json:"confidence"`
}

// Scorer computes a confidence in [0,1] that a token set is malicious.
type Scorer interface {
	Score(ctx context.Context, tokens TokenSet) (Score, error)
}

const (
	// heuristicSaturation caps heuristic confidence below certainty.
	heuristicSaturation = 0.9

	// heuristicMatchesForSaturation is the keyword count that saturates confidence.
	heuristicMatchesForSaturation = 3

	// injectionScoreThreshold is the strict lower bound for IsInjection.
	injectionScoreThreshold = 0.5
)

// suspiciousTokens is the keyword-frequency catalog of the heuristic scorer.
var suspiciousTokens = []string{
	"union", "select", "from", "where", "drop", "update", "delete", "insert",
	"exec", "execute", "syscolumns", "sysobjects", "waitfor", "delay",
	"information_schema", "1=1", "or 1", "or true",
}

// HeuristicScorer counts suspicious tokens. It never fails.
type HeuristicScorer struct {
	catalog []string
}

// NewHeuristicScorer creates the default keyword-frequency scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{catalog: suspiciousTokens}
}

// Matches counts how many catalog entries are present in tokens.
func (h *HeuristicScorer) Matches(tokens TokenSet) int {
	n := 0
	for _, t := range h.catalog {
		if tokens.Has(t) {
			n++
		}
	}
	return n
}

// Score returns min(matches/3, 0.9) as confidence.
func (h *HeuristicScorer) Score(_ context.Context, tokens TokenSet) (Score, error) {
	return h.score(tokens), nil
}

func (h *HeuristicScorer) score(tokens TokenSet) Score {
	confidence := math.Min(float64(h.Matches(tokens))/heuristicMatchesForSaturation, heuristicSaturation)
	return Score{
		IsInjection: confidence > injectionScoreThreshold,
		Confidence:  confidence,
	}
}

// DefaultScorerTimeout bounds a single backend inference.
const DefaultScorerTimeout = 50 * time.Millisecond

// ErrScorerTimeout is reported when a backend exceeds its time budget.
var ErrScorerTimeout = errors.New("scorer timed out")

// FallbackScorer fronts a pluggable backend with the heuristic. Any backend
// failure (error, panic, timeout, invalid confidence) is answered by the
// heuristic instead, so Score never returns an error.
type FallbackScorer struct {
	primary   Scorer
	heuristic *HeuristicScorer
	timeout   time.Duration
	log       *logger.Logger
}

// FallbackOption configures a FallbackScorer.
type FallbackOption func(*FallbackScorer)

// WithScorerTimeout sets the per-call backend timeout. Zero or negative
// disables the timeout.
func WithScorerTimeout(d time.Duration) FallbackOption {
	return func(f *FallbackScorer) {
		f.timeout = d
	}
}

// WithFallbackLogger sets the logger used to report backend failures.
func WithFallbackLogger(l *logger.Logger) FallbackOption {
	return func(f *FallbackScorer) {
		f.log = l
	}
}

// NewFallbackScorer wraps primary. A nil primary scores with the heuristic only.
func NewFallbackScorer(primary Scorer, opts ...FallbackOption) *FallbackScorer {
	f := &FallbackScorer{
		primary:   primary,
		heuristic: NewHeuristicScorer(),
		timeout:   DefaultScorerTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Score asks the backend and falls back to the heuristic on any failure.
func (f *FallbackScorer) Score(ctx context.Context, tokens TokenSet) (Score, error) {
	s, _ := f.scoreWithStatus(ctx, tokens)
	return s, nil
}

// scoreWithStatus is Score that also reports whether the heuristic stood in
// for a failed backend call.
func (f *FallbackScorer) scoreWithStatus(ctx context.Context, tokens TokenSet) (Score, bool) {
	if f.primary == nil {
		return f.heuristic.score(tokens), false
	}

	s, err := f.callPrimary(ctx, tokens)
	if err == nil {
		err = validateScore(s)
	}
	if err != nil {
		f.log.Warn("", "", "Scoring backend failed, using heuristic", map[string]interface{}{
			"error": err.Error(),
		})
		return f.heuristic.score(tokens), true
	}
	return s, false
}

type scoreOutcome struct {
	score Score
	err   error
}

func (f *FallbackScorer) callPrimary(ctx context.Context, tokens TokenSet) (Score, error) {
	if f.timeout <= 0 {
		return safeScore(ctx, f.primary, tokens)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	// Buffered so an abandoned backend call can still complete its send.
	done := make(chan scoreOutcome, 1)
	go func() {
		s, err := safeScore(ctx, f.primary, tokens)
		done <- scoreOutcome{score: s, err: err}
	}()

	select {
	case out := <-done:
		return out.score, out.err
	case <-ctx.Done():
		return Score{}, ErrScorerTimeout
	}
}

func safeScore(ctx context.Context, s Scorer, tokens TokenSet) (score Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return s.Score(ctx, tokens)
}

func validateScore(s Score) error {
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %v", s.Confidence)
	}
	return nil
}
