package sqli

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"sqlshield/shared/logger"
)

func tokens(words ...string) TokenSet {
	ts := TokenSet{}
	for _, w := range words {
		ts.add(w)
	}
	return ts
}

func TestHeuristicScorer_Score(t *testing.T) {
	h := NewHeuristicScorer()
	ctx := context.Background()

	tests := []struct {
		name       string
		tokens     TokenSet
		wantConf   float64
		wantInject bool
	}{
		{"no suspicious tokens", tokens("hello", "world"), 0, false},
		{"one", tokens("select", "name"), 1.0 / 3, false},
		{"two", tokens("select", "from"), 2.0 / 3, true},
		{"three saturates", tokens("select", "from", "where"), 0.9, true},
		{"many still saturates", tokens("union", "select", "from", "where", "drop", "1=1"), 0.9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := h.Score(ctx, tt.tokens)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(s.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", s.Confidence, tt.wantConf)
			}
			if s.IsInjection != tt.wantInject {
				t.Errorf("IsInjection = %v, want %v", s.IsInjection, tt.wantInject)
			}
		})
	}
}

func TestHeuristicScorer_Monotonic(t *testing.T) {
	h := NewHeuristicScorer()
	set := TokenSet{}
	prev := -1.0
	for _, tok := range suspiciousTokens {
		set.add(tok)
		s := h.score(set)
		if s.Confidence < prev {
			t.Fatalf("confidence decreased from %v to %v after adding %q", prev, s.Confidence, tok)
		}
		if s.Confidence > heuristicSaturation {
			t.Fatalf("confidence %v exceeds saturation", s.Confidence)
		}
		prev = s.Confidence
	}
	if prev != heuristicSaturation {
		t.Errorf("final confidence = %v, want %v", prev, heuristicSaturation)
	}
}

type stubScorer struct {
	score Score
	err   error
	delay time.Duration
	panic bool
}

func (s stubScorer) Score(ctx context.Context, _ TokenSet) (Score, error) {
	if s.panic {
		panic("model exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Score{}, ctx.Err()
		}
	}
	return s.score, s.err
}

func TestFallbackScorer(t *testing.T) {
	ctx := context.Background()
	in := tokens("select", "from")
	heuristic := NewHeuristicScorer().score(in)

	tests := []struct {
		name    string
		primary Scorer
		want    Score
		logged  bool
	}{
		{
			name:    "nil primary uses heuristic",
			primary: nil,
			want:    heuristic,
		},
		{
			name:    "primary result is used",
			primary: stubScorer{score: Score{IsInjection: true, Confidence: 0.97}},
			want:    Score{IsInjection: true, Confidence: 0.97},
		},
		{
			name:    "error falls back",
			primary: stubScorer{err: errors.New("session closed")},
			want:    heuristic,
			logged:  true,
		},
		{
			name:    "panic falls back",
			primary: stubScorer{panic: true},
			want:    heuristic,
			logged:  true,
		},
		{
			name:    "timeout falls back",
			primary: stubScorer{delay: time.Second, score: Score{Confidence: 0.99}},
			want:    heuristic,
			logged:  true,
		},
		{
			name:    "NaN falls back",
			primary: stubScorer{score: Score{Confidence: math.NaN()}},
			want:    heuristic,
			logged:  true,
		},
		{
			name:    "out of range falls back",
			primary: stubScorer{score: Score{Confidence: 1.5}},
			want:    heuristic,
			logged:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := NewFallbackScorer(tt.primary,
				WithScorerTimeout(20*time.Millisecond),
				WithFallbackLogger(logger.NewWithWriter("sqli", &buf)),
			)

			got, err := f.Score(ctx, in)
			if err != nil {
				t.Fatalf("FallbackScorer must never fail, got %v", err)
			}
			if got != tt.want {
				t.Errorf("Score = %+v, want %+v", got, tt.want)
			}
			if logged := strings.Contains(buf.String(), "using heuristic"); logged != tt.logged {
				t.Errorf("fallback logged = %v, want %v (%q)", logged, tt.logged, buf.String())
			}
		})
	}
}

func TestFallbackScorer_NoTimeout(t *testing.T) {
	f := NewFallbackScorer(stubScorer{score: Score{Confidence: 0.2}}, WithScorerTimeout(0))
	got, _ := f.Score(context.Background(), tokens("x"))
	if got.Confidence != 0.2 {
		t.Errorf("Confidence = %v, want 0.2", got.Confidence)
	}
}

func TestFallbackScorer_DefaultTimeout(t *testing.T) {
	f := NewFallbackScorer(nil)
	if f.timeout != DefaultScorerTimeout {
		t.Errorf("timeout = %v, want %v", f.timeout, DefaultScorerTimeout)
	}
}
