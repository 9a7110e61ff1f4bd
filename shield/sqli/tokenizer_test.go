package sqli

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		notWant []string
	}{
		{
			name:  "plain words are lowercased",
			input: "Hello World",
			want:  []string{"hello", "world"},
		},
		{
			name:    "keyword on word boundary",
			input:   "SELECT name FROM users",
			want:    []string{"select", "from", "name", "users"},
			notWant: []string{"union"},
		},
		{
			name:    "keyword inside a longer word does not match",
			input:   "natural selection",
			want:    []string{"selection"},
			notWant: []string{"select"},
		},
		{
			name:  "procedure prefix matches start of word",
			input: "exec sp_who",
			want:  []string{"exec", "sp_", "sp_who"},
		},
		{
			name:  "operators by containment",
			input: "admin' --",
			want:  []string{"'", "--", "admin"},
		},
		{
			name:  "comment markers",
			input: "a/**/b",
			want:  []string{"/*", "*/"},
		},
		{
			name:  "bypass idioms",
			input: "x' OR 1=1",
			want:  []string{"or", "1=1", "or 1", "=", "'"},
		},
		{
			name:  "spaced tautology",
			input: "1 = 1 or true",
			want:  []string{"1 = 1", "or true", "1 or"},
		},
		{
			name:  "unicode words",
			input: "café über",
			want:  []string{"café", "über"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.input)
			for _, tok := range tt.want {
				if !got.Has(tok) {
					t.Errorf("Tokenize(%q) missing %q, got %v", tt.input, tok, got.Sorted())
				}
			}
			for _, tok := range tt.notWant {
				if got.Has(tok) {
					t.Errorf("Tokenize(%q) unexpectedly contains %q", tt.input, tok)
				}
			}
		})
	}
}

func TestTokenize_Empty(t *testing.T) {
	if got := Tokenize(""); got.Len() != 0 {
		t.Errorf("Tokenize(\"\") = %v, want empty", got.Sorted())
	}
	if got := Tokenize("   "); got.Has("") {
		t.Error("empty word should never be a token")
	}
}

func TestTokenize_Deterministic(t *testing.T) {
	input := "1' UNION SELECT password FROM admin; --"
	first := Tokenize(input).Sorted()
	for i := 0; i < 10; i++ {
		if got := Tokenize(input).Sorted(); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: Tokenize not deterministic: %v vs %v", i, got, first)
		}
	}
}

func TestTokenize_CoalescesDuplicates(t *testing.T) {
	got := Tokenize("select select SELECT")
	count := 0
	for _, tok := range got.Sorted() {
		if tok == "select" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("select appears %d times, want 1", count)
	}
}

func TestTokenizeValue_NonString(t *testing.T) {
	inputs := []any{nil, 42, 3.14, true, []string{"select"}, map[string]any{"q": "union"}}
	for _, in := range inputs {
		if got := TokenizeValue(in); got.Len() != 0 {
			t.Errorf("TokenizeValue(%v) = %v, want empty set", in, got.Sorted())
		}
	}
	if got := TokenizeValue("drop table"); !got.Has("drop") || !got.Has("table") {
		t.Errorf("TokenizeValue(string) = %v, want drop and table", got.Sorted())
	}
}

func TestTokenSet_Sorted(t *testing.T) {
	ts := TokenSet{}
	ts.add("b")
	ts.add("a")
	ts.add("")
	if got := ts.Sorted(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Sorted() = %v, want [a b]", got)
	}
}
