package sqli

import (
	"regexp"
	"sort"
	"strings"
)

// TokenSet is an unordered set of normalized (lowercase) tokens.
type TokenSet map[string]struct{}

// Has reports whether the token is in the set.
func (ts TokenSet) Has(token string) bool {
	_, ok := ts[token]
	return ok
}

// Len returns the number of distinct tokens.
func (ts TokenSet) Len() int {
	return len(ts)
}

// Sorted returns the tokens in lexical order.
func (ts TokenSet) Sorted() []string {
	out := make([]string, 0, len(ts))
	for t := range ts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (ts TokenSet) add(token string) {
	if token != "" {
		ts[token] = struct{}{}
	}
}

// sqlKeywords are matched on word boundaries. Entries ending in "_" are
// procedure prefixes and match the start of a word.
var sqlKeywords = []string{
	"select", "insert", "update", "delete", "drop", "create", "alter",
	"union", "where", "from", "join", "having", "group", "order", "by",
	"exec", "execute", "sp_", "xp_", "sysobjects", "syscolumns", "table",
	"or", "and", "not", "null", "char", "nchar", "varchar", "nvarchar",
}

// sqlOperators are detected by substring containment.
var sqlOperators = []string{
	"--", ";", "/*", "*/", "=", "'", `"`, ",", "(", ")", "@", "#",
}

// bypassIdioms are boolean-bypass fragments detected by substring containment.
var bypassIdioms = []string{
	"1=1", "1 = 1", "true=true", "or 1", "1 or", "or true",
}

var (
	wordSplitRegex = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
	keywordRegexes = compileKeywordMatchers(sqlKeywords)
)

type keywordMatcher struct {
	keyword string
	re      *regexp.Regexp
}

func compileKeywordMatchers(keywords []string) []keywordMatcher {
	out := make([]keywordMatcher, 0, len(keywords))
	for _, kw := range keywords {
		expr := `\b` + regexp.QuoteMeta(kw) + `\b`
		if strings.HasSuffix(kw, "_") {
			expr = `\b` + regexp.QuoteMeta(kw)
		}
		out = append(out, keywordMatcher{keyword: kw, re: regexp.MustCompile(expr)})
	}
	return out
}

// Tokenize splits input into the union of its lowercase words, the SQL
// keywords it contains, the SQL operators it contains and the known
// boolean-bypass idioms it contains.
func Tokenize(input string) TokenSet {
	tokens := make(TokenSet)
	if input == "" {
		return tokens
	}

	lower := strings.ToLower(input)
	for _, word := range wordSplitRegex.Split(lower, -1) {
		tokens.add(word)
	}
	for _, tok := range extractSQLTokens(lower) {
		tokens.add(tok)
	}
	return tokens
}

// TokenizeValue tokenizes v when it is a string and returns an empty set for
// every other type.
func TokenizeValue(v any) TokenSet {
	s, ok := v.(string)
	if !ok {
		return make(TokenSet)
	}
	return Tokenize(s)
}

// extractSQLTokens expects already-lowercased input.
func extractSQLTokens(lower string) []string {
	var out []string
	for _, m := range keywordRegexes {
		if m.re.MatchString(lower) {
			out = append(out, m.keyword)
		}
	}
	for _, op := range sqlOperators {
		if strings.Contains(lower, op) {
			out = append(out, op)
		}
	}
	for _, idiom := range bypassIdioms {
		if strings.Contains(lower, idiom) {
			out = append(out, idiom)
		}
	}
	return out
}
