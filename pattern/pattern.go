// Package pattern compiles a raw search term and option flags into the pair
// of regular expressions used by one search/replace operation.
//
// The scoped pattern honours replace-first vs replace-all; the global pattern
// always matches every occurrence and exists only for counting. A malformed
// user regex never fails the operation: it degrades to a literal search and
// the fallback is reported on the result.
package pattern

import (
	"log/slog"
	"regexp"
	"strings"
)

// Options are the flags that shape compilation.
type Options struct {
	IsRegex    bool `json:"is_regex" yaml:"is_regex"`
	MatchCase  bool `json:"match_case" yaml:"match_case"`
	WholeWord  bool `json:"whole_word" yaml:"whole_word"`
	ReplaceAll bool `json:"replace_all" yaml:"replace_all"`
}

// Pattern is one compiled expression. The zero Pattern matches nothing.
type Pattern struct {
	re *regexp.Regexp
	// all is false for a replace-first pattern.
	all bool
	// expand enables $1 / ${name} / $& in the replacement.
	expand bool
}

// CompiledPattern is the immutable pair derived once per operation.
type CompiledPattern struct {
	Scoped Pattern
	Global Pattern
	// Source is the expression actually compiled.
	Source string
	// Fallback is true when a malformed regex was downgraded to a literal.
	Fallback bool
}

// Compile builds the pattern pair. It never fails: an invalid regex is
// escaped and compiled as literal text, with a warning on logger.
func Compile(term string, opts Options, logger *slog.Logger) CompiledPattern {
	if logger == nil {
		logger = slog.Default()
	}
	if term == "" {
		return CompiledPattern{}
	}

	src := expression(term, opts)
	re, err := regexp.Compile(src)
	fallback := false
	if err != nil {
		logger.Warn("pattern: invalid regex, falling back to literal",
			"term", term, "error", err)
		lit := opts
		lit.IsRegex = false
		src = expression(term, lit)
		re = regexp.MustCompile(src)
		fallback = true
	}

	expand := opts.IsRegex && !fallback
	return CompiledPattern{
		Scoped:   Pattern{re: re, all: opts.ReplaceAll, expand: expand},
		Global:   Pattern{re: re, all: true, expand: expand},
		Source:   src,
		Fallback: fallback,
	}
}

// expression renders term and flags into RE2 syntax. For non-regex terms the
// result is always a valid expression.
func expression(term string, opts Options) string {
	var sb strings.Builder
	if !opts.MatchCase {
		sb.WriteString("(?i)")
	}
	if !opts.IsRegex {
		body := regexp.QuoteMeta(term)
		if opts.WholeWord {
			body = `\b` + body + `\b`
		}
		sb.WriteString(body)
		return sb.String()
	}
	sb.WriteString(term)
	return sb.String()
}

// Valid reports whether the pattern can match anything.
func (p Pattern) Valid() bool { return p.re != nil }

// All reports whether the pattern replaces every occurrence.
func (p Pattern) All() bool { return p.all }

// String returns the compiled expression.
func (p Pattern) String() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}

// matches returns non-empty match index tuples, at most one unless all.
func (p Pattern) matches(s string, all bool) [][]int {
	if p.re == nil || s == "" {
		return nil
	}
	var out [][]int
	for _, m := range p.re.FindAllStringSubmatchIndex(s, -1) {
		if m[1] == m[0] {
			continue
		}
		out = append(out, m)
		if !all {
			break
		}
	}
	return out
}

// Count returns the number of occurrences the pattern would touch in s:
// every occurrence for an all pattern, at most one otherwise.
func (p Pattern) Count(s string) int {
	return len(p.matches(s, p.all))
}

// Replace substitutes repl for the occurrences of the pattern in s and
// returns the new string with the number of substitutions.
func (p Pattern) Replace(s, repl string) (string, int) {
	ms := p.matches(s, p.all)
	if len(ms) == 0 {
		return s, 0
	}
	template := repl
	if p.expand {
		template = strings.ReplaceAll(repl, "$&", "${0}")
	}
	var sb strings.Builder
	last := 0
	for _, m := range ms {
		sb.WriteString(s[last:m[0]])
		if p.expand {
			sb.Write(p.re.ExpandString(nil, template, s, m))
		} else {
			sb.WriteString(repl)
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), len(ms)
}
