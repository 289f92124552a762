package engine

import (
	"sort"

	"github.com/hazyhaar/docreplace/classify"
	"github.com/hazyhaar/docreplace/pattern"
)

// Action selects whether an operation mutates the document.
type Action string

const (
	ActionCount   Action = "count"
	ActionReplace Action = "replace"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionCount || a == ActionReplace }

// Options are the per-operation search/replace flags.
type Options struct {
	MatchCase       bool `json:"match_case" yaml:"match_case"`
	InputFieldsOnly bool `json:"input_fields_only" yaml:"input_fields_only"`
	VisibleOnly     bool `json:"visible_only" yaml:"visible_only"`
	WholeWord       bool `json:"whole_word" yaml:"whole_word"`
	IsRegex         bool `json:"is_regex" yaml:"is_regex"`
	ReplaceAll      bool `json:"replace_all" yaml:"replace_all"`
}

// Pattern returns the subset of options that shapes pattern compilation.
func (o Options) Pattern() pattern.Options {
	return pattern.Options{
		IsRegex:    o.IsRegex,
		MatchCase:  o.MatchCase,
		WholeWord:  o.WholeWord,
		ReplaceAll: o.ReplaceAll,
	}
}

// OperationConfig is the working context threaded through one traversal.
// replace is its only mutable field and only ever goes from true to false.
type OperationConfig struct {
	Patterns    pattern.CompiledPattern
	ReplaceTerm string
	// ReplaceNext is true under replace-first semantics: the first
	// performed replacement turns replacing off for the rest of the traversal.
	ReplaceNext     bool
	InputFieldsOnly bool
	VisibleOnly     bool
	Filter          classify.Filter
	// Framework is the reactive-binding framework detected on the page, if any.
	Framework *Framework

	replace bool
	hints   map[string]struct{}
}

// NewOperationConfig builds the context for one traversal.
func NewOperationConfig(action Action, replaceTerm string, opts Options, patterns pattern.CompiledPattern) *OperationConfig {
	return &OperationConfig{
		Patterns:        patterns,
		ReplaceTerm:     replaceTerm,
		ReplaceNext:     !opts.ReplaceAll,
		InputFieldsOnly: opts.InputFieldsOnly,
		VisibleOnly:     opts.VisibleOnly,
		Filter:          classify.DefaultFilter(),
		replace:         action == ActionReplace,
	}
}

// Replacing reports whether the traversal may still mutate.
func (c *OperationConfig) Replacing() bool { return c.replace }

// noteReplaced is the single setter for replace. Under replace-first it
// switches replacing off once n > 0; it never switches it back on.
func (c *OperationConfig) noteReplaced(n int) {
	if n > 0 && c.ReplaceNext {
		c.replace = false
	}
}

// Hint records a de-duplicated note for the caller.
func (c *OperationConfig) Hint(h string) {
	if c.hints == nil {
		c.hints = make(map[string]struct{})
	}
	c.hints[h] = struct{}{}
}

// Hints returns the recorded notes, sorted.
func (c *OperationConfig) Hints() []string {
	out := make([]string, 0, len(c.hints))
	for h := range c.hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
