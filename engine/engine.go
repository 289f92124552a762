// Package engine walks a document's node tree and counts or replaces
// pattern occurrences. One traversal runs three stages in order: rich-editor
// surfaces, generic containers, then editable-value leaves. A processed-node
// ledger keeps any node from being counted or mutated twice.
//
// Usage:
//
//	eng := engine.New(engine.WithLogger(logger))
//	out := eng.Run(doc, engine.Request{
//		Action:  engine.ActionReplace,
//		Search:  "colour",
//		Replace: "color",
//		Options: engine.Options{ReplaceAll: true},
//	})
package engine

import (
	"log/slog"

	"github.com/hazyhaar/docreplace/classify"
	"github.com/hazyhaar/docreplace/dom"
	"github.com/hazyhaar/docreplace/pattern"
	"github.com/hazyhaar/docreplace/visibility"
)

// Engine holds the strategy tables shared by traversals. It is safe for
// concurrent use; each traversal gets its own config, ledger and document.
type Engine struct {
	editors    []EditorShape
	frameworks []Framework
	compiler   *pattern.Compiler
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEditors appends extra editor shapes after the built-in ones.
func WithEditors(shapes ...EditorShape) Option {
	return func(e *Engine) { e.editors = append(e.editors, shapes...) }
}

// WithFrameworks replaces the framework detectors.
func WithFrameworks(fws ...Framework) Option {
	return func(e *Engine) { e.frameworks = fws }
}

// WithCompiler shares a pattern compiler (and its cache).
func WithCompiler(c *pattern.Compiler) Option { return func(e *Engine) { e.compiler = c } }

// New creates an Engine with the built-in editor and framework tables.
func New(opts ...Option) *Engine {
	e := &Engine{
		editors:    DefaultEditors(),
		frameworks: DefaultFrameworks(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.compiler == nil {
		e.compiler = pattern.NewCompiler(pattern.DefaultCacheSize, e.logger)
	}
	return e
}

// Request is one search/replace operation against one document.
type Request struct {
	Action  Action  `json:"action"`
	Search  string  `json:"search"`
	Replace string  `json:"replace"`
	Options Options `json:"options"`
}

// Outcome is what a traversal produced for one document.
type Outcome struct {
	Result Result   `json:"result"`
	Hints  []string `json:"hints,omitempty"`
	// Isolated lists the network-loaded frames this traversal left alone.
	Isolated []dom.Frame `json:"-"`
	Ledger   *Ledger     `json:"-"`
}

// Config compiles the request into a traversal context for doc.
func (e *Engine) Config(doc *dom.Document, req Request) *OperationConfig {
	cp := e.compiler.Compile(req.Search, req.Options.Pattern())
	cfg := NewOperationConfig(req.Action, req.Replace, req.Options, cp)
	if cp.Fallback {
		cfg.Hint("invalid regular expression; searched as literal text")
	}
	cfg.Framework = DetectFramework(NewScan(doc), e.frameworks)
	return cfg
}

// Run traverses doc once with a fresh ledger.
func (e *Engine) Run(doc *dom.Document, req Request) Outcome {
	cfg := e.Config(doc, req)
	res, ledger := e.Traverse(cfg, doc, NewLedger(), Result{})
	return Outcome{
		Result:   res,
		Hints:    cfg.Hints(),
		Isolated: doc.IsolatedFrames(),
		Ledger:   ledger,
	}
}

// Traverse runs the three stages over doc, accumulating into res and ledger.
func (e *Engine) Traverse(cfg *OperationConfig, doc *dom.Document, ledger *Ledger, res Result) (Result, *Ledger) {
	scope := doc.Root()
	if !cfg.Patterns.Global.Valid() {
		return res, ledger
	}
	e.editorPass(cfg, doc, scope, ledger, &res)

	leaves, containers := classify.Partition(doc, doc.Elements(scope), cfg.Filter)
	if !cfg.InputFieldsOnly {
		e.containerPass(cfg, doc, containers, ledger, &res)
	}
	e.leafPass(cfg, doc, leaves, ledger, &res)

	e.logger.Debug("engine: traversal done",
		"url", doc.URL(),
		"original", res.Count.Original,
		"replaced", res.Count.Replaced,
		"nodes", ledger.Len())
	return res, ledger
}

// containerSkip prunes what a container's text must not include: excluded
// tags, editable leaves, rich-editor surfaces already handled, and (for
// visible-only operations) hidden subtrees.
func containerSkip(cfg *OperationConfig, doc *dom.Document, ledger *Ledger) func(dom.NodeID) bool {
	return cfg.Filter.TextSkip(doc, func(id dom.NodeID) bool {
		if ledger.isSubtree(id) {
			return true
		}
		return cfg.VisibleOnly && !visibility.IsVisible(doc, id, false)
	})
}

func (e *Engine) containerPass(cfg *OperationConfig, doc *dom.Document, containers []dom.NodeID, ledger *Ledger, res *Result) {
	skip := containerSkip(cfg, doc, ledger)
	for _, c := range containers {
		if ledger.Seen(c) || ledger.Covered(doc, c) {
			continue
		}
		if cfg.VisibleOnly && !visibility.IsVisible(doc, c, true) {
			continue
		}
		n := cfg.Patterns.Global.Count(doc.TextContent(c, skip))
		tally := n
		if ledger.CountedAncestor(doc, c) {
			tally = 0
		}

		replaced := 0
		if cfg.Replacing() && n > 0 {
			for _, t := range doc.TextChildren(c) {
				k := e.replaceText(cfg, doc, t)
				replaced += k
				if !cfg.Replacing() {
					break
				}
			}
		}
		ledger.Insert(c, Entry{Replaced: replaced > 0, Count: Count{Original: n, Replaced: replaced}})
		res.add(tally, replaced)
	}
}

// replaceText substitutes inside one text node. It returns the number of
// replacements performed, zero when the text would not change.
func (e *Engine) replaceText(cfg *OperationConfig, doc *dom.Document, t dom.NodeID) int {
	s := doc.Text(t)
	out, k := cfg.Patterns.Scoped.Replace(s, cfg.ReplaceTerm)
	if k == 0 || out == s {
		return 0
	}
	doc.SetText(t, out)
	cfg.noteReplaced(k)
	return k
}

func (e *Engine) leafPass(cfg *OperationConfig, doc *dom.Document, leaves []dom.NodeID, ledger *Ledger, res *Result) {
	for _, l := range leaves {
		if ledger.Seen(l) || ledger.Covered(doc, l) {
			continue
		}
		if cfg.VisibleOnly && !visibility.IsVisible(doc, l, true) {
			continue
		}
		v := doc.Value(l)
		n := cfg.Patterns.Global.Count(v)
		replaced := 0
		if cfg.Replacing() && n > 0 {
			out, k := cfg.Patterns.Scoped.Replace(v, cfg.ReplaceTerm)
			if k > 0 && out != v {
				e.writeValue(cfg, doc, l, out)
				replaced = k
				cfg.noteReplaced(k)
			}
		}
		ledger.Insert(l, Entry{Replaced: replaced > 0, Count: Count{Original: n, Replaced: replaced}})
		res.add(n, replaced)
	}
}

// writeValue sets a leaf's value, notifies listeners, and replays the
// detected framework's event sequence so bound state follows the write.
func (e *Engine) writeValue(cfg *OperationConfig, doc *dom.Document, id dom.NodeID, v string) {
	doc.SetValue(id, v)
	e.notify(cfg, doc, id, "engine", dom.EventInput)
	if fw := cfg.Framework; fw != nil {
		if !e.notify(cfg, doc, id, fw.Name, fw.Resync...) {
			cfg.Hint("framework " + fw.Name + " resync failed; bound state may be stale")
		}
	}
}

// notify dispatches events in order. Listener failures are logged and never
// abort the operation; it returns false if any failed.
func (e *Engine) notify(cfg *OperationConfig, doc *dom.Document, target dom.NodeID, source string, types ...string) bool {
	ok := true
	for _, t := range types {
		if err := doc.Dispatch(dom.Event{Type: t, Target: target, Source: source}); err != nil {
			ok = false
			e.logger.Warn("engine: event listener failed",
				"url", doc.URL(), "event", t, "source", source, "error", err)
		}
	}
	if !ok && source == "engine" {
		cfg.Hint("change listener failed after write")
	}
	return ok
}
