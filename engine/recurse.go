package engine

import (
	"strings"

	"github.com/hazyhaar/docreplace/dom"
	"github.com/hazyhaar/docreplace/visibility"
)

// surface is one editable region found for an editor shape. host is the
// frame element holding it, or dom.NoNode for surfaces in the scope itself.
type surface struct {
	node dom.NodeID
	host dom.NodeID
}

func (e *Engine) editorPass(cfg *OperationConfig, doc *dom.Document, scope dom.NodeID, ledger *Ledger, res *Result) {
	scan := NewScan(doc)
	for _, shape := range e.editors {
		if !shape.detected(scan) {
			continue
		}
		containers, err := doc.Query(scope, shape.Container)
		if err != nil {
			e.logger.Warn("engine: editor selector", "editor", shape.Name, "error", err)
			continue
		}
		for _, c := range containers {
			if cfg.Filter.ExcludedWithin(doc, c) {
				continue
			}
			for _, s := range e.descend(cfg, doc, c, shape) {
				e.editSurface(cfg, doc, shape, s, ledger, res)
			}
		}
	}
}

// descend resolves the surfaces of one editor container. Framed editors are
// followed into their in-memory frame; an isolated editor frame is left to
// the sub-document dispatch and only noted.
func (e *Engine) descend(cfg *OperationConfig, doc *dom.Document, container dom.NodeID, shape EditorShape) []surface {
	if shape.Frame == "" {
		if shape.Surface == "" {
			return []surface{{node: container, host: dom.NoNode}}
		}
		return e.query(doc, container, shape, dom.NoNode)
	}
	frames, err := doc.Query(container, shape.Frame)
	if err != nil {
		e.logger.Warn("engine: editor frame selector", "editor", shape.Name, "error", err)
		return nil
	}
	var out []surface
	for _, f := range frames {
		fr, ok := doc.Frame(f)
		if !ok {
			continue
		}
		if fr.Kind == dom.FrameIsolated {
			cfg.Hint("editor " + shape.Name + " lives in an isolated frame; searched as a separate document")
			continue
		}
		inner := doc.FrameContent(f)
		if inner == dom.NoNode {
			continue
		}
		if shape.Surface == "" {
			out = append(out, surface{node: inner, host: f})
			continue
		}
		out = append(out, e.query(doc, inner, shape, f)...)
	}
	return out
}

func (e *Engine) query(doc *dom.Document, scope dom.NodeID, shape EditorShape, host dom.NodeID) []surface {
	ids, err := doc.Query(scope, shape.Surface)
	if err != nil {
		e.logger.Warn("engine: editor surface selector", "editor", shape.Name, "error", err)
		return nil
	}
	out := make([]surface, 0, len(ids))
	for _, id := range ids {
		out = append(out, surface{node: id, host: host})
	}
	return out
}

// editSurface counts on a sanitised clone of the surface and mutates the
// live text nodes. The whole surface becomes one subtree ledger entry.
func (e *Engine) editSurface(cfg *OperationConfig, doc *dom.Document, shape EditorShape, s surface, ledger *Ledger, res *Result) {
	if ledger.Seen(s.node) || ledger.Covered(doc, s.node) || ledger.holdsSubtreeWithin(doc, s.node) {
		return
	}
	if cfg.VisibleOnly && !visibility.IsVisible(doc, s.node, true) {
		return
	}

	inner, err := doc.InnerHTML(s.node)
	if err != nil {
		e.logger.Warn("engine: editor serialise", "editor", shape.Name, "error", err)
		return
	}
	clone, err := sanitizedClone(inner)
	if err != nil {
		e.logger.Warn("engine: editor clone", "editor", shape.Name, "error", err)
		return
	}
	original := cfg.Patterns.Global.Count(strings.Join(cloneText(clone, cfg.VisibleOnly), ""))

	replaced := 0
	if cfg.Replacing() && original > 0 {
		skip := func(id dom.NodeID) bool {
			if doc.IsFrameElement(id) || cfg.Filter.Excludes(doc, id) {
				return true
			}
			return cfg.VisibleOnly && !visibility.IsVisible(doc, id, false)
		}
		for _, t := range doc.TextNodes(s.node, skip) {
			replaced += e.replaceText(cfg, doc, t)
			if !cfg.Replacing() {
				break
			}
		}
	}
	if replaced > original {
		original = replaced
	}

	ledger.Insert(s.node, Entry{
		Replaced: replaced > 0,
		Count:    Count{Original: original, Replaced: replaced},
		Subtree:  true,
	})
	res.add(original, replaced)
	if original > 0 {
		cfg.Hint("rich editor " + shape.Name + " searched")
	}

	if replaced > 0 {
		e.notify(cfg, doc, s.node, "engine", dom.EventInput)
		if s.host != dom.NoNode {
			e.notify(cfg, doc, s.host, "engine", dom.EventInput)
		}
	}
	e.logger.Debug("engine: editor surface",
		"editor", shape.Name, "original", original, "replaced", replaced)
}
