// Package classify splits candidate elements into editable-value leaves and
// generic containers, after removing structural and non-text elements.
package classify

import (
	"strings"

	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/docreplace/dom"
)

// Filter is the structural exclusion set applied before partitioning.
type Filter struct {
	exclude map[atom.Atom]bool
	// extra holds tags without a known atom (custom elements).
	extra map[string]bool
}

// defaultExcluded carries no searchable text or is never rendered as text.
var defaultExcluded = []atom.Atom{
	atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template,
	atom.Title, atom.Meta, atom.Link, atom.Base,
	atom.Object, atom.Embed, atom.Applet, atom.Param,
}

// DefaultFilter excludes head, script, style and the other non-text tags.
func DefaultFilter() Filter {
	f := Filter{exclude: make(map[atom.Atom]bool), extra: make(map[string]bool)}
	for _, a := range defaultExcluded {
		f.exclude[a] = true
	}
	return f
}

// With returns a copy of f also excluding the given tag names.
func (f Filter) With(tags ...string) Filter {
	out := Filter{exclude: make(map[atom.Atom]bool, len(f.exclude)), extra: make(map[string]bool, len(f.extra))}
	for k, v := range f.exclude {
		out.exclude[k] = v
	}
	for k, v := range f.extra {
		out.extra[k] = v
	}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if a := atom.Lookup([]byte(t)); a != 0 {
			out.exclude[a] = true
		} else if t != "" {
			out.extra[t] = true
		}
	}
	return out
}

// Excludes reports whether the element's own tag is in the exclusion set.
// A frame element is content only when its document was inlined under it;
// otherwise its children are parser fallback text no browser renders.
func (f Filter) Excludes(doc *dom.Document, id dom.NodeID) bool {
	if !doc.IsElement(id) {
		return false
	}
	if doc.IsFrameElement(id) {
		fr, ok := doc.Frame(id)
		return !ok || fr.Kind == dom.FrameIsolated || !fr.Inlined
	}
	if a := doc.Atom(id); a != 0 {
		return f.exclude[a]
	}
	return f.extra[doc.Tag(id)]
}

// ExcludedWithin reports whether id or any ancestor is excluded.
func (f Filter) ExcludedWithin(doc *dom.Document, id dom.NodeID) bool {
	if f.Excludes(doc, id) {
		return true
	}
	for _, a := range doc.Ancestors(id) {
		if f.Excludes(doc, a) {
			return true
		}
	}
	return false
}

// nonTextInputs are input types whose value is not user text.
var nonTextInputs = map[string]bool{
	"button": true, "checkbox": true, "color": true, "file": true,
	"image": true, "radio": true, "range": true, "reset": true, "submit": true,
}

// IsEditableLeaf reports whether id holds a single editable value: a
// textarea or a text-like input (hidden inputs included).
func IsEditableLeaf(doc *dom.Document, id dom.NodeID) bool {
	switch doc.Atom(id) {
	case atom.Textarea:
		return true
	case atom.Input:
		t, _ := doc.Attr(id, "type")
		return !nonTextInputs[strings.ToLower(strings.TrimSpace(t))]
	}
	return false
}

// Partition removes excluded nodes (and nodes under an excluded ancestor)
// and splits the rest into editable leaves and containers, keeping order.
func Partition(doc *dom.Document, nodes []dom.NodeID, f Filter) (leaves, containers []dom.NodeID) {
	for _, id := range nodes {
		if !doc.IsElement(id) || f.ExcludedWithin(doc, id) {
			continue
		}
		if IsEditableLeaf(doc, id) {
			leaves = append(leaves, id)
			continue
		}
		containers = append(containers, id)
	}
	return leaves, containers
}

// TextSkip returns a pruning predicate for dom.TextContent that drops
// excluded subtrees and editable leaves, whose values are counted on their
// own. extra, when non-nil, prunes further (e.g. hidden subtrees).
func (f Filter) TextSkip(doc *dom.Document, extra func(dom.NodeID) bool) func(dom.NodeID) bool {
	return func(id dom.NodeID) bool {
		if f.Excludes(doc, id) || doc.Atom(id) == atom.Textarea || doc.Atom(id) == atom.Input {
			return true
		}
		return extra != nil && extra(id)
	}
}
