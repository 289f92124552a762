// Package visibility decides whether a node is presentationally visible.
//
// Two paths exist. The fast path asks the document for renderer-computed
// visibility (captured by a browser source at load time). Nodes the renderer
// never saw, such as detached clones used by the rich-editor pass, fall back
// to inspecting local state: the hidden attribute, input type="hidden", and
// the inline style declarations display, visibility and opacity.
package visibility

import (
	"strconv"
	"strings"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/docreplace/dom"
)

// IsVisible reports whether the element id is visible. When checkAncestors
// is true, any hidden ancestor (up to the document root) hides it too.
func IsVisible(doc *dom.Document, id dom.NodeID, checkAncestors bool) bool {
	n := doc.Node(id)
	if n == nil {
		return false
	}
	if !nodeVisible(doc, n) {
		return false
	}
	if !checkAncestors {
		return true
	}
	for _, a := range doc.Ancestors(id) {
		if !nodeVisible(doc, doc.Node(a)) {
			return false
		}
	}
	return true
}

// IsNodeVisible is IsVisible for nodes outside any document (clones,
// fragments). Only local state is consulted; the ancestor walk follows the
// node's own parent chain.
func IsNodeVisible(n *html.Node, checkAncestors bool) bool {
	if n == nil {
		return false
	}
	if !LocallyVisible(n) {
		return false
	}
	if !checkAncestors {
		return true
	}
	for p := n.Parent; p != nil && p.Type != html.DocumentNode; p = p.Parent {
		if !LocallyVisible(p) {
			return false
		}
	}
	return true
}

func nodeVisible(doc *dom.Document, n *html.Node) bool {
	if n.Type != html.ElementNode {
		return true
	}
	if v, known := doc.ComputedVisible(n); known {
		// A hidden input is never rendered, whatever the renderer says.
		return v && !hiddenInput(n)
	}
	return LocallyVisible(n)
}

// LocallyVisible inspects only n's own attributes.
func LocallyVisible(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return true
	}
	if hiddenInput(n) {
		return false
	}
	switch n.DataAtom {
	case atom.Head, atom.Script, atom.Style, atom.Template, atom.Noscript, atom.Title:
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			if !strings.EqualFold(a.Val, "until-found") {
				return false
			}
		case "style":
			if styleHides(a.Val) {
				return false
			}
		}
	}
	return true
}

func hiddenInput(n *html.Node) bool {
	if n.DataAtom != atom.Input {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "type" {
			return strings.EqualFold(strings.TrimSpace(a.Val), "hidden")
		}
	}
	return false
}

// styleHides parses an inline style attribute. The last declaration of a
// property wins unless an earlier one is !important. The parser drops the
// value of an unterminated last declaration and rejects an empty one, so
// exactly one trailing ';' is kept.
func styleHides(style string) bool {
	style = strings.TrimSpace(style)
	if style == "" {
		return false
	}
	if !strings.HasSuffix(style, ";") {
		style += ";"
	}
	decls, err := parser.ParseDeclarations(style)
	if err != nil {
		return false
	}
	var display, vis, opacity string
	var displayImp, visImp, opacityImp bool
	for _, d := range decls {
		prop := strings.ToLower(strings.TrimSpace(d.Property))
		val := strings.ToLower(strings.TrimSpace(d.Value))
		imp := d.Important
		if strings.HasSuffix(val, "!important") {
			val = strings.TrimSpace(strings.TrimSuffix(val, "!important"))
			imp = true
		}
		switch prop {
		case "display":
			if displayImp && !imp {
				continue
			}
			display, displayImp = val, imp
		case "visibility":
			if visImp && !imp {
				continue
			}
			vis, visImp = val, imp
		case "opacity":
			if opacityImp && !imp {
				continue
			}
			opacity, opacityImp = val, imp
		}
	}
	return display == "none" || vis == "hidden" || vis == "collapse" || transparent(opacity)
}

// transparent reports whether an opacity value is zero, as a number or a
// percentage.
func transparent(opacity string) bool {
	if opacity == "" {
		return false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(opacity, "%"), 64)
	return err == nil && v <= 0
}
