package engine

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/docreplace/dom"
)

// Scan answers page-level detection questions for one traversal. The
// goquery view and lowered markup are built lazily, once.
type Scan struct {
	doc    *dom.Document
	sel    *goquery.Document
	markup string
	lower  bool
}

// NewScan wraps doc for detection.
func NewScan(doc *dom.Document) *Scan { return &Scan{doc: doc} }

// Selection returns a goquery view over the live tree.
func (p *Scan) Selection() *goquery.Document {
	if p.sel == nil {
		p.sel = goquery.NewDocumentFromNode(p.doc.Node(p.doc.Root()))
	}
	return p.sel
}

// Markup returns the lowercased serialised page.
func (p *Scan) Markup() string {
	if !p.lower {
		h, _ := p.Selection().Html()
		p.markup = strings.ToLower(h)
		p.lower = true
	}
	return p.markup
}

// Detector decides whether a page carries some editor or framework.
type Detector func(*Scan) bool

// HasSelector detects pages with at least one element matching sel.
func HasSelector(sel string) Detector {
	return func(p *Scan) bool {
		return p.Selection().Find(sel).Length() > 0
	}
}

// MarkupContains detects pages whose markup contains any needle
// (case-insensitive).
func MarkupContains(needles ...string) Detector {
	return func(p *Scan) bool {
		m := p.Markup()
		for _, n := range needles {
			if strings.Contains(m, strings.ToLower(n)) {
				return true
			}
		}
		return false
	}
}

// Any detects when one of ds does.
func Any(ds ...Detector) Detector {
	return func(p *Scan) bool {
		for _, d := range ds {
			if d(p) {
				return true
			}
		}
		return false
	}
}
