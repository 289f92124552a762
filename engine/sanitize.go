package engine

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/docreplace/visibility"
)

// contentElements survive sanitising of an editor clone. Everything else
// is unwrapped (text kept); frames, objects, scripts and styles are dropped
// together with their content.
var contentElements = []string{
	"a", "abbr", "address", "article", "aside", "b", "bdi", "bdo", "blockquote",
	"br", "caption", "cite", "code", "col", "colgroup", "dd", "del", "details",
	"dfn", "div", "dl", "dt", "em", "figcaption", "figure", "footer",
	"h1", "h2", "h3", "h4", "h5", "h6", "header", "hr", "i", "ins", "kbd",
	"label", "li", "main", "mark", "nav", "ol", "p", "pre", "q", "rp", "rt",
	"ruby", "s", "samp", "section", "small", "span", "strike", "strong", "sub",
	"summary", "sup", "table", "tbody", "td", "tfoot", "th", "thead", "time",
	"tr", "tt", "u", "ul", "var", "wbr",
}

var (
	policyOnce   sync.Once
	editorPolicy *bluemonday.Policy
)

func clonePolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements(contentElements...)
		p.AllowAttrs("hidden", "style").Globally()
		p.AllowStyles("display", "visibility").MatchingHandler(func(string) bool { return true }).Globally()
		editorPolicy = p
	})
	return editorPolicy
}

// sanitizedClone turns an editor surface's serialised content into a
// detached tree holding only content markup and the attributes that decide
// visibility.
func sanitizedClone(inner string) (*html.Node, error) {
	clean := clonePolicy().Sanitize(inner)
	root := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	nodes, err := html.ParseFragment(strings.NewReader(clean), root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// cloneText returns the text nodes of a detached tree in order, pruning
// hidden subtrees when visibleOnly is set.
func cloneText(root *html.Node, visibleOnly bool) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				out = append(out, c.Data)
			case html.ElementNode:
				if visibleOnly && !visibility.IsNodeVisible(c, false) {
					continue
				}
				walk(c)
			}
		}
	}
	walk(root)
	return out
}
