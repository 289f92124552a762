// Package dom models a live HTML document as a tree with stable node handles.
//
// A Document wraps an x/net/html tree and assigns every node an integer
// NodeID during one load. Callers (the traversal engine, the visibility
// classifier, the ledger) refer to nodes by handle only, never by pointer
// identity. In-memory frames (srcdoc, about:blank, blob:, data:) are inlined
// under their frame element at load time so they can be traversed as ordinary
// content; isolated frames stay opaque and are reported by IsolatedFrames.
//
// Usage:
//
//	doc, err := dom.Parse(r, "https://example.com/page")
//	ids, err := doc.Query(doc.Root(), "input, textarea")
//	doc.SetValue(ids[0], "new value")
//	html, err := doc.HTML()
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NodeID is a stable handle for a node within one Document.
type NodeID int32

// NoNode is the zero handle returned when a node has no parent or is unknown.
const NoNode NodeID = -1

// Document is a parsed page with a node arena, frame table and event log.
// It is not safe for concurrent use: one traversal owns one document.
type Document struct {
	root     *html.Node
	url      string
	embedded bool

	nodes []*html.Node
	ids   map[*html.Node]NodeID

	frames   map[NodeID]*Frame
	computed map[*html.Node]bool

	listeners []Listener
	events    []Event
}

type options struct {
	embedded   bool
	embeds     map[string]string
	visibleKey string
}

// Option customises Parse.
type Option func(*options)

// WithEmbedded marks the document as a sub-document loaded inside a host page.
func WithEmbedded(embedded bool) Option { return func(o *options) { o.embedded = embedded } }

// WithEmbed supplies the content of an in-memory frame that has no srcdoc.
// The key is matched against the frame's src, then "#"+id, then its name.
func WithEmbed(key, content string) Option {
	return func(o *options) {
		if o.embeds == nil {
			o.embeds = make(map[string]string)
		}
		o.embeds[key] = content
	}
}

// WithComputedVisibilityAttr reads renderer-computed visibility from the
// given attribute ("0"/"false" = hidden, anything else = visible) and strips
// the attribute from the tree.
func WithComputedVisibilityAttr(name string) Option {
	return func(o *options) { o.visibleKey = name }
}

// Parse reads an HTML document. pageURL is used to resolve frame addresses
// and to derive the origin key of results produced from this document.
func Parse(r io.Reader, pageURL string, opts ...Option) (*Document, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}

	d := &Document{
		root:     root,
		url:      pageURL,
		embedded: o.embedded,
		ids:      make(map[*html.Node]NodeID),
		frames:   make(map[NodeID]*Frame),
	}
	if o.visibleKey != "" {
		d.computed = make(map[*html.Node]bool)
		d.readComputed(root, o.visibleKey)
	}
	d.assign(root)
	d.loadFrames(d.Root(), o.embeds)
	return d, nil
}

// ParseString is Parse over an in-memory string.
func ParseString(s, pageURL string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), pageURL, opts...)
}

// URL returns the page address the document was loaded from.
func (d *Document) URL() string { return d.url }

// Embedded reports whether the document is itself a sub-document.
func (d *Document) Embedded() bool { return d.embedded }

// Root returns the handle of the document node.
func (d *Document) Root() NodeID { return d.ids[d.root] }

// Len returns the number of handles assigned so far.
func (d *Document) Len() int { return len(d.nodes) }

// Node returns the underlying node for a handle, or nil.
func (d *Document) Node(id NodeID) *html.Node {
	if id < 0 || int(id) >= len(d.nodes) {
		return nil
	}
	return d.nodes[id]
}

// Lookup returns the handle of n if n belongs to the document.
func (d *Document) Lookup(n *html.Node) (NodeID, bool) {
	id, ok := d.ids[n]
	return id, ok
}

// id returns the handle for n, assigning one if n was attached after load.
func (d *Document) id(n *html.Node) NodeID {
	if id, ok := d.ids[n]; ok {
		return id
	}
	id := NodeID(len(d.nodes))
	d.nodes = append(d.nodes, n)
	d.ids[n] = id
	return id
}

// assign walks n in document order and hands out IDs.
func (d *Document) assign(n *html.Node) {
	d.id(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.assign(c)
	}
}

func (d *Document) readComputed(n *html.Node, key string) {
	if n.Type == html.ElementNode {
		for i, a := range n.Attr {
			if a.Key != key {
				continue
			}
			v := strings.ToLower(strings.TrimSpace(a.Val))
			d.computed[n] = v != "0" && v != "false"
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			break
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.readComputed(c, key)
	}
}

// ComputedVisible returns the renderer-computed visibility of n. known is
// false for nodes the renderer never saw (clones, nodes added after load,
// documents parsed without computed data).
func (d *Document) ComputedVisible(n *html.Node) (visible, known bool) {
	if d == nil || d.computed == nil {
		return false, false
	}
	visible, known = d.computed[n]
	return visible, known
}

// IsElement reports whether id is an element node.
func (d *Document) IsElement(id NodeID) bool {
	n := d.Node(id)
	return n != nil && n.Type == html.ElementNode
}

// Tag returns the lower-case tag name of an element, or "".
func (d *Document) Tag(id NodeID) string {
	n := d.Node(id)
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return n.Data
}

// Atom returns the atom of an element, or 0 for unknown tags and non-elements.
func (d *Document) Atom(id NodeID) atom.Atom {
	n := d.Node(id)
	if n == nil || n.Type != html.ElementNode {
		return 0
	}
	return n.DataAtom
}

// Attr returns the value of an attribute.
func (d *Document) Attr(id NodeID, key string) (string, bool) {
	n := d.Node(id)
	if n == nil {
		return "", false
	}
	return attr(n, key)
}

// SetAttr sets or adds an attribute.
func (d *Document) SetAttr(id NodeID, key, val string) {
	if n := d.Node(id); n != nil {
		setAttr(n, key, val)
	}
}

// Parent returns the parent handle, or NoNode at the root.
func (d *Document) Parent(id NodeID) NodeID {
	n := d.Node(id)
	if n == nil || n.Parent == nil {
		return NoNode
	}
	return d.id(n.Parent)
}

// Ancestors returns the strict ancestors of id, nearest first, excluding the
// document node.
func (d *Document) Ancestors(id NodeID) []NodeID {
	var out []NodeID
	for p := d.Parent(id); p != NoNode && p != d.Root(); p = d.Parent(p) {
		out = append(out, p)
	}
	return out
}

// Contains reports whether desc is inside (or equal to) anc.
func (d *Document) Contains(anc, desc NodeID) bool {
	for n := desc; n != NoNode; n = d.Parent(n) {
		if n == anc {
			return true
		}
	}
	return false
}

// Elements returns every element strictly below scope in document order.
func (d *Document) Elements(scope NodeID) []NodeID {
	n := d.Node(scope)
	if n == nil {
		return nil
	}
	var out []NodeID
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				out = append(out, d.id(c))
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// TextChildren returns the direct text-node children of id.
func (d *Document) TextChildren(id NodeID) []NodeID {
	n := d.Node(id)
	if n == nil {
		return nil
	}
	var out []NodeID
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			out = append(out, d.id(c))
		}
	}
	return out
}

// Text returns the data of a text node.
func (d *Document) Text(id NodeID) string {
	n := d.Node(id)
	if n == nil || n.Type != html.TextNode {
		return ""
	}
	return n.Data
}

// SetText replaces the data of a text node.
func (d *Document) SetText(id NodeID, s string) {
	if n := d.Node(id); n != nil && n.Type == html.TextNode {
		n.Data = s
	}
}

// TextContent concatenates the text below id. skip, when non-nil, prunes
// element subtrees (including id itself when it returns true for it).
func (d *Document) TextContent(id NodeID, skip func(NodeID) bool) string {
	n := d.Node(id)
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		switch p.Type {
		case html.TextNode:
			sb.WriteString(p.Data)
			return
		case html.ElementNode:
			if skip != nil && skip(d.id(p)) {
				return
			}
		}
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// TextNodes returns the text nodes below id in document order, pruning
// element subtrees for which skip returns true.
func (d *Document) TextNodes(id NodeID, skip func(NodeID) bool) []NodeID {
	n := d.Node(id)
	if n == nil {
		return nil
	}
	var out []NodeID
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				out = append(out, d.id(c))
			case html.ElementNode:
				if skip != nil && skip(d.id(c)) {
					continue
				}
				walk(c)
			}
		}
	}
	walk(n)
	return out
}

// Value returns the current value of an editable-value leaf: the value
// attribute of an input, the text of a textarea.
func (d *Document) Value(id NodeID) string {
	n := d.Node(id)
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	if n.DataAtom == atom.Textarea {
		return d.TextContent(id, nil)
	}
	v, _ := attr(n, "value")
	return v
}

// SetValue writes the value of an editable-value leaf. The write always
// happens, even when v equals the current value, so observers see it.
func (d *Document) SetValue(id NodeID, v string) {
	n := d.Node(id)
	if n == nil || n.Type != html.ElementNode {
		return
	}
	if n.DataAtom == atom.Textarea {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		t := &html.Node{Type: html.TextNode, Data: v}
		n.AppendChild(t)
		d.id(t)
		return
	}
	setAttr(n, "value", v)
}

// Clone returns a detached deep copy of the subtree at id. The copy carries
// no handles and no computed visibility.
func (d *Document) Clone(id NodeID) *html.Node {
	n := d.Node(id)
	if n == nil {
		return nil
	}
	return cloneNode(n)
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.AppendChild(cloneNode(ch))
	}
	return c
}

// InnerHTML serialises the children of id.
func (d *Document) InnerHTML(id NodeID) (string, error) {
	n := d.Node(id)
	if n == nil {
		return "", errors.New("dom: unknown node")
	}
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("dom: render: %w", err)
		}
	}
	return buf.String(), nil
}

// Render writes the document as HTML. Inlined in-memory frames are written
// back into their srcdoc attribute.
func (d *Document) Render(w io.Writer) error {
	restore := d.foldFrames()
	defer restore()
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("dom: render: %w", err)
	}
	return nil
}

// HTML renders the document to a string.
func (d *Document) HTML() (string, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key && n.Attr[i].Namespace == "" {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
