package dom

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FrameKind classifies an embedded document by its address scheme.
type FrameKind int

const (
	// FrameInMemory is sourced from local or generated content (srcdoc,
	// about:blank, blob:, data:) and is traversed in-process.
	FrameInMemory FrameKind = iota + 1
	// FrameIsolated is network-loaded and must be visited through the
	// transport as a separate operation.
	FrameIsolated
)

func (k FrameKind) String() string {
	switch k {
	case FrameInMemory:
		return "in-memory"
	case FrameIsolated:
		return "isolated"
	}
	return "unknown"
}

// Frame is an iframe or frame element found at load time.
type Frame struct {
	Node NodeID
	Kind FrameKind
	// URL is the resolved address of the frame ("about:srcdoc" for srcdoc).
	URL string
	// Inlined is true when the frame's content was parsed under Node.
	Inlined bool
}

// ClassifyAddress decides whether a frame address denotes an in-memory or a
// network-loaded document.
func ClassifyAddress(src string, hasSrcdoc bool) FrameKind {
	if hasSrcdoc {
		return FrameInMemory
	}
	s := strings.ToLower(strings.TrimSpace(src))
	switch {
	case s == "", s == "about:blank", s == "about:srcdoc":
		return FrameInMemory
	case strings.HasPrefix(s, "blob:"), strings.HasPrefix(s, "data:"), strings.HasPrefix(s, "javascript:"):
		return FrameInMemory
	}
	return FrameIsolated
}

// IsFrameElement reports whether id is an iframe or frame element.
func (d *Document) IsFrameElement(id NodeID) bool {
	switch d.Atom(id) {
	case atom.Iframe, atom.Frame:
		return true
	}
	return false
}

// Frame returns the frame record for a frame element.
func (d *Document) Frame(id NodeID) (Frame, bool) {
	f, ok := d.frames[id]
	if !ok {
		return Frame{}, false
	}
	return *f, true
}

// Frames returns every frame found at load time in document order.
func (d *Document) Frames() []Frame {
	out := make([]Frame, 0, len(d.frames))
	for _, id := range d.Elements(d.Root()) {
		if f, ok := d.frames[id]; ok {
			out = append(out, *f)
		}
	}
	return out
}

// IsolatedFrames returns the frames that cannot be traversed in-process.
func (d *Document) IsolatedFrames() []Frame {
	var out []Frame
	for _, f := range d.Frames() {
		if f.Kind == FrameIsolated {
			out = append(out, f)
		}
	}
	return out
}

// FrameContent returns the root of an inlined frame's content (its <html>
// element), or NoNode.
func (d *Document) FrameContent(id NodeID) NodeID {
	f, ok := d.frames[id]
	if !ok || !f.Inlined {
		return NoNode
	}
	n := d.Node(id)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.id(c)
		}
	}
	return NoNode
}

func (d *Document) loadFrames(scope NodeID, embeds map[string]string) {
	for _, id := range d.Elements(scope) {
		if !d.IsFrameElement(id) {
			continue
		}
		n := d.Node(id)
		src, _ := attr(n, "src")
		srcdoc, hasSrcdoc := attr(n, "srcdoc")
		f := &Frame{Node: id, Kind: ClassifyAddress(src, hasSrcdoc)}
		switch {
		case hasSrcdoc:
			f.URL = "about:srcdoc"
		case strings.TrimSpace(src) == "":
			f.URL = "about:blank"
		default:
			f.URL = d.resolve(src)
		}
		d.frames[id] = f
		if f.Kind != FrameInMemory {
			continue
		}

		content, ok := "", false
		switch {
		case hasSrcdoc:
			content, ok = srcdoc, true
		default:
			content, ok = lookupEmbed(n, src, embeds)
			if !ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(src)), "data:") {
				content, ok = decodeDataURL(src)
			}
		}
		if ok {
			d.inline(f, content)
			d.loadFrames(id, embeds)
		}
	}
}

func lookupEmbed(n *html.Node, src string, embeds map[string]string) (string, bool) {
	if embeds == nil {
		return "", false
	}
	if src != "" {
		if c, ok := embeds[src]; ok {
			return c, true
		}
	}
	if id, ok := attr(n, "id"); ok && id != "" {
		if c, ok := embeds["#"+id]; ok {
			return c, true
		}
	}
	if name, ok := attr(n, "name"); ok && name != "" {
		if c, ok := embeds[name]; ok {
			return c, true
		}
	}
	return "", false
}

// inline parses content and attaches its <html> element under the frame,
// replacing the fallback text the HTML parser keeps as raw children.
func (d *Document) inline(f *Frame, content string) {
	inner, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return
	}
	n := d.Node(f.Node)
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	for c := inner.FirstChild; c != nil; {
		next := c.NextSibling
		inner.RemoveChild(c)
		if c.Type == html.ElementNode {
			n.AppendChild(c)
			d.assign(c)
		}
		c = next
	}
	f.Inlined = true
}

// foldFrames moves inlined frame content back into srcdoc for rendering and
// returns a function restoring the live tree.
func (d *Document) foldFrames() func() {
	type saved struct {
		n        *html.Node
		children []*html.Node
		attrs    []html.Attribute
	}
	var inlined []NodeID
	for id, f := range d.frames {
		if f.Inlined {
			inlined = append(inlined, id)
		}
	}
	// Innermost first so nested frames are already folded into srcdoc.
	sort.Slice(inlined, func(i, j int) bool {
		return len(d.Ancestors(inlined[i])) > len(d.Ancestors(inlined[j]))
	})
	var undo []saved
	for _, id := range inlined {
		n := d.Node(id)
		s := saved{n: n, attrs: append([]html.Attribute(nil), n.Attr...)}
		var buf bytes.Buffer
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			html.Render(&buf, c)
			n.RemoveChild(c)
			s.children = append(s.children, c)
			c = next
		}
		setAttr(n, "srcdoc", buf.String())
		undo = append(undo, s)
	}
	return func() {
		for _, s := range undo {
			s.n.Attr = s.attrs
			for _, c := range s.children {
				s.n.AppendChild(c)
			}
		}
	}
}

func (d *Document) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	base, err := url.Parse(d.url)
	if err != nil || d.url == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// decodeDataURL returns the payload of a data: URL with an HTML media type.
func decodeDataURL(src string) (string, bool) {
	s := strings.TrimSpace(src)
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", false
	}
	meta := strings.ToLower(s[len("data:"):comma])
	payload := s[comma+1:]
	if meta != "" && !strings.HasPrefix(meta, "text/html") && !strings.HasPrefix(meta, ";") {
		return "", false
	}
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	out, err := url.PathUnescape(payload)
	if err != nil {
		return "", false
	}
	return out, true
}
