package visibility

import (
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/docreplace/dom"
)

func parse(t *testing.T, src string, opts ...dom.Option) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src, "https://example.com/", opts...)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func byID(t *testing.T, doc *dom.Document, id string) dom.NodeID {
	t.Helper()
	ids, err := doc.Query(doc.Root(), "#"+id)
	if err != nil || len(ids) != 1 {
		t.Fatalf("query #%s: %v (%d matches)", id, err, len(ids))
	}
	return ids[0]
}

func TestIsVisible_LocalState(t *testing.T) {
	doc := parse(t, `<body>
		<p id="plain">x</p>
		<p id="attr" hidden>x</p>
		<p id="none" style="color: red; display:none">x</p>
		<p id="vis" style="visibility: hidden">x</p>
		<p id="clear" style="opacity:0">x</p>
		<p id="clearPct" style="opacity: 0%">x</p>
		<p id="faint" style="opacity:0.5">x</p>
		<p id="trailing" style="display:none;">x</p>
		<p id="override" style="display:none; display:block">x</p>
		<p id="important" style="display:none !important; display:block">x</p>
		<input id="hiddenInput" type="hidden" value="x">
		<input id="textInput" type="text" value="x">
	</body>`)

	cases := map[string]bool{
		"plain":       true,
		"attr":        false,
		"none":        false,
		"vis":         false,
		"clear":       false,
		"clearPct":    false,
		"faint":       true,
		"trailing":    false,
		"override":    true,
		"important":   false,
		"hiddenInput": false,
		"textInput":   true,
	}
	for id, want := range cases {
		if got := IsVisible(doc, byID(t, doc, id), false); got != want {
			t.Errorf("%s: got %v, want %v", id, got, want)
		}
	}
}

func TestIsVisible_AncestorPropagation(t *testing.T) {
	doc := parse(t, `<body><div style="display:none"><span id="child" style="display:inline">x</span></div></body>`)
	child := byID(t, doc, "child")
	if !IsVisible(doc, child, false) {
		t.Error("child alone should look visible")
	}
	if IsVisible(doc, child, true) {
		t.Error("child under hidden ancestor must be invisible")
	}
}

func TestIsVisible_ComputedFastPath(t *testing.T) {
	doc := parse(t, `<body><p id="a" data-vis="0">x</p><p id="b" style="display:none" data-vis="1">x</p></body>`,
		dom.WithComputedVisibilityAttr("data-vis"))
	if IsVisible(doc, byID(t, doc, "a"), true) {
		t.Error("computed hidden must win")
	}
	if !IsVisible(doc, byID(t, doc, "b"), true) {
		t.Error("computed visible must win over inline style")
	}
}

func TestIsNodeVisible_DetachedClone(t *testing.T) {
	doc := parse(t, `<body><div id="root" data-vis="1"><em style="display:none" data-vis="1">x</em></div></body>`,
		dom.WithComputedVisibilityAttr("data-vis"))
	clone := doc.Clone(byID(t, doc, "root"))
	var em *html.Node
	for c := clone.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "em" {
			em = c
		}
	}
	if em == nil {
		t.Fatal("clone lost child")
	}
	if IsNodeVisible(em, true) {
		t.Error("clone must fall back to inline style")
	}
	if !IsNodeVisible(clone, true) {
		t.Error("clone root should be visible")
	}
}

func TestStyleHides_LastDeclaration(t *testing.T) {
	cases := map[string]bool{
		"display:none":                    true,
		"  display: none  ":               true,
		"color: red; display:none":        true,
		"visibility: collapse":            true,
		"display:none; display:block":     false,
		"opacity:0 !important; opacity:1": true,
		"":                                false,
		"color: red":                      false,
	}
	for style, want := range cases {
		if got := styleHides(style); got != want {
			t.Errorf("%q: got %v, want %v", style, got, want)
		}
	}
}
