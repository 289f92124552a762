// Package source acquires pages for the traversal engine: from a local
// file, over plain HTTP, or from a headless browser that also captures
// renderer-computed visibility and the content of in-memory frames.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/docreplace/dom"
)

// VisibleAttr is the attribute a browser snapshot uses to carry
// renderer-computed visibility ("1" or "0") on every element.
const VisibleAttr = "data-docreplace-visible"

// Page is a loaded document before parsing.
type Page struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
	// Embeds maps a frame key (src, "#id" or name) to the content of an
	// in-memory frame the loader could read.
	Embeds map[string]string `json:"embeds,omitempty"`
	// Computed is true when elements carry VisibleAttr.
	Computed bool `json:"computed,omitempty"`
}

// Document parses p into a dom.Document.
func (p *Page) Document(embedded bool) (*dom.Document, error) {
	opts := []dom.Option{dom.WithEmbedded(embedded)}
	for k, v := range p.Embeds {
		opts = append(opts, dom.WithEmbed(k, v))
	}
	if p.Computed {
		opts = append(opts, dom.WithComputedVisibilityAttr(VisibleAttr))
	}
	doc, err := dom.ParseString(p.HTML, p.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("source: parse %s: %w", p.URL, err)
	}
	return doc, nil
}

// Loader fetches a page by address.
type Loader interface {
	Load(ctx context.Context, pageURL string) (*Page, error)
}

// LoadFile reads a local HTML file. The page address is its file:// URL.
func LoadFile(path string) (*Page, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("source: abs %s: %w", path, err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}
	return &Page{URL: "file://" + filepath.ToSlash(abs), HTML: string(b)}, nil
}

// IsRemote reports whether target names an http(s) address rather than a file.
func IsRemote(target string) bool {
	t := strings.ToLower(target)
	return strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://")
}
