package dom

import (
	"fmt"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var (
	selMu    sync.Mutex
	selCache = make(map[string]cascadia.Selector)
)

// compile returns a cached compiled selector group.
func compile(selector string) (cascadia.Selector, error) {
	selMu.Lock()
	defer selMu.Unlock()
	if s, ok := selCache[selector]; ok {
		return s, nil
	}
	s, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", selector, err)
	}
	selCache[selector] = s
	return s, nil
}

// Query returns the elements below scope (scope itself included) matching
// a CSS selector group, in document order.
func (d *Document) Query(scope NodeID, selector string) ([]NodeID, error) {
	n := d.Node(scope)
	if n == nil {
		return nil, nil
	}
	s, err := compile(selector)
	if err != nil {
		return nil, err
	}
	matches := s.MatchAll(n)
	out := make([]NodeID, 0, len(matches))
	for _, m := range matches {
		out = append(out, d.id(m))
	}
	return out, nil
}

// Matches reports whether the element id matches selector.
func (d *Document) Matches(id NodeID, selector string) (bool, error) {
	n := d.Node(id)
	if n == nil || n.Type != html.ElementNode {
		return false, nil
	}
	s, err := compile(selector)
	if err != nil {
		return false, err
	}
	return s.Match(n), nil
}
