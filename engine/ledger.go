package engine

import "github.com/hazyhaar/docreplace/dom"

// Entry is what the ledger knows about one processed node.
type Entry struct {
	Replaced bool  `json:"replaced"`
	Count    Count `json:"count"`
	// Subtree marks a node whose whole subtree was handled at once (a
	// rich-editor surface). Nothing below it is processed again.
	Subtree bool `json:"subtree,omitempty"`
}

// Ledger records processed nodes for one traversal, keyed by handle. It is
// owned by a single traversal and never shared.
type Ledger struct {
	entries  map[dom.NodeID]Entry
	subtrees []dom.NodeID
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[dom.NodeID]Entry)}
}

// Insert adds an entry. It returns false, leaving the ledger untouched,
// when id was already processed.
func (l *Ledger) Insert(id dom.NodeID, e Entry) bool {
	if _, ok := l.entries[id]; ok {
		return false
	}
	l.entries[id] = e
	if e.Subtree {
		l.subtrees = append(l.subtrees, id)
	}
	return true
}

// Get returns the entry for id.
func (l *Ledger) Get(id dom.NodeID) (Entry, bool) {
	e, ok := l.entries[id]
	return e, ok
}

// Seen reports whether id was processed.
func (l *Ledger) Seen(id dom.NodeID) bool {
	_, ok := l.entries[id]
	return ok
}

// Len returns the number of processed nodes.
func (l *Ledger) Len() int { return len(l.entries) }

// CountedAncestor reports whether a strict ancestor of id is in the ledger
// with a positive original count.
func (l *Ledger) CountedAncestor(doc *dom.Document, id dom.NodeID) bool {
	for _, a := range doc.Ancestors(id) {
		if e, ok := l.entries[a]; ok && e.Count.Original > 0 {
			return true
		}
	}
	return false
}

// Covered reports whether id is, or lies inside, a subtree entry.
func (l *Ledger) Covered(doc *dom.Document, id dom.NodeID) bool {
	for _, s := range l.subtrees {
		if doc.Contains(s, id) {
			return true
		}
	}
	return false
}

// holdsSubtreeWithin reports whether a subtree entry lies strictly inside id.
func (l *Ledger) holdsSubtreeWithin(doc *dom.Document, id dom.NodeID) bool {
	for _, s := range l.subtrees {
		if s != id && doc.Contains(id, s) {
			return true
		}
	}
	return false
}

// isSubtree reports whether id itself is a subtree entry.
func (l *Ledger) isSubtree(id dom.NodeID) bool {
	e, ok := l.entries[id]
	return ok && e.Subtree
}
