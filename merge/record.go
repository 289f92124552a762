// Package merge reassembles one logical result from partial results that
// independently traversed documents report, in any order.
//
// A Coordinator is a small actor: a single goroutine owns every record and
// processes arrivals one at a time, so read-modify-write against the Store
// is serialised. Records move Unseen -> Accumulating -> Complete (removed);
// a record whose expected arrivals never come is swept after a TTL.
package merge

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/docreplace/engine"
)

// Identity names one logical operation across every document it touches.
type Identity string

// Partial is the result one document reports for an operation.
type Partial struct {
	Identity Identity `json:"identity"`
	// Origin is host+path of the reporting page; OriginOf derives it.
	Origin  string `json:"origin"`
	PageURL string `json:"page_url,omitempty"`
	// Slot disambiguates several frames sharing one origin. The dispatcher
	// assigns it; the top document leaves it empty.
	Slot     string `json:"slot,omitempty"`
	Embedded bool   `json:"embedded"`
	// SubDocuments is, for the top document, the number of isolated
	// sub-documents it dispatched.
	SubDocuments int           `json:"sub_documents"`
	Result       engine.Result `json:"result"`
	Hints        []string      `json:"hints,omitempty"`
}

func (p Partial) key() string {
	if p.Slot == "" {
		return p.Origin
	}
	return p.Origin + "#" + p.Slot
}

// Final is the combined answer for an identity.
type Final struct {
	Identity Identity      `json:"identity"`
	Result   engine.Result `json:"result"`
	Hints    []string      `json:"hints,omitempty"`
	Complete bool          `json:"complete"`
	Received int           `json:"received"`
	Expected int           `json:"expected"`
}

// Record is the in-progress state for one identity.
type Record struct {
	Identity Identity           `json:"identity"`
	Expected int                `json:"expected"`
	Received int                `json:"received"`
	TopSeen  bool               `json:"top_seen"`
	Parts    map[string]Partial `json:"parts"`
	Created  time.Time          `json:"created"`
	Updated  time.Time          `json:"updated"`
}

// NewRecord returns an empty record for id.
func NewRecord(id Identity, now time.Time) *Record {
	return &Record{Identity: id, Parts: make(map[string]Partial), Created: now, Updated: now}
}

// Merge folds p into r. Every field update is a max, an OR, a sum, or a
// per-key choice under a total order, so the outcome does not depend on the
// order in which partials arrive.
func (r *Record) Merge(p Partial, now time.Time) {
	if r.Parts == nil {
		r.Parts = make(map[string]Partial)
	}
	if p.Embedded {
		r.Received++
	} else {
		r.TopSeen = true
		if p.SubDocuments > r.Expected {
			r.Expected = p.SubDocuments
		}
	}
	k := p.key()
	if cur, ok := r.Parts[k]; ok {
		hints := unionHints(cur.Hints, p.Hints)
		if prefer(p, cur) {
			cur = p
		}
		cur.Hints = hints
		r.Parts[k] = cur
	} else {
		p.Hints = unionHints(nil, p.Hints)
		r.Parts[k] = p
	}
	r.Updated = now
}

// prefer reports whether a should replace b for the same origin. A
// sub-document's own measurement beats a parent's outside view; ties fall
// back to the larger counts.
func prefer(a, b Partial) bool {
	if a.Embedded != b.Embedded {
		return a.Embedded
	}
	if a.Result.Count.Original != b.Result.Count.Original {
		return a.Result.Count.Original > b.Result.Count.Original
	}
	return a.Result.Count.Replaced > b.Result.Count.Replaced
}

// Complete reports whether the top document and every expected
// sub-document have reported.
func (r *Record) Complete() bool {
	return r.TopSeen && r.Received >= r.Expected
}

// Final sums the chosen partials.
func (r *Record) Final() Final {
	keys := make([]string, 0, len(r.Parts))
	for k := range r.Parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var res engine.Result
	var hints []string
	for _, k := range keys {
		p := r.Parts[k]
		res.Add(p.Result)
		hints = unionHints(hints, p.Hints)
	}
	return Final{
		Identity: r.Identity,
		Result:   res,
		Hints:    hints,
		Complete: r.Complete(),
		Received: r.Received,
		Expected: r.Expected,
	}
}

// single builds the Final of a partial forwarded without accumulation.
func single(p Partial) Final {
	return Final{
		Identity: p.Identity,
		Result:   p.Result,
		Hints:    unionHints(nil, p.Hints),
		Complete: true,
	}
}

func unionHints(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, h := range a {
		set[h] = struct{}{}
	}
	for _, h := range b {
		set[h] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// OriginOf returns host+path of a page address, the key under which one
// page's partial is stored.
func OriginOf(pageURL string) string {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || (u.Host == "" && u.Path == "") {
		return pageURL
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Host) + path
}
