package engine

// Count tallies occurrences found and occurrences replaced.
type Count struct {
	Original int `json:"original"`
	Replaced int `json:"replaced"`
}

// Result is the unit exchanged between the engine and the merge coordinator.
// Replaced is true iff Count.Replaced > 0, and Count.Replaced never exceeds
// Count.Original.
type Result struct {
	Replaced bool  `json:"replaced"`
	Count    Count `json:"count"`
}

// Add merges o into r additively.
func (r *Result) Add(o Result) {
	r.add(o.Count.Original, o.Count.Replaced)
}

// add records original occurrences and performed replacements. A performed
// replacement is an observed occurrence, so Original is raised to Replaced
// when node-level matching found more than a region-level count did.
func (r *Result) add(original, replaced int) {
	r.Count.Original += original
	r.Count.Replaced += replaced
	if r.Count.Replaced > r.Count.Original {
		r.Count.Original = r.Count.Replaced
	}
	r.Replaced = r.Count.Replaced > 0
}

// Consistent reports whether the result invariants hold.
func (r Result) Consistent() bool {
	return r.Count.Replaced >= 0 &&
		r.Count.Replaced <= r.Count.Original &&
		r.Replaced == (r.Count.Replaced > 0)
}
