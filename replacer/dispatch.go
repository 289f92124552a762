package replacer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/dom"
	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/merge"
)

// FrameService is the connectivity service that traverses one isolated
// sub-document.
const FrameService = "docreplace_frame"

// FrameRequest is the docreplace_frame payload.
type FrameRequest struct {
	Identity merge.Identity `json:"identity"`
	RunID    string         `json:"run_id"`
	TopURL   string         `json:"top_url"`
	// URL is the sub-document to load.
	URL     string         `json:"url"`
	Slot    string         `json:"slot"`
	Depth   int            `json:"depth"`
	Request engine.Request `json:"request"`
}

// FrameResponse is the docreplace_frame reply. An empty reply means the
// partial will be reported later through docreplace_partial.
type FrameResponse struct {
	Partial merge.Partial `json:"partial"`
	HTML    string        `json:"html,omitempty"`
}

// FrameOutput describes one dispatched sub-document in an Outcome.
type FrameOutput struct {
	Slot    string        `json:"slot"`
	URL     string        `json:"url"`
	Result  engine.Result `json:"result"`
	Pending bool          `json:"pending,omitempty"`
	Error   string        `json:"error,omitempty"`
	HTML    string        `json:"html,omitempty"`
}

// frameTargets lists the addresses to dispatch: isolated frames in
// document order, then extra addresses not already present.
func frameTargets(isolated []dom.Frame, extra []string) []string {
	seen := make(map[string]bool, len(isolated)+len(extra))
	var out []string
	for _, f := range isolated {
		out = append(out, f.URL)
		seen[f.URL] = true
	}
	for _, u := range extra {
		if u != "" && !seen[u] {
			out = append(out, u)
			seen[u] = true
		}
	}
	return out
}

// dispatch sends every target to the frame service and submits the
// returned partials. A failed target is submitted as an empty partial and
// flagged in its output. It returns one output per target and how many
// are still pending.
//
// Replace-first runs the targets one after another: once any document
// has replaced, the remaining ones are only counted.
func (s *Service) dispatch(ctx context.Context, base FrameRequest, replaced bool, targets []string) ([]FrameOutput, int) {
	outputs := make([]FrameOutput, len(targets))
	var (
		mu      sync.Mutex
		pending int
	)
	run := func(i int, req FrameRequest) {
		o := FrameOutput{Slot: req.Slot, URL: req.URL}
		resp, err := s.callFrame(ctx, req)
		switch {
		case err != nil:
			o.Error = err.Error()
			s.logger.Warn("replacer: sub-document dispatch failed",
				"identity", req.Identity, "slot", req.Slot, "url", req.URL, "error", err)
			// An empty partial stands in for the failed slot so the run
			// does not wait on it.
			if _, _, serr := s.coord.Submit(ctx, unreachable(req)); serr != nil {
				s.logger.Warn("replacer: submit partial failed",
					"identity", req.Identity, "slot", req.Slot, "error", serr)
			}
		case resp == nil:
			o.Pending = true
			mu.Lock()
			pending++
			mu.Unlock()
		default:
			o.Result = resp.Partial.Result
			o.HTML = resp.HTML
			if _, _, err := s.coord.Submit(ctx, resp.Partial); err != nil {
				o.Error = err.Error()
				s.logger.Warn("replacer: submit partial failed",
					"identity", req.Identity, "slot", req.Slot, "error", err)
			}
		}
		outputs[i] = o
	}

	sequential := base.Request.Action == engine.ActionReplace && !base.Request.Options.ReplaceAll
	if sequential {
		for i, u := range targets {
			req := frameRequest(base, i, u, replaced)
			run(i, req)
			replaced = replaced || outputs[i].Result.Replaced
		}
		return outputs, pending
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Dispatch.Concurrency)
	for i, u := range targets {
		req := frameRequest(base, i, u, false)
		g.Go(func() error {
			run(i, req)
			return nil
		})
	}
	g.Wait()
	return outputs, pending
}

// unreachable is the zero partial recorded for a sub-document that could
// not be traversed.
func unreachable(req FrameRequest) merge.Partial {
	return merge.Partial{
		Identity: req.Identity,
		Origin:   merge.OriginOf(req.URL),
		PageURL:  req.URL,
		Slot:     req.Slot,
		Embedded: true,
		Hints:    []string{fmt.Sprintf("sub-document %s unreachable", req.URL)},
	}
}

func frameRequest(base FrameRequest, i int, target string, countOnly bool) FrameRequest {
	req := base
	req.URL = target
	if base.Slot == "" {
		req.Slot = strconv.Itoa(i)
	} else {
		req.Slot = base.Slot + "." + strconv.Itoa(i)
	}
	if countOnly {
		req.Request.Action = engine.ActionCount
	}
	return req
}

func (s *Service) callFrame(ctx context.Context, req FrameRequest) (*FrameResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("replacer: encode frame request: %w", err)
	}
	call := func(ctx context.Context, p []byte) ([]byte, error) {
		return s.router.Call(ctx, FrameService, p)
	}
	mws := []connectivity.HandlerMiddleware{connectivity.Timeout(s.cfg.Dispatch.FrameTimeout)}
	// Only a count is safe to run twice against the same sub-document.
	if n := s.cfg.Dispatch.Retries; n > 0 && req.Request.Action == engine.ActionCount {
		mws = append(mws, connectivity.WithRetry(n, s.cfg.Dispatch.RetryBackoff, s.logger))
	}
	data, err := connectivity.Chain(mws...)(call)(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var resp FrameResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("replacer: decode frame response: %w", err)
	}
	return &resp, nil
}

// Frame loads one isolated sub-document, traverses it, and resolves the
// isolated frames nested inside it. The returned partial carries the sum
// of the whole subtree under req.Slot.
func (s *Service) Frame(ctx context.Context, req FrameRequest) (*FrameResponse, error) {
	if !req.Request.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Request.Action)
	}
	if req.URL == "" {
		return nil, ErrNoTarget
	}
	page, err := s.load(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("replacer: load frame %s: %w", req.URL, err)
	}
	doc, err := page.Document(true)
	if err != nil {
		return nil, err
	}

	out := s.engine.Run(doc, req.Request)
	res := out.Result
	hints := newHintSet(out.Hints...)

	nested := frameTargets(out.Isolated, nil)
	if len(nested) > 0 {
		if req.Depth+1 >= s.cfg.Dispatch.MaxDepth {
			hints.add(fmt.Sprintf("frame nesting deeper than %d not searched", s.cfg.Dispatch.MaxDepth))
		} else {
			res, hints = s.nested(ctx, req, res, hints, nested)
		}
	}

	resp := &FrameResponse{Partial: merge.Partial{
		Identity: req.Identity,
		Origin:   merge.OriginOf(doc.URL()),
		PageURL:  doc.URL(),
		Slot:     req.Slot,
		Embedded: true,
		Result:   res,
		Hints:    hints.sorted(),
	}}
	if req.Request.Action == engine.ActionReplace {
		if resp.HTML, err = doc.HTML(); err != nil {
			return nil, fmt.Errorf("replacer: render frame: %w", err)
		}
	}
	s.logger.Debug("replacer: frame traversed",
		"identity", req.Identity, "slot", req.Slot, "url", doc.URL(),
		"original", res.Count.Original, "replaced", res.Count.Replaced)
	return resp, nil
}

// nested resolves the isolated frames inside a sub-document and folds
// their results into res. Each child goes through the frame service, so a
// route can send it to another worker.
func (s *Service) nested(ctx context.Context, parent FrameRequest, res engine.Result, hints hintSet, targets []string) (engine.Result, hintSet) {
	base := parent
	base.Depth = parent.Depth + 1
	replaced := res.Replaced
	replaceFirst := parent.Request.Action == engine.ActionReplace && !parent.Request.Options.ReplaceAll
	for i, u := range targets {
		req := frameRequest(base, i, u, replaceFirst && replaced)
		resp, err := s.callFrame(ctx, req)
		switch {
		case err != nil:
			hints.add(fmt.Sprintf("nested frame %s unreachable", req.Slot))
			s.logger.Warn("replacer: nested frame failed",
				"identity", req.Identity, "slot", req.Slot, "url", u, "error", err)
		case resp == nil:
			hints.add(fmt.Sprintf("nested frame %s reported no result", req.Slot))
		default:
			res.Add(resp.Partial.Result)
			hints.add(resp.Partial.Hints...)
			replaced = replaced || resp.Partial.Result.Replaced
		}
	}
	return res, hints
}

type hintSet map[string]struct{}

func newHintSet(hs ...string) hintSet {
	h := make(hintSet, len(hs))
	h.add(hs...)
	return h
}

func (h hintSet) add(hs ...string) {
	for _, v := range hs {
		if v != "" {
			h[v] = struct{}{}
		}
	}
}

func (h hintSet) sorted() []string {
	if len(h) == 0 {
		return nil
	}
	out := make([]string, 0, len(h))
	for v := range h {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
