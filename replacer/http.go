package replacer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/docreplace/idgen"
	"github.com/hazyhaar/docreplace/kit"
	"github.com/hazyhaar/docreplace/merge"
	"github.com/hazyhaar/docreplace/observability"
	"github.com/hazyhaar/docreplace/source"
)

// Handler returns the HTTP API:
//
//	POST /v1/operations  run an operation (Request -> Outcome); no local file targets
//	POST /v1/partials    report a partial result (merge.Partial -> PartialReply)
//	POST /v1/frames      traverse one sub-document (FrameRequest -> FrameResponse)
//	GET  /v1/operations  audit trail, filtered by run_id, action, status, limit
//	GET  /healthz
//
// /v1/frames is the endpoint an "http" route for docreplace_frame points at.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.stack {
		r.Use(mw)
	}
	r.Use(s.requestContext)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/operations", func(w http.ResponseWriter, r *http.Request) {
			var req Request
			if !decode(w, r, &req) {
				return
			}
			out, err := s.serve(r.Context(), req)
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/operations", s.listOperations)

		r.Post("/partials", func(w http.ResponseWriter, r *http.Request) {
			var p merge.Partial
			if !decode(w, r, &p) {
				return
			}
			f, done, err := s.OnPartialResult(r.Context(), p)
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			code := http.StatusAccepted
			if done {
				code = http.StatusOK
			}
			writeJSON(w, code, PartialReply{Final: f, Complete: done})
		})

		r.Post("/frames", func(w http.ResponseWriter, r *http.Request) {
			var req FrameRequest
			if !decode(w, r, &req) {
				return
			}
			resp, err := s.Frame(r.Context(), req)
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
	})
	return r
}

func (s *Service) listOperations(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, errors.New("audit trail needs db_path"))
		return
	}
	q := r.URL.Query()
	f := observability.Filter{
		RunID:  q.Get("run_id"),
		Action: q.Get("action"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
			return
		}
		f.Limit = n
	}
	entries, err := s.audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = idgen.Request()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, id)
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		if run := r.Header.Get("X-Run-ID"); run != "" {
			ctx = kit.WithRunID(ctx, run)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		code := http.StatusBadRequest
		if errors.As(err, new(*http.MaxBytesError)) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, code, err)
		return false
	}
	return true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrNoTarget), errors.Is(err, ErrNoIdentity):
		return http.StatusBadRequest
	case errors.Is(err, ErrFileTarget), errors.Is(err, source.ErrSSRF), errors.Is(err, source.ErrUnsafeScheme):
		return http.StatusForbidden
	case errors.Is(err, merge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func pageOf(pageURL, markup string) *source.Page {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	return &source.Page{URL: pageURL, HTML: markup}
}
