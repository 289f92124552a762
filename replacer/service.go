// Package replacer runs find/replace operations over a page and the
// isolated sub-documents it embeds, and reassembles one result for the run.
//
// The top document is traversed in-process. Every network-loaded frame it
// contains is dispatched as a docreplace_frame call over the connectivity
// router; its partial result goes to the merge coordinator, which emits the
// combined result once every expected sub-document has reported.
//
// Usage:
//
//	svc, err := replacer.New(cfg, logger)
//	defer svc.Close()
//	svc.Start(ctx)
//	out, err := svc.RunOperation(ctx, replacer.Request{
//		Action: engine.ActionCount,
//		Target: "https://example.com/form",
//		Search: "colour",
//	})
package replacer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/dbopen"
	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/idgen"
	"github.com/hazyhaar/docreplace/kit"
	"github.com/hazyhaar/docreplace/merge"
	"github.com/hazyhaar/docreplace/observability"
	"github.com/hazyhaar/docreplace/pattern"
	"github.com/hazyhaar/docreplace/shield"
	"github.com/hazyhaar/docreplace/source"
)

var (
	// ErrUnknownAction is returned for an action other than count or replace.
	ErrUnknownAction = errors.New("replacer: unknown action")
	// ErrNoTarget is returned when a request names neither a target nor a page.
	ErrNoTarget = errors.New("replacer: no target document")
	// ErrFileTarget is returned for a local file target when files are not allowed.
	ErrFileTarget = errors.New("replacer: local file targets are disabled")
	// ErrNoIdentity is returned for a partial result without an operation identity.
	ErrNoIdentity = errors.New("replacer: partial without identity")
)

// Service is the replacer orchestrator.
type Service struct {
	cfg    *Config
	engine *engine.Engine
	coord  *merge.Coordinator
	router *connectivity.Router
	loader source.Loader
	db     *sql.DB
	audit  *observability.AuditLogger
	logger *slog.Logger

	stack   []func(http.Handler) http.Handler
	limiter *shield.RateLimiter
}

// Option configures a Service.
type Option func(*Service)

// WithRouter uses router for frame dispatch instead of a private one. The
// service registers its handlers on it.
func WithRouter(r *connectivity.Router) Option { return func(s *Service) { s.router = r } }

// WithLoader overrides how remote pages and frames are loaded.
func WithLoader(l source.Loader) Option { return func(s *Service) { s.loader = l } }

// WithCoordinator shares a merge coordinator. The caller starts it.
func WithCoordinator(c *merge.Coordinator) Option { return func(s *Service) { s.coord = c } }

// New creates a Service. With cfg.DBPath set, merge records, routes and
// the operation audit trail are kept in that SQLite file and cfg.Routes
// are written to it.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	shapes, err := cfg.editorShapes()
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}

	s.engine = engine.New(
		engine.WithLogger(logger),
		engine.WithCompiler(pattern.NewCompiler(cfg.Pattern.CacheSize, logger)),
		engine.WithEditors(shapes...),
	)

	if s.loader == nil {
		s.loader = s.defaultLoader()
	}
	if s.router == nil {
		s.router = connectivity.New(connectivity.WithLogger(logger))
		s.router.RegisterTransport("http", connectivity.HTTPFactory())
	}
	s.RegisterConnectivity(s.router)
	s.stack, s.limiter = shield.APIStack(cfg.Shield)

	if s.coord == nil {
		store, err := s.openStore()
		if err != nil {
			return nil, err
		}
		s.coord = merge.New(store,
			merge.WithLogger(logger),
			merge.WithTTL(cfg.Merge.RecordTTL),
			merge.WithSweepInterval(cfg.Merge.SweepInterval),
		)
	}

	if s.db != nil && len(cfg.Routes) > 0 {
		if err := connectivity.SetRoutes(context.Background(), s.db, cfg.Routes); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("replacer: seed routes: %w", err)
		}
	}
	if s.db != nil {
		s.audit = observability.NewAuditLogger(s.db, 256, observability.WithLogger(logger))
	}
	return s, nil
}

func (s *Service) openStore() (merge.Store, error) {
	if s.cfg.DBPath == "" {
		return merge.NewMemoryStore(), nil
	}
	st, err := merge.OpenSQLStore(s.cfg.DBPath,
		dbopen.WithSchema(connectivity.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("replacer: open store: %w", err)
	}
	s.db = st.DB
	return st, nil
}

func (s *Service) defaultLoader() source.Loader {
	if s.cfg.Fetch.Browser {
		return source.NewBrowser(
			source.WithRemoteURL(s.cfg.Fetch.RemoteURL),
			source.WithNavTimeout(s.cfg.Fetch.Timeout),
			source.WithBrowserAllowPrivate(s.cfg.Fetch.AllowPrivate),
			source.WithBrowserLogger(s.logger),
		)
	}
	return source.NewFetcher(
		source.WithClient(&http.Client{Timeout: s.cfg.Fetch.Timeout}),
		source.WithUserAgent(s.cfg.Fetch.UserAgent),
		source.WithMaxBody(s.cfg.Fetch.MaxBody),
		source.WithAllowPrivate(s.cfg.Fetch.AllowPrivate),
		source.WithLogger(s.logger),
	)
}

// Start runs the merge coordinator, the rate limiter sweep and, with a
// database, the route watcher. All stop when ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.coord.Start(ctx)
	s.limiter.StartGC(ctx)
	if s.db != nil {
		go s.router.Watch(ctx, s.db, s.cfg.Dispatch.RouteRefresh)
	}
	s.logger.Info("replacer: started",
		"db_path", s.cfg.DBPath, "concurrency", s.cfg.Dispatch.Concurrency)
}

// Close releases the loader, the transport routes, the audit trail and the
// database.
func (s *Service) Close() error {
	var errs []error
	if c, ok := s.loader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	s.router.Close()
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Engine returns the traversal engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Router returns the transport router.
func (s *Service) Router() *connectivity.Router { return s.router }

// Request is one operation against a target page.
type Request struct {
	Action  engine.Action  `json:"action"`
	Search  string         `json:"search"`
	Replace string         `json:"replace,omitempty"`
	Options engine.Options `json:"options"`

	// Target is an http(s) address or a local file path.
	Target string `json:"target,omitempty"`
	// Page supplies the document directly; Target is then ignored.
	Page *source.Page `json:"page,omitempty"`
	// SubDocuments lists isolated sub-document addresses the caller knows
	// about beyond those found in the page.
	SubDocuments []string `json:"sub_documents,omitempty"`
	// RunID groups this operation's partial results; generated when empty.
	RunID string `json:"run_id,omitempty"`
}

func (r Request) engineRequest() engine.Request {
	return engine.Request{Action: r.Action, Search: r.Search, Replace: r.Replace, Options: r.Options}
}

// Outcome is the combined result of one operation.
type Outcome struct {
	Identity merge.Identity `json:"identity"`
	RunID    string         `json:"run_id"`
	URL      string         `json:"url"`
	Result   engine.Result  `json:"result"`
	Hints    []string       `json:"hints,omitempty"`
	Complete bool           `json:"complete"`
	Received int            `json:"received"`
	Expected int            `json:"expected"`

	// HTML is the top document after a replace.
	HTML   string        `json:"html,omitempty"`
	Frames []FrameOutput `json:"frames,omitempty"`
}

// RunOperation counts or replaces req.Search across the target and its
// sub-documents. It waits up to merge.wait_timeout for sub-documents that
// report asynchronously; on timeout the outcome is the accumulated state
// with Complete=false.
func (s *Service) RunOperation(ctx context.Context, req Request) (Outcome, error) {
	return s.operate(ctx, req, s.cfg.Fetch.AllowFiles)
}

// serve is RunOperation for network callers (HTTP, MCP). A local file
// target is refused whatever fetch.allow_files says; sub-documents stay
// under the config.
func (s *Service) serve(ctx context.Context, req Request) (Outcome, error) {
	return s.operate(ctx, req, false)
}

func (s *Service) operate(ctx context.Context, req Request, files bool) (Outcome, error) {
	start := time.Now()
	out, err := s.run(ctx, req, files)
	if s.audit != nil {
		s.audit.LogAsync(s.auditEntry(ctx, req, out, err, time.Since(start)))
	}
	return out, err
}

// Audit returns the operation audit trail, or nil without a database.
func (s *Service) Audit() *observability.AuditLogger { return s.audit }

func (s *Service) auditEntry(ctx context.Context, req Request, out Outcome, err error, d time.Duration) *observability.Entry {
	params := map[string]any{"search": req.Search, "options": req.Options}
	if req.Action == engine.ActionReplace {
		params["replace"] = req.Replace
	}
	e := observability.NewEntry(string(req.Action), params, out.Complete, err, d)
	e.Identity = string(out.Identity)
	e.RunID = out.RunID
	if e.RunID == "" {
		e.RunID = kit.GetRunID(ctx)
	}
	e.RequestID = kit.GetRequestID(ctx)
	e.Transport = kit.GetTransport(ctx)
	e.RemoteAddr = kit.GetRemoteAddr(ctx)
	e.URL = out.URL
	if e.URL == "" {
		e.URL = req.Target
	}
	e.Original = out.Result.Count.Original
	e.Replaced = out.Result.Count.Replaced
	e.Received = out.Received
	e.Expected = out.Expected
	return e
}

func (s *Service) run(ctx context.Context, req Request, files bool) (Outcome, error) {
	if !req.Action.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	page, err := s.page(ctx, req, files)
	if err != nil {
		return Outcome{}, err
	}
	doc, err := page.Document(false)
	if err != nil {
		return Outcome{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = kit.GetRunID(ctx)
	}
	if runID == "" {
		runID = idgen.Run()
	}
	ctx = kit.WithRunID(ctx, runID)
	ereq := req.engineRequest()
	id := Identify(ereq, doc.URL(), runID)
	logger := s.logger.With("identity", id, "run_id", runID, "url", doc.URL())

	out := s.engine.Run(doc, ereq)
	frames := frameTargets(out.Isolated, req.SubDocuments)
	top := merge.Partial{
		Identity:     id,
		Origin:       merge.OriginOf(doc.URL()),
		PageURL:      doc.URL(),
		SubDocuments: len(frames),
		Result:       out.Result,
		Hints:        out.Hints,
	}
	logger.Info("replacer: top document traversed",
		"action", req.Action, "original", out.Result.Count.Original,
		"replaced", out.Result.Count.Replaced, "sub_documents", len(frames))

	outcome := Outcome{Identity: id, RunID: runID, URL: doc.URL()}
	if req.Action == engine.ActionReplace {
		if outcome.HTML, err = doc.HTML(); err != nil {
			return Outcome{}, fmt.Errorf("replacer: render: %w", err)
		}
	}

	final, done, err := s.coord.Submit(ctx, top)
	if err != nil {
		return Outcome{}, fmt.Errorf("replacer: submit top: %w", err)
	}
	if !done {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Merge.WaitTimeout)
		defer cancel()
		fr := FrameRequest{
			Identity: id,
			RunID:    runID,
			TopURL:   doc.URL(),
			Request:  ereq,
		}
		var pending int
		outcome.Frames, pending = s.dispatch(waitCtx, fr, out.Result.Replaced, frames)
		final, err = s.settle(ctx, waitCtx, id, pending)
		if err != nil {
			return Outcome{}, err
		}
		if failed := failedFrames(outcome.Frames); !final.Complete || failed > 0 {
			logger.Warn("replacer: operation incomplete",
				"received", final.Received, "expected", final.Expected, "failed", failed)
		}
	}

	outcome.Result = final.Result
	outcome.Hints = final.Hints
	outcome.Complete = final.Complete && failedFrames(outcome.Frames) == 0
	outcome.Received = final.Received
	outcome.Expected = final.Expected
	return outcome, nil
}

func failedFrames(frames []FrameOutput) int {
	n := 0
	for _, f := range frames {
		if f.Error != "" {
			n++
		}
	}
	return n
}

// settle reads the final state of id once dispatch returned. Sub-documents
// still pending report through OnPartialResult, so those are awaited.
func (s *Service) settle(ctx, waitCtx context.Context, id merge.Identity, pending int) (merge.Final, error) {
	if pending == 0 {
		f, _, err := s.coord.Peek(ctx, id)
		return f, err
	}
	f, err := s.coord.Await(waitCtx, id)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return f, nil
	}
	return f, err
}

// OnPartialResult records a partial result reported by a sub-document. It
// returns the combined final and true once the operation is complete.
func (s *Service) OnPartialResult(ctx context.Context, p merge.Partial) (merge.Final, bool, error) {
	if p.Identity == "" {
		return merge.Final{}, false, ErrNoIdentity
	}
	if p.Origin == "" {
		p.Origin = merge.OriginOf(p.PageURL)
	}
	return s.coord.Submit(ctx, p)
}

func (s *Service) page(ctx context.Context, req Request, files bool) (*source.Page, error) {
	if req.Page != nil {
		return req.Page, nil
	}
	if req.Target == "" {
		return nil, ErrNoTarget
	}
	if !files && !source.IsRemote(req.Target) {
		return nil, fmt.Errorf("%w: %s", ErrFileTarget, req.Target)
	}
	return s.load(ctx, req.Target)
}

func (s *Service) load(ctx context.Context, target string) (*source.Page, error) {
	if source.IsRemote(target) {
		return s.loader.Load(ctx, target)
	}
	if !s.cfg.Fetch.AllowFiles {
		return nil, fmt.Errorf("%w: %s", ErrFileTarget, target)
	}
	if strings.HasPrefix(target, "file:") && !strings.HasPrefix(target, "file://") {
		return nil, fmt.Errorf("replacer: load %s: unsupported file address", target)
	}
	return source.LoadFile(strings.TrimPrefix(target, "file://"))
}
