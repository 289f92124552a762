package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrClosed is returned once the coordinator has stopped.
var ErrClosed = errors.New("merge: coordinator closed")

const (
	defaultTTL        = 10 * time.Minute
	defaultSweepEvery = time.Minute
	recentFinals      = 512
)

// Coordinator owns the merge records. All state changes run on one
// goroutine started by Start; the other methods post work to it.
type Coordinator struct {
	store      Store
	logger     *slog.Logger
	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	onFinal    func(Final)

	inbox   chan func()
	done    chan struct{}
	waiters map[Identity][]chan Final
	// recent holds finals already emitted, so a late Await still sees them.
	recent *lru.Cache[Identity, Final]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithTTL sets how long an incomplete record is kept after its last update.
func WithTTL(d time.Duration) Option { return func(c *Coordinator) { c.ttl = d } }

// WithSweepInterval sets how often abandoned records are swept.
func WithSweepInterval(d time.Duration) Option { return func(c *Coordinator) { c.sweepEvery = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// OnFinal registers a callback invoked (on the coordinator goroutine) for
// every emitted final result.
func OnFinal(fn func(Final)) Option { return func(c *Coordinator) { c.onFinal = fn } }

// New creates a Coordinator over store (a MemoryStore when nil).
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		ttl:        defaultTTL,
		sweepEvery: defaultSweepEvery,
		now:        time.Now,
		inbox:      make(chan func()),
		done:       make(chan struct{}),
		waiters:    make(map[Identity][]chan Final),
	}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.recent, _ = lru.New[Identity, Final](recentFinals)
	return c
}

// Start runs the coordinator loop until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	var tick <-chan time.Time
	if c.sweepEvery > 0 {
		t := time.NewTicker(c.sweepEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("merge: coordinator stopped")
			return
		case fn := <-c.inbox:
			fn()
		case <-tick:
			c.sweep(ctx)
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.inbox <- wrapped:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Submit records one partial result. It returns the final result and true
// when this arrival completes the operation (or needs no accumulation).
func (c *Coordinator) Submit(ctx context.Context, p Partial) (Final, bool, error) {
	var (
		out  Final
		done bool
		err  error
	)
	if derr := c.do(ctx, func() { out, done, err = c.submit(ctx, p) }); derr != nil {
		return Final{}, false, derr
	}
	return out, done, err
}

func (c *Coordinator) submit(ctx context.Context, p Partial) (Final, bool, error) {
	if !p.Embedded && p.SubDocuments == 0 {
		// Single-document operation: nothing to wait for. A record may
		// still exist if embedded partials arrived first; fold it in.
		r, ok, err := c.store.Load(ctx, p.Identity)
		if err != nil {
			return Final{}, false, err
		}
		if !ok {
			f := single(p)
			c.emit(f)
			return f, true, nil
		}
		return c.apply(ctx, r, p)
	}
	r, ok, err := c.store.Load(ctx, p.Identity)
	if err != nil {
		return Final{}, false, err
	}
	if !ok {
		r = NewRecord(p.Identity, c.now())
	}
	return c.apply(ctx, r, p)
}

func (c *Coordinator) apply(ctx context.Context, r *Record, p Partial) (Final, bool, error) {
	r.Merge(p, c.now())
	if !r.Complete() {
		if err := c.store.Save(ctx, r); err != nil {
			return Final{}, false, err
		}
		c.logger.Debug("merge: accumulating",
			"identity", r.Identity, "received", r.Received, "expected", r.Expected)
		return r.Final(), false, nil
	}
	f := r.Final()
	if err := c.store.Delete(ctx, r.Identity); err != nil {
		return Final{}, false, err
	}
	c.emit(f)
	return f, true, nil
}

func (c *Coordinator) emit(f Final) {
	c.recent.Add(f.Identity, f)
	for _, w := range c.waiters[f.Identity] {
		w <- f
	}
	delete(c.waiters, f.Identity)
	if c.onFinal != nil {
		c.onFinal(f)
	}
	c.logger.Debug("merge: final",
		"identity", f.Identity, "original", f.Result.Count.Original, "replaced", f.Result.Count.Replaced)
}

// Await blocks until id completes or ctx ends. On ctx end it returns the
// accumulated (incomplete) state with ctx's error.
func (c *Coordinator) Await(ctx context.Context, id Identity) (Final, error) {
	ch := make(chan Final, 1)
	var (
		ready Final
		hit   bool
	)
	if err := c.do(ctx, func() {
		if f, ok := c.recent.Get(id); ok {
			ready, hit = f, true
			return
		}
		c.waiters[id] = append(c.waiters[id], ch)
	}); err != nil {
		return Final{Identity: id}, err
	}
	if hit {
		return ready, nil
	}
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		c.forget(id, ch)
		snap, _, err := c.Peek(context.WithoutCancel(ctx), id)
		if err != nil {
			return Final{Identity: id}, ctx.Err()
		}
		return snap, ctx.Err()
	case <-c.done:
		return Final{Identity: id}, ErrClosed
	}
}

func (c *Coordinator) forget(id Identity, ch chan Final) {
	_ = c.do(context.Background(), func() {
		ws := c.waiters[id]
		for i, w := range ws {
			if w == ch {
				c.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(c.waiters[id]) == 0 {
			delete(c.waiters, id)
		}
	})
}

// Peek returns the current state for id: the emitted final when complete,
// the accumulated state otherwise. ok is false for an unknown identity.
func (c *Coordinator) Peek(ctx context.Context, id Identity) (Final, bool, error) {
	var (
		out Final
		ok  bool
		err error
	)
	if derr := c.do(ctx, func() {
		if f, hit := c.recent.Get(id); hit {
			out, ok = f, true
			return
		}
		var r *Record
		r, ok, err = c.store.Load(ctx, id)
		if ok {
			out = r.Final()
		}
	}); derr != nil {
		return Final{}, false, derr
	}
	if err != nil {
		return Final{}, false, fmt.Errorf("merge: peek: %w", err)
	}
	if !ok {
		out = Final{Identity: id}
	}
	return out, ok, nil
}

func (c *Coordinator) sweep(ctx context.Context) {
	if c.ttl <= 0 {
		return
	}
	n, err := c.store.Sweep(ctx, c.now().Add(-c.ttl))
	if err != nil {
		c.logger.Warn("merge: sweep failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("merge: swept abandoned records", "count", n)
	}
}

// Sweep removes abandoned records now.
func (c *Coordinator) Sweep(ctx context.Context) error {
	return c.do(ctx, func() { c.sweep(ctx) })
}

// Done is closed when the loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }
