package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// snapshotJS marks every element with its rendered visibility, gives
// unnamed frames an id, and returns the page markup plus the content of
// every frame whose document the page itself can read.
const snapshotJS = `() => {
	const attr = "` + VisibleAttr + `";
	const mark = (doc) => {
		const win = doc.defaultView;
		for (const el of doc.querySelectorAll("*")) {
			const cs = win.getComputedStyle(el);
			const shown = cs.display !== "none" && cs.visibility !== "hidden" && cs.visibility !== "collapse";
			el.setAttribute(attr, shown ? "1" : "0");
		}
	};
	const embeds = {};
	let n = 0;
	const walk = (doc) => {
		mark(doc);
		for (const f of doc.querySelectorAll("iframe, frame")) {
			if (f.hasAttribute("srcdoc")) continue;
			let inner = null;
			try { inner = f.contentDocument; } catch (e) { inner = null; }
			if (!inner || !inner.documentElement) continue;
			if (!f.id) f.id = "docreplace-frame-" + (n++);
			walk(inner);
			embeds["#" + f.id] = inner.documentElement.outerHTML;
		}
	};
	walk(document);
	return { html: document.documentElement.outerHTML, url: location.href, embeds: embeds };
}`

// Browser loads pages in headless Chrome through Rod with stealth applied.
type Browser struct {
	remoteURL    string
	navTimeout   time.Duration
	allowPrivate bool
	logger       *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithRemoteURL connects to an existing Chrome DevTools endpoint instead of
// launching one.
func WithRemoteURL(u string) BrowserOption { return func(b *Browser) { b.remoteURL = u } }

// WithNavTimeout bounds navigation and load.
func WithNavTimeout(d time.Duration) BrowserOption { return func(b *Browser) { b.navTimeout = d } }

// WithBrowserAllowPrivate disables the private-address guard.
func WithBrowserAllowPrivate(allow bool) BrowserOption {
	return func(b *Browser) { b.allowPrivate = allow }
}

// WithBrowserLogger sets the logger.
func WithBrowserLogger(l *slog.Logger) BrowserOption { return func(b *Browser) { b.logger = l } }

// NewBrowser creates a Browser. Chrome starts lazily on the first Load.
func NewBrowser(opts ...BrowserOption) *Browser {
	b := &Browser{navTimeout: 30 * time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}
	ws := b.remoteURL
	if ws == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("source: launch chrome: %w", err)
		}
		ws = u
		b.lnch = l
		b.logger.Info("source: launched local chrome", "url", ws)
	}
	rb := rod.New().ControlURL(ws)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("source: connect chrome: %w", err)
	}
	b.browser = rb
	return rb, nil
}

// Load navigates to pageURL and snapshots the rendered document.
func (b *Browser) Load(ctx context.Context, pageURL string) (*Page, error) {
	if !b.allowPrivate {
		if err := ValidateURL(pageURL); err != nil {
			return nil, err
		}
	}
	rb, err := b.connect()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(rb)
	if err != nil {
		return nil, fmt.Errorf("source: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, b.navTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("source: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.logger.Warn("source: wait load", "url", pageURL, "error", err)
	}

	res, err := page.Context(navCtx).Eval(snapshotJS)
	if err != nil {
		return nil, fmt.Errorf("source: snapshot %s: %w", pageURL, err)
	}
	p := &Page{
		URL:      res.Value.Get("url").Str(),
		HTML:     res.Value.Get("html").Str(),
		Computed: true,
	}
	if p.URL == "" {
		p.URL = pageURL
	}
	if embeds := res.Value.Get("embeds").Map(); len(embeds) > 0 {
		p.Embeds = make(map[string]string, len(embeds))
		for k, v := range embeds {
			p.Embeds[k] = v.Str()
		}
	}
	b.logger.Debug("source: snapshot", "url", p.URL, "size", len(p.HTML), "embeds", len(p.Embeds))
	return p, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
	return err
}
