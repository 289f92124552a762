// Package shield provides the HTTP middleware in front of the docreplace API:
// security headers, request body limits and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, rl := shield.APIStack(shield.Config{Rate: 120, Window: time.Minute})
//	rl.StartGC(ctx)
//	for _, mw := range stack {
//		r.Use(mw)
//	}
package shield

import (
	"net/http"
	"time"
)

// Config selects the API stack limits. Zero values take the defaults.
type Config struct {
	// MaxBody caps request bodies in bytes.
	MaxBody int64 `yaml:"max_body"`
	// Rate is the number of requests a client may make per Window.
	// Negative disables rate limiting.
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
	// Exempt lists path prefixes that skip rate limiting.
	Exempt []string `yaml:"exempt"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 16 << 20
	}
	if c.Rate == 0 {
		c.Rate = 120
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Exempt == nil {
		c.Exempt = []string{"/healthz"}
	}
}

// APIStack returns the middleware for a JSON API, in order: security
// headers, body limit, rate limit. The returned limiter is nil when rate
// limiting is disabled; otherwise the caller runs its StartGC.
func APIStack(cfg Config) ([]func(http.Handler) http.Handler, *RateLimiter) {
	cfg.Defaults()
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(APIHeaders()),
		MaxBody(cfg.MaxBody),
	}
	if cfg.Rate < 0 {
		return stack, nil
	}
	rl := NewRateLimiter(cfg.Rate, cfg.Window, cfg.Exempt...)
	return append(stack, rl.Middleware), rl
}
