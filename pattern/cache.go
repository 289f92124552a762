package pattern

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled pairs a Compiler retains.
const DefaultCacheSize = 256

type cacheKey struct {
	term string
	opts Options
}

// Compiler memoises Compile. A count followed by a replace of the same term,
// or one operation fanned out to many frames, compiles once.
type Compiler struct {
	cache  *lru.Cache[cacheKey, CompiledPattern]
	logger *slog.Logger
}

// NewCompiler creates a Compiler holding up to size entries
// (DefaultCacheSize when size <= 0).
func NewCompiler(size int, logger *slog.Logger) *Compiler {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[cacheKey, CompiledPattern](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic("pattern: " + err.Error())
	}
	return &Compiler{cache: c, logger: logger}
}

// Compile returns the cached pair for (term, opts), compiling on miss.
func (c *Compiler) Compile(term string, opts Options) CompiledPattern {
	key := cacheKey{term: term, opts: opts}
	if cp, ok := c.cache.Get(key); ok {
		return cp
	}
	cp := Compile(term, opts, c.logger)
	c.cache.Add(key, cp)
	return cp
}

// Len returns the number of cached entries.
func (c *Compiler) Len() int { return c.cache.Len() }
