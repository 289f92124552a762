package connectivity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/docreplace/dbopen"
)

// Schema defines the routes table. Strategies:
//   - "local": the in-process handler registered with RegisterLocal.
//   - "http":  POST to a remote worker through HTTPFactory.
//   - "noop":  succeed without doing anything.
//
// config holds per-route JSON (timeout_ms, content_type, allow_private).
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

const upsertRoute = `
	INSERT INTO routes (service_name, strategy, endpoint, config) VALUES (?, ?, ?, ?)
	ON CONFLICT(service_name) DO UPDATE SET
		strategy = excluded.strategy,
		endpoint = excluded.endpoint,
		config = excluded.config,
		updated_at = strftime('%s', 'now')`

// Route is one row of the routes table.
type Route struct {
	Service  string `yaml:"service"`
	Strategy string `yaml:"strategy"`
	Endpoint string `yaml:"endpoint"`
	Config   string `yaml:"config"`
}

// SetRoute inserts or replaces one route.
func SetRoute(db *sql.DB, service, strategy, endpoint, config string) error {
	if config == "" {
		config = "{}"
	}
	if _, err := db.Exec(upsertRoute, service, strategy, endpoint, config); err != nil {
		return fmt.Errorf("connectivity: set route %s: %w", service, err)
	}
	return nil
}

// SetRoutes upserts routes in one transaction, so a watcher never observes
// half of a configured set.
func SetRoutes(ctx context.Context, db *sql.DB, routes []Route) error {
	if len(routes) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		for _, r := range routes {
			cfg := r.Config
			if cfg == "" {
				cfg = "{}"
			}
			if _, err := tx.ExecContext(ctx, upsertRoute, r.Service, r.Strategy, r.Endpoint, cfg); err != nil {
				return fmt.Errorf("connectivity: set route %s: %w", r.Service, err)
			}
		}
		return nil
	})
}
