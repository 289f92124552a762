package observability

// Schema is the DDL for the operation audit trail.
const Schema = `
CREATE TABLE IF NOT EXISTS operation_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    identity      TEXT NOT NULL DEFAULT '',
    run_id        TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    transport     TEXT NOT NULL DEFAULT '',
    remote_addr   TEXT NOT NULL DEFAULT '',
    action        TEXT NOT NULL,
    url           TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    original      INTEGER NOT NULL DEFAULT 0,
    replaced      INTEGER NOT NULL DEFAULT 0,
    received      INTEGER NOT NULL DEFAULT 0,
    expected      INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL CHECK(status IN ('success', 'incomplete', 'error')),
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operation_log_time ON operation_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_operation_log_status ON operation_log(status, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_operation_log_run ON operation_log(run_id);
`
