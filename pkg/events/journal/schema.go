package journal

// SchemaVersion is the current journal schema version.
const SchemaVersion = 1

// Schema creates the journal tables. Timestamps are unix nanoseconds so that
// range filters compare integers on both drivers.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    service_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    data TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_service_time ON events(service_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

const (
	insertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`
	getSchemaVersion    = `SELECT MAX(version) FROM schema_version`

	insertEvent = `INSERT OR IGNORE INTO events (id, type, service_id, timestamp, data) VALUES (?, ?, ?, ?, ?)`
	pruneEvents = `DELETE FROM events WHERE timestamp < ?`
	countEvents = `SELECT COUNT(*) FROM events`
)
