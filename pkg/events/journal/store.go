// Package journal keeps a queryable SQLite history of registry events.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, requires cgo). Old
// events are removed by Prune, usually driven by a Scheduler.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"mercator-hq/meridian/pkg/registry"
)

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

// Config configures a Store.
type Config struct {
	// Driver is "sqlite" or "sqlite3". Default: "sqlite"
	Driver string

	// Path is the database file path.
	Path string

	// MaxOpenConns defaults to 4.
	MaxOpenConns int

	// BusyTimeout is how long a writer waits for a lock. Default: 5s
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// StoreError wraps a failed database operation.
type StoreError struct {
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("journal %s: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Subscriber is implemented by *registry.Registry.
type Subscriber interface {
	Subscribe(handler registry.EventHandler) func()
}

// Filter selects events in List. Zero fields match everything.
type Filter struct {
	ServiceID string
	Type      registry.EventType
	Since     time.Time
	Until     time.Time

	// Limit defaults to DefaultListLimit.
	Limit int
}

// Store appends events to an SQLite database.
type Store struct {
	db      *sql.DB
	driver  string
	path    string
	timeout time.Duration
	logger  *slog.Logger

	failed atomic.Int64
}

// Open opens or creates the journal at cfg.Path and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Path == "" {
		return nil, &StoreError{Operation: "open", Err: errors.New("path is required")}
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn, err := dataSourceName(cfg.Driver, cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, &StoreError{Operation: "open", Err: err}
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, &StoreError{Operation: "open", Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &Store{
		db:      db,
		driver:  cfg.Driver,
		path:    cfg.Path,
		timeout: cfg.BusyTimeout,
		logger:  logger.With("component", "events.journal"),
	}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("event journal opened", "driver", cfg.Driver, "path", cfg.Path)
	return s, nil
}

// dataSourceName sets WAL mode and the busy timeout on every pooled
// connection, in the query syntax each driver understands.
func dataSourceName(driver, path string, busy time.Duration) (string, error) {
	q := url.Values{}
	switch driver {
	case "sqlite":
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
		q.Add("_pragma", "journal_mode(WAL)")
	case "sqlite3":
		q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
		q.Set("_journal_mode", "WAL")
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return &StoreError{Operation: "connect", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return &StoreError{Operation: "create_schema", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, insertSchemaVersion, SchemaVersion, time.Now().UnixNano()); err != nil {
		return &StoreError{Operation: "insert_schema_version", Err: err}
	}

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, getSchemaVersion).Scan(&version); err != nil {
		return &StoreError{Operation: "get_schema_version", Err: err}
	}
	if version.Int64 != SchemaVersion {
		return &StoreError{
			Operation: "schema_version_mismatch",
			Err:       fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version.Int64),
		}
	}
	return nil
}

// Append stores ev. Appending an event id twice is a no-op.
func (s *Store) Append(ctx context.Context, ev registry.ServiceEvent) error {
	var data sql.NullString
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return &StoreError{Operation: "append", Err: fmt.Errorf("marshal data: %w", err)}
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, insertEvent, ev.ID, string(ev.Type), ev.ServiceID, ts.UnixNano(), data); err != nil {
		return &StoreError{Operation: "append", Err: err}
	}
	return nil
}

// Handle appends ev, logging failures. It is the registry subscription entry
// point.
func (s *Store) Handle(ev registry.ServiceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Append(ctx, ev); err != nil {
		s.failed.Add(1)
		s.logger.Warn("failed to journal event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
	}
}

// Attach subscribes the store to a registry and returns the unsubscribe func.
func (s *Store) Attach(src Subscriber) func() {
	return src.Subscribe(s.Handle)
}

// List returns matching events, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]registry.ServiceEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, f.Until.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, type, service_id, timestamp, data FROM events")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY timestamp DESC, id LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, &StoreError{Operation: "list", Err: err}
	}
	defer rows.Close()

	var out []registry.ServiceEvent
	for rows.Next() {
		var (
			ev   registry.ServiceEvent
			typ  string
			ts   int64
			data sql.NullString
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.ServiceID, &ts, &data); err != nil {
			return nil, &StoreError{Operation: "scan", Err: err}
		}
		ev.Type = registry.EventType(typ)
		ev.Timestamp = time.Unix(0, ts)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, &StoreError{Operation: "scan", Err: fmt.Errorf("event %s data: %w", ev.ID, err)}
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Operation: "list", Err: err}
	}
	return out, nil
}

// Prune deletes events recorded before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, pruneEvents, cutoff.UnixNano())
	if err != nil {
		return 0, &StoreError{Operation: "prune", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Operation: "prune", Err: err}
	}
	return n, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, countEvents).Scan(&n); err != nil {
		return 0, &StoreError{Operation: "count", Err: err}
	}
	return n, nil
}

// Failed returns the number of events Handle could not store.
func (s *Store) Failed() int64 {
	return s.failed.Load()
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &StoreError{Operation: "close", Err: err}
	}
	s.logger.Info("event journal closed", "driver", s.driver, "path", s.path)
	return nil
}
