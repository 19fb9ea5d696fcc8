package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/core"
	"github.com/you/censor-chatbot/internal/dispatchtrace"
	"github.com/you/censor-chatbot/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS dispatches (
  id TEXT NOT NULL PRIMARY KEY,
  ts TEXT NOT NULL,
  channel TEXT NOT NULL,
  user TEXT NOT NULL,
  command TEXT NOT NULL,
  action TEXT NOT NULL,
  access TEXT NOT NULL DEFAULT '',
  args TEXT NOT NULL DEFAULT '',
  outcome TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  trace_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dispatches_ts ON dispatches(ts);`

// Store persists dispatch records in SQLite.
type Store struct {
	db *sql.DB
}

const defaultListLimit = 100

func OpenSQLite(path string, opts ...OpenOption) (*Store, error) {
	cfg := openConfig{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	tune(context.Background(), db, cfg)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Write inserts rec. Records are keyed by dispatch ID, so a replayed record is
// ignored.
func (s *Store) Write(rec core.DispatchRecord, trace *dispatchtrace.Trace) error {
	const q = `INSERT INTO dispatches (id, ts, channel, user, command, action, access, args, outcome, error, duration_ms, trace_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;`
	ts := rec.Ts.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(q, rec.ID, ts, rec.Channel, rec.User, rec.Trigger, rec.Action,
		rec.Access, rec.Args, rec.Outcome, rec.Error, rec.DurationMS, rec.TraceID); err != nil {
		return errors.Wrap(err, "insert dispatch")
	}
	trace.Inc(dispatchtrace.StageAudited)
	return nil
}

func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) String() string {
	return fmt.Sprintf("audit.Store{%p}", s.db)
}

func (s *Store) CountDispatches(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildDispatchQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *Store) ListDispatches(ctx context.Context, filters httpapi.Filters) ([]core.DispatchRecord, error) {
	query, args := buildDispatchQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list dispatches")
	}
	defer rows.Close()

	out := []core.DispatchRecord{}
	for rows.Next() {
		var (
			rec core.DispatchRecord
			ts  string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Channel, &rec.User, &rec.Trigger, &rec.Action,
			&rec.Access, &rec.Args, &rec.Outcome, &rec.Error, &rec.DurationMS, &rec.TraceID); err != nil {
			return nil, errors.Wrap(err, "scan dispatch")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Ts = t
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate dispatches")
	}
	return out, nil
}

func buildDispatchQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM dispatches")
	} else {
		builder.WriteString("SELECT id, ts, channel, user, command, action, access, args, outcome, error, duration_ms, trace_id FROM dispatches")
	}

	var (
		conditions []string
		args       []any
	)

	in := func(column string, values []string) {
		placeholders := make([]string, 0, len(values))
		for _, v := range values {
			placeholders = append(placeholders, "?")
			args = append(args, v)
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
	}
	if len(filters.Actions) > 0 {
		in("action", filters.Actions)
	}
	if len(filters.Outcomes) > 0 {
		in("outcome", filters.Outcomes)
	}

	if len(filters.Users) > 0 {
		ors := make([]string, 0, len(filters.Users))
		for _, u := range filters.Users {
			ors = append(ors, "LOWER(user) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
