package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

const auditSchemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite brings an audit database written by an older build up to the
// current dispatches schema.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("chatbot: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "dispatches")
	if err != nil {
		return fmt.Errorf("sqlite: describe dispatches: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("chatbot: sqlite: dispatches table missing; skipping migration")
		return nil
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"access", `ALTER TABLE dispatches ADD COLUMN access TEXT NOT NULL DEFAULT '';`},
		{"args", `ALTER TABLE dispatches ADD COLUMN args TEXT NOT NULL DEFAULT '';`},
		{"duration_ms", `ALTER TABLE dispatches ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;`},
		{"trace_id", `ALTER TABLE dispatches ADD COLUMN trace_id TEXT NOT NULL DEFAULT '';`},
	}
	for _, col := range added {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		log.Printf("chatbot: sqlite: added %s column to dispatches", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE dispatches SET outcome='ok' WHERE outcome IN ('success', 'OK');`, "outcome ok"},
		{`UPDATE dispatches SET outcome='failed' WHERE outcome IN ('error', 'failure');`, "outcome failed"},
		{`UPDATE dispatches SET error='' WHERE error IS NULL;`, "error"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("chatbot: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS dispatches_action_ts
        ON dispatches(action, ts);`); err != nil {
		return fmt.Errorf("sqlite: ensure dispatches_action_ts: %w", err)
	}

	if userVersion < auditSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, auditSchemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "dispatches", "dispatches_action_ts")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatches;`).Scan(&total); err != nil {
		return fmt.Errorf("sqlite: count dispatches: %w", err)
	}

	log.Printf("chatbot: sqlite: dispatches=%d dispatches_action_ts=%v schema_version=%d",
		total,
		hasIndex,
		auditSchemaVersion,
	)

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	return false, rows.Err()
}
