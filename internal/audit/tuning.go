package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/you/censor-chatbot/internal/logging"
)

type openConfig struct {
	tuning      bool
	busyTimeout time.Duration
}

// OpenOption adjusts OpenSQLite.
type OpenOption func(*openConfig)

// WithTuning applies the write-heavy pragma set after the schema.
func WithTuning(on bool) OpenOption {
	return func(c *openConfig) { c.tuning = on }
}

// WithBusyTimeout sets how long writers wait on a locked database.
func WithBusyTimeout(d time.Duration) OpenOption {
	return func(c *openConfig) { c.busyTimeout = d }
}

// pragma is one tuning statement and the value it should leave behind.
type pragma struct {
	name  string
	value string
}

var tuningPragmas = []pragma{
	{"synchronous", "NORMAL"},
	{"wal_autocheckpoint", "1000"},
	{"temp_store", "MEMORY"},
	{"mmap_size", "268435456"},
}

// tune applies the tuning set. A failing pragma is logged and skipped; the
// database stays usable with SQLite defaults.
func tune(ctx context.Context, db *sql.DB, cfg openConfig) {
	log := logging.Component("audit")
	set := tuningPragmas
	if cfg.busyTimeout > 0 {
		set = append([]pragma{{"busy_timeout", fmt.Sprint(cfg.busyTimeout.Milliseconds())}}, set...)
	}
	if !cfg.tuning {
		set = set[:len(set)-len(tuningPragmas)]
	}
	for _, p := range set {
		got, err := setPragma(ctx, db, p)
		if err != nil {
			log.Warn().Err(err).Str("pragma", p.name).Msg("sqlite tuning skipped")
			continue
		}
		log.Debug().Str("pragma", p.name).Str("value", got).Msg("sqlite tuned")
	}
}

// setPragma runs PRAGMA name=value and reads the setting back. Pragmas that
// return no row on assignment are queried separately.
func setPragma(ctx context.Context, db *sql.DB, p pragma) (string, error) {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s=%s;", p.name, p.value)); err != nil {
		return "", errors.Wrapf(err, "set %s", p.name)
	}
	var got any
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA %s;", p.name)).Scan(&got); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p.value, nil
		}
		return "", errors.Wrapf(err, "read %s", p.name)
	}
	return fmt.Sprint(got), nil
}
