// Package db keeps a SQLite ledger of the requests the bot has seen and the
// peers that have connected to it.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Options tune the ledger connection. Zero values pick the defaults.
type Options struct {
	// BusyTimeout is how long a writer waits on a locked database. Default 5s.
	BusyTimeout time.Duration
	// JournalMode defaults to WAL.
	JournalMode string
	Logger      *slog.Logger
}

type DB struct {
	*sql.DB
	path string
	log  *slog.Logger
}

func Open(path string, opts ...Options) (*DB, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.JournalMode == "" {
		o.JournalMode = "WAL"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	q := url.Values{}
	q.Set("_journal_mode", o.JournalMode)
	q.Set("_busy_timeout", strconv.FormatInt(o.BusyTimeout.Milliseconds(), 10))
	sqlDB, err := sql.Open("sqlite3", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	o.Logger.Info("ledger opened", "path", path, "journal", o.JournalMode, "busyTimeout", o.BusyTimeout)
	return &DB{DB: sqlDB, path: path, log: o.Logger}, nil
}

// Close logs how many requests were left unanswered, then closes the database.
func (db *DB) Close() error {
	var pending int
	if err := db.QueryRow(`SELECT COUNT(*) FROM requests WHERE approve IS NULL`).Scan(&pending); err != nil {
		db.log.Warn("ledger pending count failed", "err", err)
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	db.log.Info("ledger closed", "path", db.path, "pending", pending)
	return nil
}
