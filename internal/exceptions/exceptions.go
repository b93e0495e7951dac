// Package exceptions is the error-persistence collaborator the
// Supervisor's failure classification delegates to: it writes a
// human-readable exception file per distinct (category, message) pair,
// and optionally mirrors the same record into Postgres for durable
// querying beyond the local filesystem.
package exceptions

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Ledger writes exception records to disk and, if configured, to
// Postgres.
type Ledger struct {
	dir string
	db  *sql.DB
	log *logrus.Logger
}

// New creates a Ledger writing files under dir. If dsn is non-empty, a
// Postgres connection is opened and exceptions are additionally
// inserted into the interface_exceptions table.
func New(dir, dsn string, log *logrus.Logger) (*Ledger, error) {
	l := &Ledger{dir: dir, log: log}
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("exceptions: opening postgres: %w", err)
		}
		l.db = db
	}
	return l, nil
}

// Write persists one exception record. category is "connection_failed"
// or "connection_lost" per the Supervisor's two failure-classification
// entry points.
func (l *Ledger) Write(category, interfaceName string, cause error) error {
	now := time.Now()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("exceptions: creating directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d.txt", interfaceName, category, now.UnixNano())
	content := fmt.Sprintf("time: %s\ninterface: %s\ncategory: %s\nerror: %s\n",
		now.Format(time.RFC3339Nano), interfaceName, category, cause.Error())

	if err := os.WriteFile(filepath.Join(l.dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("exceptions: writing file: %w", err)
	}

	if l.db != nil {
		_, err := l.db.Exec(
			`INSERT INTO interface_exceptions (interface_name, category, message, occurred_at) VALUES ($1, $2, $3, $4)`,
			interfaceName, category, cause.Error(), now,
		)
		if err != nil {
			l.log.WithError(err).Warn("exceptions: failed to persist to postgres")
		}
	}

	return nil
}

// Close releases the Postgres connection, if one was opened.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
