// Package sqlite is the durable EventStore adapter, backed by
// github.com/mattn/go-sqlite3. A single table holds every stream; the
// unique (stream_uuid, stream_version) index gives the expected-version
// check for free — an INSERT that collides on it is translated to
// eventstore.ErrWrongExpectedVersion.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eventrouter/dispatch/domain"
	"github.com/eventrouter/dispatch/eventstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream_uuid    TEXT NOT NULL,
	stream_version INTEGER NOT NULL,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	data           BLOB NOT NULL,
	metadata       TEXT NOT NULL,
	recorded_at    DATETIME NOT NULL,
	PRIMARY KEY (stream_uuid, stream_version)
);
`

// Store is a SQLite-backed eventstore.EventStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite event store at dsn, e.g.
// "file:events.db?_busy_timeout=5000&_journal_mode=WAL".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	// A single aggregate instance serializes its own appends, but many
	// instances share the connection pool; SQLite tolerates exactly one
	// writer at a time, so cap it here rather than fighting SQLITE_BUSY
	// across goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Append implements eventstore.EventStore.
func (s *Store) Append(ctx context.Context, streamUUID string, expectedVersion uint64, events []eventstore.EventData) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	current, err := currentVersionTx(ctx, tx, streamUUID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return eventstore.ErrWrongExpectedVersion
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(stream_uuid, stream_version, event_id, event_type, data, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, ev := range events {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}
		version := expectedVersion + uint64(i) + 1
		data := ev.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, streamUUID, version, ev.EventID, ev.Type, data, meta, now); err != nil {
			if isUniqueViolation(err) {
				return eventstore.ErrWrongExpectedVersion
			}
			return fmt.Errorf("sqlite: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// go-sqlite3 surfaces this as sqlite3.Error with ExtendedCode
	// ErrConstraintPrimaryKey/ErrConstraintUnique; string matching keeps
	// this file free of a direct type-assertion dependency on the driver's
	// internal error type layout across versions.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

func currentVersionTx(ctx context.Context, tx *sql.Tx, streamUUID string) (uint64, error) {
	var version sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(stream_version) FROM events WHERE stream_uuid = ?`, streamUUID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("sqlite: current version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return uint64(version.Int64), nil
}

// ReadStreamForward implements eventstore.EventStore.
func (s *Store) ReadStreamForward(ctx context.Context, streamUUID string, fromVersion uint64, batchSize int) (<-chan eventstore.RecordedEvent, <-chan error) {
	events := make(chan eventstore.RecordedEvent)
	errc := make(chan error, 1)

	if batchSize <= 0 {
		batchSize = 256
	}

	go func() {
		defer close(events)
		defer close(errc)

		cursor := fromVersion
		for {
			rows, err := s.db.QueryContext(ctx, `SELECT stream_version, event_id, event_type, data, metadata, recorded_at
				FROM events WHERE stream_uuid = ? AND stream_version > ?
				ORDER BY stream_version ASC LIMIT ?`, streamUUID, cursor, batchSize)
			if err != nil {
				errc <- fmt.Errorf("sqlite: query: %w", err)
				return
			}

			n := 0
			for rows.Next() {
				var (
					rec      eventstore.RecordedEvent
					metaJSON []byte
				)
				if err := rows.Scan(&rec.StreamVersion, &rec.EventID, &rec.Type, &rec.Data, &metaJSON, &rec.RecordedAt); err != nil {
					rows.Close()
					errc <- fmt.Errorf("sqlite: scan: %w", err)
					return
				}
				var meta domain.Metadata
				if err := json.Unmarshal(metaJSON, &meta); err != nil {
					rows.Close()
					errc <- fmt.Errorf("sqlite: unmarshal metadata: %w", err)
					return
				}
				rec.Metadata = meta
				rec.StreamUUID = streamUUID
				cursor = rec.StreamVersion

				select {
				case events <- rec:
				case <-ctx.Done():
					rows.Close()
					errc <- ctx.Err()
					return
				}
				n++
			}
			closeErr := rows.Err()
			rows.Close()
			if closeErr != nil {
				errc <- fmt.Errorf("sqlite: rows: %w", closeErr)
				return
			}
			if n < batchSize {
				return
			}
		}
	}()

	return events, errc
}

var _ eventstore.EventStore = (*Store)(nil)
