// Package filestore is a JSON-file-backed eventstore.EventStore, adapted
// from the generic JSON-file JSONStore[T] building block: instead of one
// file per entity, each stream gets one append-only JSON-lines file, and
// Append enforces the expected-version check the way the sqlite adapter's
// unique index does, but via an in-memory per-stream mutex plus an
// on-disk line count. Intended for local development and tests where a
// SQLite dependency isn't wanted; not safe for multi-process use.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eventrouter/dispatch/eventstore"
)

// Store is a directory of one append-only .jsonl file per stream.
type Store struct {
	baseDir string
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a file-backed store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}, nil
}

type record struct {
	EventID       string            `json:"event_id"`
	Type          string            `json:"event_type"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata"`
	StreamVersion uint64            `json:"stream_version"`
	RecordedAtRFC string            `json:"recorded_at"`
}

func (s *Store) lockFor(streamUUID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[streamUUID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[streamUUID] = l
	}
	return l
}

func (s *Store) path(streamUUID string) string {
	return filepath.Join(s.baseDir, streamUUID+".jsonl")
}

// Append implements eventstore.EventStore.
func (s *Store) Append(ctx context.Context, streamUUID string, expectedVersion uint64, events []eventstore.EventData) error {
	if len(events) == 0 {
		return nil
	}

	lock := s.lockFor(streamUUID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.currentVersion(streamUUID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return eventstore.ErrWrongExpectedVersion
	}

	f, err := os.OpenFile(s.path(streamUUID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %w", streamUUID, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, ev := range events {
		rec := record{
			EventID:       ev.EventID,
			Type:          ev.Type,
			Data:          json.RawMessage(ev.Data),
			Metadata:      ev.Metadata,
			StreamVersion: expectedVersion + uint64(i) + 1,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("filestore: marshal event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("filestore: write event: %w", err)
		}
	}
	return w.Flush()
}

func (s *Store) currentVersion(streamUUID string) (uint64, error) {
	f, err := os.Open(s.path(streamUUID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("filestore: open %s: %w", streamUUID, err)
	}
	defer f.Close()

	var version uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return 0, fmt.Errorf("filestore: corrupt stream %s: %w", streamUUID, err)
		}
		version = rec.StreamVersion
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("filestore: scan %s: %w", streamUUID, err)
	}
	return version, nil
}

// ReadStreamForward implements eventstore.EventStore.
func (s *Store) ReadStreamForward(ctx context.Context, streamUUID string, fromVersion uint64, batchSize int) (<-chan eventstore.RecordedEvent, <-chan error) {
	events := make(chan eventstore.RecordedEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		f, err := os.Open(s.path(streamUUID))
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			errc <- fmt.Errorf("filestore: open %s: %w", streamUUID, err)
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var rec record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				errc <- fmt.Errorf("filestore: corrupt stream %s: %w", streamUUID, err)
				return
			}
			if rec.StreamVersion <= fromVersion {
				continue
			}
			select {
			case events <- eventstore.RecordedEvent{
				EventID:       rec.EventID,
				Type:          rec.Type,
				Data:          []byte(rec.Data),
				Metadata:      rec.Metadata,
				StreamUUID:    streamUUID,
				StreamVersion: rec.StreamVersion,
			}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("filestore: scan %s: %w", streamUUID, err)
		}
	}()

	return events, errc
}

var _ eventstore.EventStore = (*Store)(nil)
