// Package eventstore defines the abstract event-store contract consumed by
// the aggregate runtime: append-with-expected-version and forward stream
// reads. Concrete adapters live in eventstore/sqlite (durable) and
// eventstore/filestore (dev/test, JSON-file backed).
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/eventrouter/dispatch/domain"
)

// ErrWrongExpectedVersion is returned by Append when the stream's current
// version does not match expectedVersion. It is the only error the
// aggregate runtime recovers from internally (see dispatcherrors); it must
// never be translated to any other sentinel by an adapter.
var ErrWrongExpectedVersion = errors.New("eventstore: wrong expected version")

// EventData is a single event awaiting append. Metadata already carries
// causation_id/correlation_id plus caller-provided entries by the time it
// reaches Append.
type EventData struct {
	EventID  string
	Type     string
	Data     []byte
	Metadata domain.Metadata
}

// RecordedEvent is an event as read back from a stream, carrying its
// monotonic stream version.
type RecordedEvent struct {
	EventID       string
	Type          string
	Data          []byte
	Metadata      domain.Metadata
	StreamUUID    string
	StreamVersion uint64
	RecordedAt    time.Time
}

// EventStore is the abstract append/read contract. expectedVersion is the
// version the caller believes the stream is currently at (0 for a stream
// that doesn't exist yet); on success the stream advances by len(events).
type EventStore interface {
	Append(ctx context.Context, streamUUID string, expectedVersion uint64, events []EventData) error

	// ReadStreamForward streams events starting at fromVersion+1 (1-indexed
	// stream versions, 0 meaning "from the start") in batches of at most
	// batchSize. The returned event channel is closed when the read
	// reaches the end of the stream or a read fails. At most one non-nil
	// error is sent on the error channel before it is closed; on a clean
	// end it is closed without a value, so a receive yields nil.
	ReadStreamForward(ctx context.Context, streamUUID string, fromVersion uint64, batchSize int) (<-chan RecordedEvent, <-chan error)
}

// CurrentVersion is a convenience helper that drains ReadStreamForward
// purely to compute the stream's current version, used by adapters that
// don't track per-stream version counters separately.
func CurrentVersion(ctx context.Context, store EventStore, streamUUID string, batchSize int) (uint64, error) {
	events, errc := store.ReadStreamForward(ctx, streamUUID, 0, batchSize)
	var version uint64
	for ev := range events {
		version = ev.StreamVersion
	}
	if err := <-errc; err != nil {
		return 0, err
	}
	return version, nil
}
