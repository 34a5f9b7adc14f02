package storelog

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// expectedKind distinguishes Write's three concurrency-check modes. Stream
// ids are zero-based, so id 0 is a legitimate "last id" for a one-event
// stream; NoStream cannot be represented as At(0) the way a 1-based scheme
// would allow, hence the explicit kind rather than a sentinel version value.
type expectedKind int

const (
	expectedAny expectedKind = iota
	expectedNoStream
	expectedAt
)

// ExpectedVersion expresses an optimistic concurrency check for Write.
type ExpectedVersion struct {
	kind  expectedKind
	value uint64
}

// Any skips the optimistic check entirely.
func Any() ExpectedVersion { return ExpectedVersion{kind: expectedAny} }

// NoStream requires the stream to not exist yet (no events written).
func NoStream() ExpectedVersion { return ExpectedVersion{kind: expectedNoStream} }

// At requires the stream's current last id to equal v.
func At(v uint64) ExpectedVersion { return ExpectedVersion{kind: expectedAt, value: v} }

// Stream is a handle bound to one stream name. It is safe to create many
// handles for the same name; all durable state lives in the Engine.
type Stream struct {
	engine *Engine
	name   StreamName
}

// LastVersion returns the stream's current last stream id, or (0, false)
// if the stream has never been written to.
func (s *Stream) LastVersion() (uint64, bool, error) {
	var (
		last  uint64
		found bool
	)
	err := s.engine.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamBucketName(s.name))
		if b == nil {
			return nil
		}
		key, _ := b.Cursor().Last()
		if key == nil {
			return nil
		}
		last = decodeUint64(key)
		found = true
		return nil
	})
	return last, found, err
}

// Write atomically appends events to the stream, enforcing expected, and
// mirrors each event into the category's outbox and the store-wide global
// index in the same transaction. It returns the appended messages with
// their assigned StreamID and GlobalID populated.
func (s *Stream) Write(expected ExpectedVersion, events []Message) ([]Message, error) {
	if len(events) == 0 {
		return nil, nil
	}

	category, err := s.name.Category()
	if err != nil {
		return nil, err
	}

	written := make([]Message, len(events))
	copy(written, events)
	recordedAt := time.Now().UTC()

	updateErr := s.engine.withGlobalIDs(len(events), func(tx *bbolt.Tx, firstGlobalID uint64) error {
		streamBucket, err := tx.CreateBucketIfNotExists(streamBucketName(s.name))
		if err != nil {
			return err
		}

		lastKey, _ := streamBucket.Cursor().Last()
		var current uint64
		var hasStream bool
		if lastKey != nil {
			current = decodeUint64(lastKey)
			hasStream = true
		}

		switch expected.kind {
		case expectedAny:
			// no check
		case expectedNoStream:
			if hasStream {
				actual := current
				return &ErrWrongExpectedVersion{
					Stream:  string(s.name),
					Current: &actual,
				}
			}
		case expectedAt:
			if !hasStream || current != expected.value {
				var actual *uint64
				if hasStream {
					actual = &current
				}
				expectedVal := expected.value
				return &ErrWrongExpectedVersion{
					Stream:   string(s.name),
					Expected: &expectedVal,
					Current:  actual,
				}
			}
		}

		globalBucket := tx.Bucket([]byte(globalBucketName))
		outboxBucket, err := tx.CreateBucketIfNotExists(outboxBucketName(category))
		if err != nil {
			return err
		}

		var base uint64
		if hasStream {
			base = current + 1
		}

		for i := range written {
			streamID := base + uint64(i)
			globalID := firstGlobalID + uint64(i)

			written[i].StreamName = string(s.name)
			written[i].StreamID = streamID
			written[i].GlobalID = globalID
			written[i].RecordedAt = recordedAt

			encoded, err := encodeMessage(written[i])
			if err != nil {
				return fmt.Errorf("storelog: encode message: %w", err)
			}
			if err := streamBucket.Put(encodeUint64(streamID), encoded); err != nil {
				return err
			}
			if err := outboxBucket.Put(encodeUint64(globalID), encoded); err != nil {
				return err
			}

			indexEntry, err := encodeGlobalIndexEntry(globalIndexEntry{
				StreamName: string(s.name),
				StreamID:   streamID,
			})
			if err != nil {
				return fmt.Errorf("storelog: encode global index entry: %w", err)
			}
			if err := globalBucket.Put(encodeUint64(globalID), indexEntry); err != nil {
				return err
			}
		}
		return nil
	})
	if updateErr != nil {
		return nil, updateErr
	}

	return written, nil
}

// IterItem is one step of stream iteration. Err is non-nil when a stored
// record could not be decoded; iteration continues past it rather than
// terminating, so a single corrupt record does not hide the rest of the
// stream from a caller.
type IterItem struct {
	Message Message
	Err     error
}

// IterAll returns every message in the stream from the beginning, as of a
// snapshot taken when IterAll is called.
func (s *Stream) IterAll() (*Iterator, error) {
	return s.IterFrom(0)
}

// IterFrom returns messages from the given stream id (inclusive) onward, as
// of a snapshot taken when IterFrom is called. The returned Iterator holds
// its own read-only transaction open until Close is called.
func (s *Stream) IterFrom(fromStreamID uint64) (*Iterator, error) {
	tx, err := s.engine.db.Begin(false)
	if err != nil {
		return nil, err
	}

	bucket := tx.Bucket(streamBucketName(s.name))
	if bucket == nil {
		tx.Rollback()
		return &Iterator{done: true}, nil
	}

	cursor := bucket.Cursor()
	key, value := cursor.Seek(encodeUint64(fromStreamID))

	return &Iterator{
		tx:     tx,
		cursor: cursor,
		key:    key,
		value:  value,
	}, nil
}

// Iterator walks a snapshot of a stream taken at creation time. Callers
// must call Close when finished to release the underlying read transaction.
type Iterator struct {
	tx     *bbolt.Tx
	cursor *bbolt.Cursor
	key    []byte
	value  []byte
	done   bool
}

// Next advances the iterator and returns the next item. The second return
// value is false once the snapshot is exhausted.
func (it *Iterator) Next() (IterItem, bool) {
	if it.done || it.key == nil {
		return IterItem{}, false
	}

	var item IterItem
	msg, err := decodeMessage(it.value)
	if err != nil {
		item = IterItem{Err: fmt.Errorf("storelog: decode message at key %x: %w", it.key, err)}
	} else {
		item = IterItem{Message: msg}
	}

	it.key, it.value = it.cursor.Next()
	return item, true
}

// Close releases the iterator's underlying read transaction.
func (it *Iterator) Close() error {
	if it.tx == nil {
		return nil
	}
	return it.tx.Rollback()
}
