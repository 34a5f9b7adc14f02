package storelog

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// GlobalLog is a handle over the store-wide total order: every message
// appended to any stream, in the order its transaction committed.
type GlobalLog struct {
	engine *Engine
}

// IterFrom returns messages with global id >= fromGlobalID, as of a
// snapshot taken when IterFrom is called. The returned GlobalIterator
// holds its own read-only transaction open until Close is called.
func (g *GlobalLog) IterFrom(fromGlobalID uint64) (*GlobalIterator, error) {
	tx, err := g.engine.db.Begin(false)
	if err != nil {
		return nil, err
	}

	bucket := tx.Bucket([]byte(globalBucketName))
	cursor := bucket.Cursor()
	key, value := cursor.Seek(encodeUint64(fromGlobalID))

	return &GlobalIterator{
		tx:     tx,
		cursor: cursor,
		key:    key,
		value:  value,
	}, nil
}

// GlobalIterator walks a snapshot of the global log taken at creation time.
// Callers must call Close when finished to release the underlying read
// transaction.
type GlobalIterator struct {
	tx     *bbolt.Tx
	cursor *bbolt.Cursor
	key    []byte
	value  []byte
}

// Next advances the iterator and returns the next item. The second return
// value is false once the snapshot is exhausted. A dangling index entry —
// one whose target message is missing from its stream bucket — surfaces as
// an ErrInvalidEventReference on the returned item rather than stopping
// iteration early.
func (it *GlobalIterator) Next() (IterItem, bool) {
	if it.key == nil {
		return IterItem{}, false
	}

	globalID := decodeUint64(it.key)
	entry, err := decodeGlobalIndexEntry(it.value)
	if err != nil {
		item := IterItem{Err: fmt.Errorf("storelog: decode global index entry %d: %w", globalID, err)}
		it.key, it.value = it.cursor.Next()
		return item, true
	}

	var item IterItem
	streamBucket := it.tx.Bucket(streamBucketName(StreamName(entry.StreamName)))
	var raw []byte
	if streamBucket != nil {
		raw = streamBucket.Get(encodeUint64(entry.StreamID))
	}
	if raw == nil {
		item = IterItem{Err: &ErrInvalidEventReference{
			GlobalID:   globalID,
			StreamName: entry.StreamName,
			StreamID:   entry.StreamID,
		}}
	} else if msg, decodeErr := decodeMessage(raw); decodeErr != nil {
		item = IterItem{Err: fmt.Errorf("storelog: decode message at global id %d: %w", globalID, decodeErr)}
	} else {
		item = IterItem{Message: msg}
	}

	it.key, it.value = it.cursor.Next()
	return item, true
}

// Close releases the iterator's underlying read transaction.
func (it *GlobalIterator) Close() error {
	return it.tx.Rollback()
}
