package storelog

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Outbox is a handle over one category's pending-delivery queue. Stream.Write
// mirrors every appended event here in the same transaction as the stream
// append, so a relay reading the outbox never observes an event that did
// not also make it into its stream.
type Outbox struct {
	engine   *Engine
	category string
}

// OutboxEntry pairs a queued message with the key the relay must pass back
// to Delete once delivery has been acknowledged downstream. The bucket is
// shared by every instance stream in the category, so it is keyed by
// GlobalID (process-wide and unique) rather than the per-stream StreamID,
// which restarts at 0 for every instance and would collide across streams.
type OutboxEntry struct {
	GlobalID uint64
	Message  Message
}

// Drain returns up to limit pending entries in ascending global-id order,
// oldest first, without removing them. The relay deletes entries itself
// only after a downstream target confirms delivery, giving at-least-once
// semantics across a crash between drain and delete.
func (o *Outbox) Drain(limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.engine.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outboxBucketName(o.category))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil && (limit <= 0 || len(entries) < limit); k, v = cursor.Next() {
			msg, err := decodeMessage(v)
			if err != nil {
				return fmt.Errorf("storelog: decode outbox entry %x: %w", k, err)
			}
			entries = append(entries, OutboxEntry{GlobalID: decodeUint64(k), Message: msg})
		}
		return nil
	})
	return entries, err
}

// Delete removes the given global ids from the outbox, acknowledging their
// delivery. Deleting an id that is already gone is not an error.
func (o *Outbox) Delete(globalIDs ...uint64) error {
	if len(globalIDs) == 0 {
		return nil
	}
	return o.engine.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outboxBucketName(o.category))
		if bucket == nil {
			return nil
		}
		for _, id := range globalIDs {
			if err := bucket.Delete(encodeUint64(id)); err != nil {
				return err
			}
		}
		return nil
	})
}
