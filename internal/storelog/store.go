// Package storelog implements the embedded append-only message store: the
// durable heart of the runtime. Every stream write, the global ordering
// index, per-category outboxes, projection checkpoints, and the module
// registry's blobs all live in one go.etcd.io/bbolt file, so that a single
// db.Update transaction can make a stream append and its outbox entry
// atomic with respect to each other.
//
// Bucket layout, every bucket top-level (one per stream, one per outbox):
//
//	streams/<name>        stream_id (big-endian uint64) -> encoded Message
//	__global__            global_id (big-endian uint64) -> globalIndexEntry
//	<category>:outbox     global_id (big-endian uint64) -> encoded Message
//	__projections__       projection name -> checkpoint (big-endian uint64)
//	__registry__          "<name>/<version>" -> module bytes
package storelog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

const (
	streamsBucketPrefix = "streams/"
	globalBucketName    = "__global__"
	outboxBucketSuffix  = ":outbox"
	projectionsBucket   = "__projections__"
	registryBucket      = "__registry__"
)

// Engine owns the on-disk bbolt database and the in-memory counters derived
// from it at startup. Every Stream, Outbox, Projection, GlobalLog and
// Registry handle shares one Engine.
type Engine struct {
	db *bbolt.DB

	mu           sync.Mutex // serializes counter advancement alongside db.Update
	nextGlobalID uint64     // next value to assign; zero-based
}

// Open opens (creating if necessary) the embedded store at path and
// recovers the global id counter by scanning the global index bucket's
// highest key.
func Open(path string) (*Engine, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storelog: open %s: %w", path, err)
	}

	eng := &Engine{db: db}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(globalBucketName))
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(projectionsBucket))
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(registryBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storelog: init buckets: %w", err)
	}

	if err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(globalBucketName))
		key, _ := b.Cursor().Last()
		if key == nil {
			eng.nextGlobalID = 0
			return nil
		}
		eng.nextGlobalID = decodeUint64(key) + 1
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storelog: recover global counter: %w", err)
	}

	return eng, nil
}

// Close flushes and releases the underlying database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Sync forces a manual flush of the underlying database file, independent
// of bbolt's own commit-time fsync. This is the hook the flusher uses to
// make its periodic tick durable without waiting on the next writer.
func (e *Engine) Sync() error {
	return e.db.Sync()
}

// NextGlobalID returns the global id that will be assigned to the next
// persisted event. Callers that need the broadcaster's initial
// expected-next value use this directly instead of re-deriving it from the
// global index.
func (e *Engine) NextGlobalID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextGlobalID
}

// Stream returns a handle bound to the named stream.
func (e *Engine) Stream(name StreamName) *Stream {
	return &Stream{engine: e, name: name}
}

// Outbox returns a handle bound to the named category's outbox.
func (e *Engine) Outbox(category string) *Outbox {
	return &Outbox{engine: e, category: category}
}

// Projection returns a handle bound to the named projection's checkpoint.
func (e *Engine) Projection(name string) *Projection {
	return &Projection{engine: e, name: name}
}

// GlobalLog returns a handle over the store-wide total order.
func (e *Engine) GlobalLog() *GlobalLog {
	return &GlobalLog{engine: e}
}

// Registry returns a handle over the module blob bucket.
func (e *Engine) Registry() *Registry {
	return &Registry{engine: e}
}

func streamBucketName(name StreamName) []byte {
	return []byte(streamsBucketPrefix + string(name))
}

func outboxBucketName(category string) []byte {
	return []byte(category + outboxBucketSuffix)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

// withGlobalIDs runs writeFn inside a single db.Update transaction, handing
// it the first of n global ids to assign within the stream/outbox/global
// buckets it writes to. The in-memory counter is only advanced after
// db.Update itself returns nil — bbolt's Update does not return until the
// transaction has committed, so a nil error here is a genuine durability
// guarantee, not merely an indication that the callback finished. On any
// error the counter is left untouched: no ids were durably consumed, so
// none are reserved.
//
// e.mu additionally serializes the peek-write-advance sequence across
// concurrent callers; bbolt's own writer lock would serialize the
// transactions anyway, but holding mu for the whole sequence keeps the
// counter peek and its post-commit advance atomic with respect to each
// other without relying on that as an implementation detail.
func (e *Engine) withGlobalIDs(n int, writeFn func(tx *bbolt.Tx, firstGlobalID uint64) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	first := e.nextGlobalID
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return writeFn(tx, first)
	})
	if err != nil {
		return err
	}
	e.nextGlobalID = first + uint64(n)
	return nil
}
