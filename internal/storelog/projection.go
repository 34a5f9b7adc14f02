package storelog

import "go.etcd.io/bbolt"

// Projection is a handle over one named projection's checkpoint: the
// global id of the last message it has durably applied. Projections
// themselves are an external collaborator's concern; the store only owns
// the checkpoint. Advance commits in its own transaction, so it is not
// atomic with any side effect the projection performs elsewhere.
type Projection struct {
	engine *Engine
	name   string
}

// Checkpoint returns the last global id this projection has applied, or
// (0, false) if it has never advanced.
func (p *Projection) Checkpoint() (uint64, bool, error) {
	var (
		value uint64
		found bool
	)
	err := p.engine.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(projectionsBucket))
		raw := bucket.Get([]byte(p.name))
		if raw == nil {
			return nil
		}
		value = decodeUint64(raw)
		found = true
		return nil
	})
	return value, found, err
}

// Advance sets the checkpoint to globalID. It is idempotent: advancing to
// an id at or behind the current checkpoint is a no-op rather than an
// error, so a projection re-delivered the same message after a crash can
// safely call Advance again.
func (p *Projection) Advance(globalID uint64) error {
	return p.engine.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(projectionsBucket))
		current := bucket.Get([]byte(p.name))
		if current != nil && decodeUint64(current) >= globalID {
			return nil
		}
		return bucket.Put([]byte(p.name), encodeUint64(globalID))
	})
}
