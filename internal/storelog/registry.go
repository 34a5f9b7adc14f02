package storelog

import "go.etcd.io/bbolt"

// Registry is a handle over the raw module-blob bucket. It knows nothing
// about version ordering or matching — that semantics lives in
// internal/registry, which layers semver comparisons over this handle.
type Registry struct {
	engine *Engine
}

// Put stores the bytes for name/version, overwriting any existing entry.
func (r *Registry) Put(key string, blob []byte) error {
	return r.engine.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(registryBucket))
		return bucket.Put([]byte(key), blob)
	})
}

// Get returns the bytes stored under key, or (nil, false) if absent.
func (r *Registry) Get(key string) ([]byte, bool, error) {
	var (
		blob  []byte
		found bool
	)
	err := r.engine.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(registryBucket))
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		blob = append([]byte(nil), raw...)
		found = true
		return nil
	})
	return blob, found, err
}

// Keys returns every key currently stored, in lexical order.
func (r *Registry) Keys() ([]string, error) {
	var keys []string
	err := r.engine.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(registryBucket))
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
