package entity

import "errors"

// errEvicted is returned to a caller whose command arrives after the
// handler has already evicted itself; the caller should resolve a fresh
// Handler and retry.
var errEvicted = errors.New("entity: handler evicted")
