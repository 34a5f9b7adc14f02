// Package registry implements the immutable (name, version) -> bytes module
// store: aggregate modules are published once per version and never
// mutated in place. Version comparison and constraint matching use
// github.com/Masterminds/semver/v3, the same semver library the rest of
// the retrieval pack depends on for this concern.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/relaycore/eventrt/internal/storelog"
)

// ErrNotFound is returned when a query matches no published version.
var ErrNotFound = errors.New("registry: no matching module version")

// ErrAlreadyPublished is returned when Put targets a (name, version) pair
// that already has a blob on file. Publishing is append-only: a version
// once published is immutable.
var ErrAlreadyPublished = errors.New("registry: version already published")

// ErrInvalidVersion is returned when a version string cannot be parsed as
// semver.
type ErrInvalidVersion struct {
	Raw string
	Err error
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("registry: invalid version %q: %v", e.Raw, e.Err)
}

func (e *ErrInvalidVersion) Unwrap() error { return e.Err }

// Registry resolves (name, version) module publications over the embedded
// store's raw blob bucket.
type Registry struct {
	store *storelog.Registry
}

// New wraps the given engine's registry bucket.
func New(engine *storelog.Engine) *Registry {
	return &Registry{store: engine.Registry()}
}

// Entry describes one published module version.
type Entry struct {
	Name    string
	Version *semver.Version
	Blob    []byte
}

func key(name string, version *semver.Version) string {
	return name + "/" + version.String()
}

// Put publishes a module's bytes under name/version. It refuses to
// overwrite an existing publication.
func (r *Registry) Put(name, rawVersion string, blob []byte) error {
	version, err := semver.NewVersion(rawVersion)
	if err != nil {
		return &ErrInvalidVersion{Raw: rawVersion, Err: err}
	}

	k := key(name, version)
	if _, found, err := r.store.Get(k); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, k)
	}

	return r.store.Put(k, blob)
}

// Get returns the exact blob published for name/version.
func (r *Registry) Get(name, rawVersion string) ([]byte, error) {
	version, err := semver.NewVersion(rawVersion)
	if err != nil {
		return nil, &ErrInvalidVersion{Raw: rawVersion, Err: err}
	}
	blob, found, err := r.store.Get(key(name, version))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, name, rawVersion)
	}
	return blob, nil
}

// GetLatest returns the highest published version for name.
func (r *Registry) GetLatest(name string) (Entry, error) {
	entries, err := r.list(name)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entries[len(entries)-1], nil
}

// GetMatching returns the highest published version for name that
// satisfies the given semver constraint string (e.g. "^1.2.0", ">=2.0.0").
func (r *Registry) GetMatching(name, constraint string) (Entry, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Entry{}, fmt.Errorf("registry: invalid constraint %q: %w", constraint, err)
	}

	entries, err := r.list(name)
	if err != nil {
		return Entry{}, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if c.Check(entries[i].Version) {
			return entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s satisfying %q", ErrNotFound, name, constraint)
}

// List returns every published version of name, ascending.
func (r *Registry) List(name string) ([]*semver.Version, error) {
	entries, err := r.list(name)
	if err != nil {
		return nil, err
	}
	versions := make([]*semver.Version, len(entries))
	for i, e := range entries {
		versions[i] = e.Version
	}
	return versions, nil
}

func (r *Registry) list(name string) ([]Entry, error) {
	keys, err := r.store.Keys()
	if err != nil {
		return nil, err
	}

	prefix := name + "/"
	var entries []Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rawVersion := strings.TrimPrefix(k, prefix)
		version, err := semver.NewVersion(rawVersion)
		if err != nil {
			continue
		}
		blob, found, err := r.store.Get(k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		entries = append(entries, Entry{Name: name, Version: version, Blob: blob})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Version.LessThan(entries[j].Version)
	})
	return entries, nil
}
