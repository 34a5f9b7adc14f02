package exportlog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionPolicy bounds how many bundles, and how old, a bundle root may
// retain. Zero means unbounded for that dimension.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises a sweep for monitoring endpoints.
type StorageStats struct {
	Bundles   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically removes bundle directories that exceed a
// RetentionPolicy. Adapted from the teacher repo's replay.Cleaner, with its
// now-deleted hand-rolled logger replaced by this module's zap logger.
type Cleaner struct {
	root   string
	policy RetentionPolicy
	logger *zap.Logger
	clock  func() time.Time

	mu    sync.Mutex
	stats StorageStats
}

// NewCleaner builds a Cleaner rooted at dir.
func NewCleaner(dir string, policy RetentionPolicy, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		root:   dir,
		policy: policy,
		logger: logger,
		clock:  time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(); err != nil {
				c.logger.Warn("exportlog: sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep, removing bundles the policy rejects, and
// returns the resulting storage stats.
func (c *Cleaner) RunOnce() (StorageStats, error) {
	entries, err := c.collect()
	if err != nil {
		return StorageStats{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.After(entries[j].modTime) })

	var kept []bundleEntry
	for i, e := range entries {
		if c.shouldRemove(i, e) {
			if err := os.RemoveAll(e.path); err != nil {
				c.logger.Warn("exportlog: failed removing bundle", zap.String("path", e.path), zap.Error(err))
				kept = append(kept, e)
				continue
			}
			c.logger.Info("exportlog: removed stale bundle", zap.String("path", e.path))
			continue
		}
		kept = append(kept, e)
	}

	var total int64
	for _, e := range kept {
		total += e.size
	}

	stats := StorageStats{Bundles: len(kept), Bytes: total, LastSweep: c.clock().UTC()}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
	return stats, nil
}

// Stats returns the result of the most recent sweep.
func (c *Cleaner) Stats() StorageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type bundleEntry struct {
	path    string
	modTime time.Time
	size    int64
}

func (c *Cleaner) collect() ([]bundleEntry, error) {
	infos, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []bundleEntry
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		path := filepath.Join(c.root, info.Name())
		fi, err := info.Info()
		if err != nil {
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			continue
		}
		entries = append(entries, bundleEntry{path: path, modTime: fi.ModTime(), size: size})
	}
	return entries, nil
}

func (c *Cleaner) shouldRemove(rank int, e bundleEntry) bool {
	if c.policy.MaxBundles > 0 && rank >= c.policy.MaxBundles {
		return true
	}
	if c.policy.MaxAge > 0 && c.clock().Sub(e.modTime) > c.policy.MaxAge {
		return true
	}
	return false
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
