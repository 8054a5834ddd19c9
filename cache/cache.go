// Package cache holds the last known decoded snapshot per instrument so late
// joining consumers can be primed without waiting for the next live update.
package cache

import (
	"sync"
	"time"

	"smartfeed/models"
)

// Cache is written only by the connection manager; every read hands out a
// copy, never the live snapshot. Bounded naturally by the subscribed
// instrument universe, so there is no eviction.
type Cache struct {
	mu    sync.RWMutex
	snaps map[string]*models.Snapshot
}

func New() *Cache {
	return &Cache{snaps: make(map[string]*models.Snapshot)}
}

// Update merges the fragment into the snapshot for key, creating one if
// absent, and returns a copy of the merged state.
func (c *Cache) Update(key string, frag models.Fragment) models.Snapshot {
	key = models.NormalizeInstrumentKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[key]
	if !ok {
		snap = &models.Snapshot{Key: key}
		c.snaps[key] = snap
	}
	snap.Apply(frag, time.Now().UTC())
	return snap.Clone()
}

// Get returns a copy of the cached snapshot for key.
func (c *Cache) Get(key string) (models.Snapshot, bool) {
	key = models.NormalizeInstrumentKey(key)
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[key]
	if !ok {
		return models.Snapshot{}, false
	}
	return snap.Clone(), true
}

// ForEach calls fn with a copy of every cached snapshot.
func (c *Cache) ForEach(fn func(models.Snapshot)) {
	c.mu.RLock()
	copies := make([]models.Snapshot, 0, len(c.snaps))
	for _, snap := range c.snaps {
		copies = append(copies, snap.Clone())
	}
	c.mu.RUnlock()
	for _, snap := range copies {
		fn(snap)
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}

// Clear drops all cached snapshots. Used only at full shutdown or reset.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.snaps = make(map[string]*models.Snapshot)
	c.mu.Unlock()
}
