// Package datasetengine implements the authoritative in-memory dataset
// cache, its write-through flush to the backing store, the creation-lock
// protocol, and the ownership-window request handlers.
package datasetengine

import (
	"sort"
	"sync"

	"github.com/canvassops/coordinator-service/internal/models"
)

// cache is the process-wide dataset index. A dataset never leaves the cache
// except on process exit: there is no eviction, and lookup misses never
// fall through to the backing store on the request path.
type cache struct {
	mu   sync.RWMutex
	byID map[string]*models.AddressDataset

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

func newCache() *cache {
	return &cache{
		byID:  make(map[string]*models.AddressDataset),
		dirty: make(map[string]struct{}),
	}
}

// put inserts or replaces a dataset by id: a single reference swap under
// the map's own lock. The dataset's own fields are separately guarded by
// its embedded mutex for concurrent readers.
func (c *cache) put(d *models.AddressDataset) {
	c.mu.Lock()
	c.byID[d.ID] = d
	c.mu.Unlock()
}

func (c *cache) get(id string) (*models.AddressDataset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

// all returns every dataset currently in the cache, newest first.
func (c *cache) all() []*models.AddressDataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.AddressDataset, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (c *cache) markDirty(id string) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	c.dirty[id] = struct{}{}
}

// drainDirty returns a snapshot of dirty ids and clears the set; the caller
// is responsible for re-marking an id dirty if its flush fails.
func (c *cache) drainDirty() []string {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	c.dirty = make(map[string]struct{})
	return ids
}

func (c *cache) clearDirty(id string) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	delete(c.dirty, id)
}

func (c *cache) reMarkDirty(id string) {
	c.markDirty(id)
}

// size reports the number of cached datasets, for metrics.
func (c *cache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// dirtyCount reports the size of the dirty set, for metrics.
func (c *cache) dirtyCount() int {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return len(c.dirty)
}
