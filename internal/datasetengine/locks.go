package datasetengine

import (
	"sync"
	"time"

	"github.com/canvassops/coordinator-service/internal/models"
)

// janitorInterval is how often expired creation locks are swept.
const janitorInterval = 5 * time.Second

// lockTable holds in-flight dataset-creation locks keyed by
// models.LockKey(normalizedAddress, user). ttl is the age at which a held
// lock is presumed abandoned.
type lockTable struct {
	ttl time.Duration

	mu    sync.Mutex
	locks map[string]models.CreationLock
}

func newLockTable(ttl time.Duration) *lockTable {
	return &lockTable{ttl: ttl, locks: make(map[string]models.CreationLock)}
}

// acquire attempts to take the lock for key, sweeping it first if expired.
// It reports false if another, still-live creation holds the lock.
func (t *lockTable) acquire(key, sentinel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.locks[key]; ok && !existing.Expired(t.ttl) {
		return false
	}
	t.locks[key] = models.CreationLock{Key: key, Sentinel: sentinel, AcquiredAt: time.Now()}
	return true
}

// release drops the lock for key if it is still held by sentinel, so a
// stale goroutine cannot release a lock a newer request has since acquired.
func (t *lockTable) release(key, sentinel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.locks[key]; ok && existing.Sentinel == sentinel {
		delete(t.locks, key)
	}
}

// sweep removes every expired lock, returning the count removed.
func (t *lockTable) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, lock := range t.locks {
		if lock.Expired(t.ttl) {
			delete(t.locks, key)
			removed++
		}
	}
	return removed
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
