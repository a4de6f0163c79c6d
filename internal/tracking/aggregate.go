package tracking

import (
	"sync"
	"time"

	"github.com/canvassops/coordinator-service/internal/geoutil"
	"github.com/canvassops/coordinator-service/internal/models"
)

// DailySummary is the in-memory per-user, per-day rollup kept alongside the
// authoritative per-day log store.
type DailySummary struct {
	PointCount        int
	DistanceKm        float64
	StatusChangeCount int
	UniqueAddresses   map[string]struct{}
	lastPoint         *models.LocationPoint
	lastPointAt       time.Time
}

func newDailySummary() *DailySummary {
	return &DailySummary{UniqueAddresses: make(map[string]struct{})}
}

// AddressCount returns the number of distinct addresses visited today.
func (s *DailySummary) AddressCount() int { return len(s.UniqueAddresses) }

// aggregateStore holds one DailySummary per (date, userID) pair.
type aggregateStore struct {
	mu  sync.Mutex
	day map[string]*DailySummary
}

func newAggregateStore() *aggregateStore {
	return &aggregateStore{day: make(map[string]*DailySummary)}
}

func aggregateKey(date, userID string) string { return date + "|" + userID }

func (a *aggregateStore) get(date, userID string) *DailySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := aggregateKey(date, userID)
	s, ok := a.day[key]
	if !ok {
		s = newDailySummary()
		a.day[key] = s
	}
	return s
}

// recordPoint folds point into the user's running summary for date,
// accumulating distance only when the movement between the last point and
// this one passes geoutil's plausibility filter.
func (a *aggregateStore) recordPoint(date, userID string, point models.LocationPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := aggregateKey(date, userID)
	s, ok := a.day[key]
	if !ok {
		s = newDailySummary()
		a.day[key] = s
	}

	s.PointCount++
	now := time.UnixMilli(point.TimestampMs)
	if s.lastPoint != nil {
		elapsed := now.Sub(s.lastPointAt)
		if elapsed > 0 && geoutil.IsValidMovement(*s.lastPoint, point, elapsed) {
			s.DistanceKm += geoutil.Distance(*s.lastPoint, point)
		}
	}
	s.lastPoint = &point
	s.lastPointAt = now
}

func (a *aggregateStore) recordStatusChange(date, userID string) {
	s := a.get(date, userID)
	a.mu.Lock()
	s.StatusChangeCount++
	a.mu.Unlock()
}

func (a *aggregateStore) recordAddress(date, userID, addressKey string) {
	s := a.get(date, userID)
	a.mu.Lock()
	s.UniqueAddresses[addressKey] = struct{}{}
	a.mu.Unlock()
}

// Snapshot returns a copy-safe view of the summary for (date, userID), or
// nil if nothing has been recorded.
func (a *aggregateStore) Snapshot(date, userID string) *DailySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.day[aggregateKey(date, userID)]
	if !ok {
		return nil
	}
	cp := *s
	cp.UniqueAddresses = make(map[string]struct{}, len(s.UniqueAddresses))
	for k := range s.UniqueAddresses {
		cp.UniqueAddresses[k] = struct{}{}
	}
	return &cp
}
