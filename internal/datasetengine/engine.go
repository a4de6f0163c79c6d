package datasetengine

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/errx"
	"github.com/canvassops/coordinator-service/internal/housenumber"
	"github.com/canvassops/coordinator-service/internal/models"
)

// Normalizer is the capability the engine needs from the geocode queue: turn
// a raw address into its canonical form. Depending on this narrow interface
// rather than *geocode.Queue keeps the engine testable without a live queue.
type Normalizer interface {
	Normalize(ctx context.Context, addr models.Address) (models.NormalizedAddress, error)
}

// Engine is the authoritative in-memory dataset cache plus its write-through
// flush, creation-lock protocol, and ownership-window enforcement.
type Engine struct {
	cache  *cache
	locks  *lockTable
	store  backingstore.Store
	geo    Normalizer
	logger *zap.Logger

	editWindow    time.Duration
	flushInterval time.Duration

	persistMu sync.Mutex
	persisted map[string]struct{}

	flushObserver func(time.Duration)

	stopFlusher chan struct{}
	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// NewEngine constructs an Engine. Callers must call LoadFromStore before
// serving traffic, then StartFlusher and StartLockJanitor.
func NewEngine(store backingstore.Store, geo Normalizer, editWindow, flushInterval, lockTTL time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		cache:         newCache(),
		locks:         newLockTable(lockTTL),
		store:         store,
		geo:           geo,
		logger:        logger,
		editWindow:    editWindow,
		flushInterval: flushInterval,
		persisted:     make(map[string]struct{}),
		stopFlusher:   make(chan struct{}),
		stopJanitor:   make(chan struct{}),
	}
}

// SetFlushObserver installs a callback observed with the duration of every
// flush pass, used to feed the flush-latency histogram.
func (e *Engine) SetFlushObserver(fn func(time.Duration)) {
	e.flushObserver = fn
}

// LoadFromStore fills the cache from every persisted dataset row. A load
// failure is fatal to the caller: the process must not accept requests
// against an empty, possibly-incomplete cache.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	rows, err := e.store.LoadAllDatasets(ctx)
	if err != nil {
		return eris.Wrap(err, "datasetengine: load datasets")
	}
	for _, row := range rows {
		d, err := fromRow(row)
		if err != nil {
			e.logger.Error("datasetengine: skipping unreadable dataset row", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		e.cache.put(d)
		e.markPersisted(row.ID)
	}
	e.logger.Info("datasetengine: cache loaded", zap.Int("datasets", e.cache.size()))
	return nil
}

func (e *Engine) markPersisted(id string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.persisted[id] = struct{}{}
}

func (e *Engine) isPersisted(id string) bool {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	_, ok := e.persisted[id]
	return ok
}

// StartFlusher runs the write-through flush loop (default 60s) until ctx is
// done or Stop is called.
func (e *Engine) StartFlusher(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopFlusher:
			return
		case <-ticker.C:
			e.flushDirty(ctx)
		}
	}
}

// StartLockJanitor runs the 5s creation-lock sweep until ctx is done or Stop
// is called.
func (e *Engine) StartLockJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopJanitor:
			return
		case <-ticker.C:
			if removed := e.locks.sweep(); removed > 0 {
				e.logger.Debug("datasetengine: swept expired creation locks", zap.Int("count", removed))
			}
		}
	}
}

// Stop halts the flusher and janitor loops started above. Safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopFlusher)
		close(e.stopJanitor)
	})
}

// FlushNow runs one synchronous flush pass, used during graceful shutdown so
// dirty datasets reach the backing store before the process exits.
func (e *Engine) FlushNow(ctx context.Context) {
	e.flushDirty(ctx)
}

func (e *Engine) flushDirty(ctx context.Context) {
	start := time.Now()
	ids := e.cache.drainDirty()
	for _, id := range ids {
		d, ok := e.cache.get(id)
		if !ok {
			continue
		}
		row := toRow(d)
		var err error
		if e.isPersisted(id) {
			err = e.store.UpdateRow(ctx, "datasets", row)
		} else {
			err = e.store.Append(ctx, "datasets", row)
			if err == nil {
				e.markPersisted(id)
			}
		}
		if err != nil {
			e.logger.Error("datasetengine: flush failed, will retry next cycle", zap.String("id", id), zap.Error(err))
			e.cache.reMarkDirty(id)
		}
	}
	if e.flushObserver != nil && len(ids) > 0 {
		e.flushObserver(time.Since(start))
	}
}

// Stats exposes counters for the metrics package.
type Stats struct {
	CacheSize int
	DirtySize int
	LocksHeld int
}

// Stats returns the current cache/dirty-set/lock counters.
func (e *Engine) Stats() Stats {
	return Stats{CacheSize: e.cache.size(), DirtySize: e.cache.dirtyCount(), LocksHeld: e.locks.size()}
}

// CreateDataset implements the creation-lock protocol and the 30-day
// two-sided ownership conflict check.
func (e *Engine) CreateDataset(ctx context.Context, user string, addr models.Address, residents []models.Resident, raw []byte) (*models.AddressDataset, error) {
	if !addr.IsComplete() {
		return nil, errx.ErrInvalidAddress.WithDetail(map[string]any{"missingFields": addr.MissingFields()})
	}
	if !housenumber.IsValid(addr.Number) {
		return nil, errx.ErrInvalidAddress.WithDetail(map[string]any{"invalidHouseNumber": addr.Number})
	}

	normalized, err := e.geo.Normalize(ctx, addr)
	if err != nil {
		return nil, eris.Wrap(err, "datasetengine: normalize address")
	}

	if conflict := e.findConflict(normalized); conflict != nil {
		return nil, conflictError(conflict, e.editWindow)
	}

	lockKey := models.LockKey(normalized.Canonical, user)
	sentinel := uuid.NewString()
	if !e.locks.acquire(lockKey, sentinel) {
		return nil, errx.ErrLockHeld
	}
	defer e.locks.release(lockKey, sentinel)

	// Re-check after acquiring the lock: another request may have completed
	// creation for this address while we were resolving the geocode call.
	if conflict := e.findConflict(normalized); conflict != nil {
		return nil, conflictError(conflict, e.editWindow)
	}

	dataset := models.NewAddressDataset(user, normalized, residents, raw)
	e.cache.put(dataset)
	e.cache.markDirty(dataset.ID)
	return dataset, nil
}

// withinWindow measures the two-sided ownership window: the distance from
// now to createdAt in either direction, so legacy future-skewed timestamps
// still count as "recent".
func withinWindow(createdAt time.Time, window time.Duration) bool {
	age := time.Since(createdAt)
	if age < 0 {
		age = -age
	}
	return age <= window
}

// findConflict returns the existing dataset that overlaps normalized's
// street, postal code, and house number within the ownership window, or nil.
func (e *Engine) findConflict(normalized models.NormalizedAddress) *models.AddressDataset {
	for _, d := range e.cache.all() {
		if d.NormalizedAddress.Street != normalized.Street || d.NormalizedAddress.Postal != normalized.Postal {
			continue
		}
		if !housenumber.Matches(d.HouseNumber, normalized.Number) {
			continue
		}
		if !withinWindow(d.CreatedAt, e.editWindow) {
			continue
		}
		return d
	}
	return nil
}

func conflictError(existing *models.AddressDataset, window time.Duration) error {
	daysSince := int(math.Floor(time.Since(existing.CreatedAt).Hours() / 24))
	if daysSince < 0 {
		daysSince = 0
	}
	daysUntil := int(math.Ceil(window.Hours()/24)) - daysSince
	if daysUntil < 0 {
		daysUntil = 0
	}
	return errx.ErrAddressConflict.WithDetail(map[string]any{
		"existingDataset":     existing,
		"daysSinceCreation":   daysSince,
		"daysUntilNewAllowed": daysUntil,
	})
}

// GetDatasetById returns the dataset with id, if present.
func (e *Engine) GetDatasetById(id string) (*models.AddressDataset, bool) {
	return e.cache.get(id)
}

// Match pairs a found dataset with whether its stored house number was only
// an overlap match (e.g. stored "1-3" found by searching "2") rather than an
// exact string match.
type Match struct {
	Dataset  *models.AddressDataset
	NonExact bool
}

// GetDatasetsByAddress normalizes addr and returns every cached dataset
// whose street, postal code, and house number overlap it, newest first,
// marking results whose house number is not an exact string match.
func (e *Engine) GetDatasetsByAddress(ctx context.Context, addr models.Address, limit int) ([]Match, error) {
	normalized, err := e.geo.Normalize(ctx, addr)
	if err != nil {
		return nil, eris.Wrap(err, "datasetengine: normalize address")
	}

	var out []Match
	for _, d := range e.cache.all() {
		if d.NormalizedAddress.Street != normalized.Street || d.NormalizedAddress.Postal != normalized.Postal {
			continue
		}
		if !housenumber.Matches(d.HouseNumber, normalized.Number) {
			continue
		}
		out = append(out, Match{Dataset: d, NonExact: d.HouseNumber != normalized.Number})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetUserDatasetsByDate returns every dataset user created on the calendar
// day of date (in loc), newest first.
func (e *Engine) GetUserDatasetsByDate(user string, date time.Time, loc *time.Location) []*models.AddressDataset {
	target := date.In(loc).Format("2006-01-02")
	var out []*models.AddressDataset
	for _, d := range e.cache.all() {
		if d.CreatedBy != user {
			continue
		}
		if d.CreatedAt.In(loc).Format("2006-01-02") != target {
			continue
		}
		out = append(out, d)
	}
	return out
}

// UpdateResident applies a single-entry edit, enforcing the 30-day
// creator-only ownership window.
func (e *Engine) UpdateResident(id string, index int, resident *models.Resident, user string) error {
	d, ok := e.cache.get(id)
	if !ok {
		return errx.ErrNotFound
	}
	if !d.CanEdit(user, e.editWindow) {
		return forbiddenError(d, e.editWindow)
	}
	d.UpdateResident(index, resident)
	e.cache.markDirty(id)
	return nil
}

// BulkUpdateResidents replaces the entire editable resident list in one call,
// enforcing the same ownership window as UpdateResident.
func (e *Engine) BulkUpdateResidents(id string, residents []models.Resident, user string) error {
	d, ok := e.cache.get(id)
	if !ok {
		return errx.ErrNotFound
	}
	if !d.CanEdit(user, e.editWindow) {
		return forbiddenError(d, e.editWindow)
	}
	d.BulkUpdateResidents(residents)
	e.cache.markDirty(id)
	return nil
}

func forbiddenError(d *models.AddressDataset, window time.Duration) error {
	daysSince := int(math.Floor(time.Since(d.CreatedAt).Hours() / 24))
	return errx.ErrForbidden.WithDetail(map[string]any{
		"createdBy":         d.CreatedBy,
		"daysSinceCreation": daysSince,
		"editWindowDays":    int(window.Hours() / 24),
	})
}

// toRow flattens a dataset into its backing-store row representation.
func toRow(d *models.AddressDataset) backingstore.DatasetRow {
	editable, _ := json.Marshal(d.EditableResidents())
	return backingstore.DatasetRow{
		ID:                d.ID,
		NormalizedAddress: d.NormalizedAddress.Canonical,
		Street:            d.Street,
		HouseNumber:       d.HouseNumber,
		City:              d.City,
		Postal:            d.Postal,
		CreatedBy:         d.CreatedBy,
		CreatedAtISO:      d.CreatedAt.Format(time.RFC3339),
		RawResidentData:   string(d.RawResidentData),
		ResidentsJSON:     string(editable),
	}
}

// fromRow reconstructs a dataset from its backing-store row.
func fromRow(row backingstore.DatasetRow) (*models.AddressDataset, error) {
	var residents []models.Resident
	if row.ResidentsJSON != "" {
		if err := json.Unmarshal([]byte(row.ResidentsJSON), &residents); err != nil {
			return nil, eris.Wrap(err, "datasetengine: unmarshal residents")
		}
	}
	createdAt, err := time.Parse(time.RFC3339, row.CreatedAtISO)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	normalized := models.NormalizedAddress{
		Canonical: row.NormalizedAddress,
		Street:    row.Street,
		Number:    row.HouseNumber,
		City:      row.City,
		Postal:    row.Postal,
	}
	d := models.NewAddressDataset(row.CreatedBy, normalized, residents, []byte(row.RawResidentData))
	d.ID = row.ID
	d.CreatedAt = createdAt
	return d, nil
}
