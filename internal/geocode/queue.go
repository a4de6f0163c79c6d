package geocode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/canvassops/coordinator-service/internal/models"
)

// Queue is the single global, single-slot geocode queue: callers await their
// turn, at most one request is in flight at a time, and consecutive
// provider calls are spaced at least minSpacing apart. It is implemented as
// a mutex-guarded "not before" marker rather than a rate.Limiter token
// bucket, since there is exactly one caller executing at any instant and the
// requirement is an explicit inter-request floor, not a burst allowance.
type Queue struct {
	// turnMu serializes callers: whoever holds it owns the single slot.
	turnMu sync.Mutex

	mu         sync.Mutex
	notBefore  time.Time
	minSpacing time.Duration
	processing bool
	queueLen   int
	lastReq    time.Time

	primary  Provider
	logger   *zap.Logger
	batchCap int
}

// NewQueue constructs the queue around primary, pacing successive provider
// calls by minSpacing.
func NewQueue(primary Provider, minSpacing time.Duration, batchCap int, logger *zap.Logger) *Queue {
	if batchCap <= 0 {
		batchCap = 4
	}
	return &Queue{
		primary:    primary,
		minSpacing: minSpacing,
		batchCap:   batchCap,
		logger:     logger,
	}
}

// Snapshot is the monitoring view exposed by GET /geocode/status.
type Snapshot struct {
	QueueLength   int       `json:"queueLength"`
	Processing    bool      `json:"processing"`
	LastRequestAt time.Time `json:"lastRequestAt"`
}

// Status returns the current queue monitoring snapshot.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{QueueLength: q.queueLen, Processing: q.processing, LastRequestAt: q.lastReq}
}

// acquireTurn blocks the caller's goroutine until it is this request's turn
// to execute against the provider, honoring the minimum inter-request
// spacing. A caller whose ctx expires while waiting still holds its turn
// and executes when it arrives; the result is simply discarded by the
// caller. This is an accepted trade-off, not a bug.
func (q *Queue) acquireTurn() func() {
	q.mu.Lock()
	q.queueLen++
	q.mu.Unlock()

	// The turn mutex is the queue: goroutines park here in FIFO-ish order
	// and exactly one owns the slot at a time, so the notBefore marker is
	// only ever consulted by the slot owner and the spacing floor holds even
	// under concurrent callers.
	q.turnMu.Lock()

	q.mu.Lock()
	wait := time.Until(q.notBefore)
	q.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	q.mu.Lock()
	q.processing = true
	q.lastReq = time.Now()
	q.notBefore = q.lastReq.Add(q.minSpacing)
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		q.processing = false
		q.queueLen--
		q.mu.Unlock()
		q.turnMu.Unlock()
	}
}

// Normalize runs the two-step cascade: full address
// against the primary provider, then a street-only retry after the next
// paced slot, then the unvalidated trivial fallback.
func (q *Queue) Normalize(ctx context.Context, addr models.Address) (models.NormalizedAddress, error) {
	release := q.acquireTurn()
	result, err := q.tryPrimary(ctx, AddressInput{
		Street: addr.Street,
		Number: addr.Number,
		Postal: addr.Postal,
		City:   addr.City,
	})
	release()
	if err != nil {
		q.logger.Warn("geocode: primary attempt failed", zap.Error(err))
	}
	if result != nil {
		return toNormalized(*result, addr.Number, false), nil
	}

	release = q.acquireTurn()
	result, err = q.tryPrimary(ctx, AddressInput{Street: addr.Street, Postal: addr.Postal, City: addr.City})
	release()
	if err != nil {
		q.logger.Warn("geocode: street-only retry failed", zap.Error(err))
	}
	if result != nil {
		// Street-only retry: the caller-supplied number is authoritative,
		// since the provider was never given it.
		normalized := toNormalized(*result, addr.Number, false)
		normalized.Number = addr.Number
		return normalized, nil
	}

	return TrivialFallback(addr), nil
}

func (q *Queue) tryPrimary(ctx context.Context, in AddressInput) (*Result, error) {
	if q.primary == nil || !q.primary.Available() {
		return nil, nil
	}
	return q.primary.Geocode(ctx, in)
}

func toNormalized(r Result, fallbackNumber string, unvalidated bool) models.NormalizedAddress {
	number := r.Number
	if number == "" {
		number = fallbackNumber
	}
	return models.NormalizedAddress{
		Canonical:   r.FormattedAddress,
		Street:      r.Street,
		Number:      number,
		City:        r.City,
		Postal:      r.Postal,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Unvalidated: unvalidated,
	}
}

// BatchNormalize resolves many addresses concurrently, bounding fan-out with
// errgroup.SetLimit so bulk callers (the historical overlay's bulk address
// resolution, the reconciler's worksheet parse) cannot starve the serial
// queue's pacing for everyone else; each individual Normalize call still
// goes through the same acquireTurn gate.
func (q *Queue) BatchNormalize(ctx context.Context, addrs []models.Address) ([]models.NormalizedAddress, error) {
	out := make([]models.NormalizedAddress, len(addrs))
	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(q.batchCap)

	for i, addr := range addrs {
		i, addr := i, addr
		eg.Go(func() error {
			n, err := q.Normalize(gCtx, addr)
			if err != nil {
				return err
			}
			out[i] = n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
