package customercache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/housenumber"
	"github.com/canvassops/coordinator-service/internal/models"
)

// DefaultTTL is the cache lifetime for the master customer list.
const DefaultTTL = 5 * time.Minute

// Fetcher loads the entire customer master list from its backing store.
type Fetcher interface {
	FetchAllCustomers(ctx context.Context) ([]models.Customer, error)
}

// Metrics is the cache's hit/miss/refresh counters, read by internal/metrics.
type Metrics struct {
	Hits            int64
	Misses          int64
	Refreshes       int64
	RefreshErrors   int64
	LastRefreshTook time.Duration
}

// Cache is the TTL-cached, normalized master customer list.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	customers []models.Customer
	fetchedAt time.Time

	metricsMu sync.Mutex
	metrics   Metrics
}

// New constructs a Cache; the list is loaded lazily on first access.
func New(fetcher Fetcher, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{fetcher: fetcher, ttl: ttl, logger: logger}
}

// Invalidate forces the next access to refetch, used on customer creation.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

// Metrics returns a snapshot of the cache's counters.
func (c *Cache) Metrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

func (c *Cache) recordHit()  { c.metricsMu.Lock(); c.metrics.Hits++; c.metricsMu.Unlock() }
func (c *Cache) recordMiss() { c.metricsMu.Lock(); c.metrics.Misses++; c.metricsMu.Unlock() }

// list returns the current customer list, refetching and renormalizing if
// the TTL has expired.
func (c *Cache) list(ctx context.Context) ([]models.Customer, error) {
	c.mu.RLock()
	fresh := time.Since(c.fetchedAt) < c.ttl && !c.fetchedAt.IsZero()
	customers := c.customers
	c.mu.RUnlock()

	if fresh {
		c.recordHit()
		return customers, nil
	}
	c.recordMiss()
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) ([]models.Customer, error) {
	start := time.Now()
	raw, err := c.fetcher.FetchAllCustomers(ctx)
	took := time.Since(start)

	c.metricsMu.Lock()
	c.metrics.Refreshes++
	c.metrics.LastRefreshTook = took
	if err != nil {
		c.metrics.RefreshErrors++
	}
	c.metricsMu.Unlock()

	if err != nil {
		c.logger.Error("customercache: refresh failed, serving stale list", zap.Error(err))
		c.mu.RLock()
		stale := c.customers
		c.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	normalized := make([]models.Customer, 0, len(raw))
	for _, cust := range raw {
		street, number := cust.Street, cust.HouseNumber
		if strings.TrimSpace(number) == "" {
			var extracted string
			street, extracted = ExtractHouseNumber(street)
			if extracted == "" {
				c.logger.Warn("customercache: dropping customer with no extractable house number",
					zap.String("id", cust.ID), zap.String("street", cust.Street))
				continue
			}
			number = extracted
		}
		cust.Street = street
		cust.HouseNumber = number
		cust.NormalizedStreet = NormalizeStreet(street)
		normalized = append(normalized, cust)
	}

	c.mu.Lock()
	c.customers = normalized
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("customercache: refreshed", zap.Int("count", len(normalized)), zap.Duration("took", took))
	return normalized, nil
}

// SearchCustomers narrows by postal code and fuzzy street if an address is
// given, then by house-number overlap, then by name token overlap, and
// deduplicates the final result by customer id.
func (c *Cache) SearchCustomers(ctx context.Context, name string, address *models.Address) ([]models.Customer, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	candidates := all
	if address != nil {
		candidates = filterByAddress(all, *address)
	}

	if strings.TrimSpace(name) == "" {
		return dedupeByID(candidates), nil
	}

	var out []models.Customer
	for _, cust := range candidates {
		if namesOverlap(name, cust.Name) {
			out = append(out, cust)
		}
	}
	return dedupeByID(out), nil
}

func filterByAddress(customers []models.Customer, addr models.Address) []models.Customer {
	postal := strings.ToLower(strings.TrimSpace(addr.Postal))
	normalizedStreet := NormalizeStreet(addr.Street)

	var byPostal []models.Customer
	for _, cust := range customers {
		if strings.ToLower(strings.TrimSpace(cust.Postal)) == postal {
			byPostal = append(byPostal, cust)
		}
	}

	var byStreet []models.Customer
	for _, cust := range byPostal {
		if streetsMatch(cust.NormalizedStreet, normalizedStreet) {
			byStreet = append(byStreet, cust)
		}
	}

	if strings.TrimSpace(addr.Number) == "" {
		return byStreet
	}

	var byNumber []models.Customer
	for _, cust := range byStreet {
		if housenumber.Matches(cust.HouseNumber, addr.Number) {
			byNumber = append(byNumber, cust)
		}
	}
	return byNumber
}

func dedupeByID(customers []models.Customer) []models.Customer {
	seen := make(map[string]struct{}, len(customers))
	out := make([]models.Customer, 0, len(customers))
	for _, cust := range customers {
		if _, ok := seen[cust.ID]; ok {
			continue
		}
		seen[cust.ID] = struct{}{}
		out = append(out, cust)
	}
	return out
}
