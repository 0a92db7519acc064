package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// Backend names accepted by cache.backend.
const (
	BackendNone      = "none"
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
)

// Cache stores raw forecasts. Get returns cached data if present and not expired,
// Set stores data with TTL. Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (*models.Forecast, bool, error)
	Set(ctx context.Context, key string, value *models.Forecast, ttl time.Duration) error
}

// Pinger is implemented by caches with a remote backend; used by /health.
type Pinger interface {
	Ping() error
}

// Key builds the cache key of a forecast request: coordinates rounded to four
// decimals, the sorted hourly variable set, and whether current_weather was requested.
func Key(lat, lon float64, hourly []string, currentWeather bool) string {
	vars := append([]string(nil), hourly...)
	sort.Strings(vars)

	var b strings.Builder
	b.WriteString(strconv.FormatFloat(lat, 'f', 4, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(lon, 'f', 4, 64))
	b.WriteByte('|')
	b.WriteString(strings.Join(vars, ","))
	if currentWeather {
		b.WriteString("|current")
	}
	return b.String()
}

// DefaultMaxEntries bounds an InMemoryCache built by NewInMemoryCache.
const DefaultMaxEntries = 10000

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access and swept when the cache is full;
// a full cache with no expired entries evicts the entry closest to expiry.
type InMemoryCache struct {
	mu         sync.Mutex
	data       map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

type cacheEntry struct {
	value     *models.Forecast
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache holding up to DefaultMaxEntries forecasts.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithSize(DefaultMaxEntries)
}

// NewInMemoryCacheWithSize creates an in-memory cache holding up to maxEntries
// forecasts. maxEntries <= 0 means DefaultMaxEntries.
func NewInMemoryCacheWithSize(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &InMemoryCache{
		data:       make(map[string]cacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get retrieves the forecast for key if present and not expired.
// Returns (data, true, nil) on hit, (nil, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (*models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores the forecast with the given TTL. Stored forecasts must not be mutated afterwards.
func (c *InMemoryCache) Set(ctx context.Context, key string, value *models.Forecast, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.data) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Sweep removes every expired entry and returns how many were removed.
func (c *InMemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *InMemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

func (c *InMemoryCache) evictSoonestLocked() {
	var (
		victim string
		soon   time.Time
		found  bool
	)
	for k, e := range c.data {
		if !found || e.expiresAt.Before(soon) {
			victim, soon, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.data, victim)
	}
}

// SweepPeriodic calls Sweep every interval until ctx is done. A non-positive
// interval disables sweeping.
func (c *InMemoryCache) SweepPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
