package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bnfone/discord-bot-alastor/pkg/station"
	"github.com/bnfone/discord-bot-alastor/pkg/telemetry"
)

const (
	// DefaultEntryTTL is how long a successful resolution stays reusable.
	DefaultEntryTTL = 5 * time.Minute

	// DefaultFailureTTL is the short TTL applied after a failed resolution
	// or probe, bounding retry pressure on a broken source.
	DefaultFailureTTL = 30 * time.Second
)

// URLResolver is the part of the Resolver the cache depends on.
type URLResolver interface {
	Resolve(ctx context.Context, sourceURL string) (string, error)
}

// HealthChecker is the part of the Prober the cache depends on.
type HealthChecker interface {
	Check(ctx context.Context, playableURL string) Health
}

type cacheEntry struct {
	playableURL string
	resolvedAt  time.Time
	expiresAt   time.Time
	health      Health
	checkedAt   time.Time
}

// Cache memoizes resolver output per station with a TTL and last known
// health. Concurrent requests for the same station share a single in-flight
// resolution.
type Cache struct {
	resolver   URLResolver
	prober     HealthChecker
	entryTTL   time.Duration
	failureTTL time.Duration
	now        func() time.Time
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

// NewCache creates a resolution cache with the default TTLs.
func NewCache(resolver URLResolver, prober HealthChecker, metrics *telemetry.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		resolver:   resolver,
		prober:     prober,
		entryTTL:   DefaultEntryTTL,
		failureTTL: DefaultFailureTTL,
		now:        time.Now,
		metrics:    metrics,
		logger:     logger.With().Str("component", "resolution_cache").Logger(),
		entries:    make(map[string]*cacheEntry),
	}
}

// GetOrResolve returns a playable URL for the station, resolving and
// probing on miss or expiry. Cancelling ctx stops this caller's wait but
// never the shared in-flight resolution other callers are awaiting.
func (c *Cache) GetOrResolve(ctx context.Context, st *station.Definition) (string, error) {
	if url, ok := c.lookup(st.Name); ok {
		c.metrics.CacheHit()
		return url, nil
	}
	c.metrics.CacheMiss()

	ch := c.group.DoChan(st.Name, func() (interface{}, error) {
		return c.refresh(st)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Lookup reads the cached entry for a station without triggering a
// resolution. Expired or unhealthy entries are treated as absent.
func (c *Cache) Lookup(stationName string) (string, bool) {
	return c.lookup(stationName)
}

func (c *Cache) lookup(stationName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[stationName]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		return "", false
	}
	if e.health == Unhealthy {
		return "", false
	}
	return e.playableURL, true
}

// refresh runs inside the singleflight group. It deliberately uses its own
// timeout instead of any caller's context so one caller's cancellation
// cannot fail the waiters sharing the flight.
func (c *Cache) refresh(st *station.Definition) (string, error) {
	if url, ok := c.lookup(st.Name); ok {
		return url, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout+defaultProbeTimeout)
	defer cancel()

	c.metrics.Resolution()
	now := c.now()
	playableURL, err := c.resolver.Resolve(ctx, st.URL)
	if err != nil {
		c.metrics.ResolutionError()
		c.store(st.Name, &cacheEntry{
			expiresAt: now.Add(c.failureTTL),
			health:    Unhealthy,
			checkedAt: now,
		})
		c.logger.Warn().Err(err).Str("station", st.Name).Msg("resolution failed")
		return "", err
	}

	health := c.prober.Check(ctx, playableURL)
	ttl := c.entryTTL
	if health == Unhealthy {
		// A failed probe downgrades the entry but does not abort the
		// caller's play attempt.
		c.metrics.ProbeUnhealthy()
		ttl = c.failureTTL
		c.logger.Warn().Str("station", st.Name).Str("url", playableURL).Msg("health probe failed")
	}
	c.store(st.Name, &cacheEntry{
		playableURL: playableURL,
		resolvedAt:  now,
		expiresAt:   now.Add(ttl),
		health:      health,
		checkedAt:   now,
	})
	return playableURL, nil
}

func (c *Cache) store(stationName string, e *cacheEntry) {
	c.mu.Lock()
	c.entries[stationName] = e
	c.mu.Unlock()
}

// EvictExpired removes entries past their TTL whose station is not
// currently referenced by any guild. It returns the number of evictions.
func (c *Cache) EvictExpired(inUse func(stationName string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for name, e := range c.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		if inUse != nil && inUse(name) {
			continue
		}
		delete(c.entries, name)
		evicted++
	}
	return evicted
}

// Purge drops every entry. Called on configuration reload so stale source
// URLs cannot outlive the stations that produced them.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
