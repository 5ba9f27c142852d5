package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/busmap/server/internal/cache"
	"github.com/busmap/server/internal/lib/transit"
)

// DefaultInvalidationSubject carries catalog change notifications
const DefaultInvalidationSubject = "busmap.catalog.updated"

const (
	linesKey    = "catalog:lines"
	stationsKey = "catalog:stations"
)

// Cached wraps a DataStore with a TTL cache. When a refresh fails, data up to
// twice the refresh interval old is served instead of the error.
type Cached struct {
	backend         DataStore
	source          string
	refreshInterval time.Duration
	lines           *cache.Cache[[]transit.BusLine]
	stations        *cache.Cache[[]transit.Station]

	mu        sync.Mutex
	listeners []func()
}

// NewCached creates a caching wrapper; source names the backend in cache metadata
func NewCached(backend DataStore, source string, refreshInterval time.Duration) *Cached {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &Cached{
		backend:         backend,
		source:          source,
		refreshInterval: refreshInterval,
		lines:           cache.NewCache[[]transit.BusLine](),
		stations:        cache.NewCache[[]transit.Station](),
	}
}

func (c *Cached) GetAllBusLines(ctx context.Context) ([]transit.BusLine, error) {
	if lines, ok := c.lines.Get(linesKey); ok {
		return lines, nil
	}

	lines, err := c.backend.GetAllBusLines(ctx)
	if err != nil {
		if entry, ok := c.lines.GetWithMetadata(linesKey); ok && !c.lines.IsVeryStale(linesKey) {
			log.Printf("Catalog refresh failed, serving bus lines cached at %s: %v", entry.CreatedAt.Format(time.RFC3339), err)
			return entry.Value, nil
		}
		return nil, fmt.Errorf("failed to load bus lines: %w", err)
	}

	c.lines.Set(linesKey, lines, c.refreshInterval, c.source)
	return lines, nil
}

// GetBusLineByID looks the line up in the cached list
func (c *Cached) GetBusLineByID(ctx context.Context, id string) (*transit.BusLine, error) {
	lines, err := c.GetAllBusLines(ctx)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if line.ID == id {
			l := line
			return &l, nil
		}
	}
	return nil, fmt.Errorf("bus line %s: %w", id, ErrNotFound)
}

func (c *Cached) GetAllStations(ctx context.Context) ([]transit.Station, error) {
	if stations, ok := c.stations.Get(stationsKey); ok {
		return stations, nil
	}

	stations, err := c.backend.GetAllStations(ctx)
	if err != nil {
		if entry, ok := c.stations.GetWithMetadata(stationsKey); ok && !c.stations.IsVeryStale(stationsKey) {
			log.Printf("Catalog refresh failed, serving stations cached at %s: %v", entry.CreatedAt.Format(time.RFC3339), err)
			return entry.Value, nil
		}
		return nil, fmt.Errorf("failed to load stations: %w", err)
	}

	c.stations.Set(stationsKey, stations, c.refreshInterval, c.source)
	return stations, nil
}

// Invalidate marks the cached catalog stale so the next read refreshes it, then
// notifies listeners. Stale data stays available as a fallback.
func (c *Cached) Invalidate() {
	c.lines.Expire()
	c.stations.Expire()

	c.mu.Lock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnInvalidate registers fn to run after every invalidation
func (c *Cached) OnInvalidate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SubscribeInvalidation invalidates the cache whenever a message arrives on subject
func (c *Cached) SubscribeInvalidation(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultInvalidationSubject
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		log.Printf("Catalog update received on %s, invalidating cache", msg.Subject)
		c.Invalidate()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// StartPeriodicCleanup drops entries too old to serve as a fallback
func (c *Cached) StartPeriodicCleanup(ctx context.Context) {
	c.lines.StartPeriodicCleanup(ctx, c.refreshInterval)
	c.stations.StartPeriodicCleanup(ctx, c.refreshInterval)
}

// CacheStats reports the state of both caches
func (c *Cached) CacheStats() (lines, stations cache.Stats) {
	return c.lines.Stats(), c.stations.Stats()
}
