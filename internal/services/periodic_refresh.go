package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/busmap/server/internal/store"
)

// PeriodicRefreshService keeps the catalog cache warm by reading it on a timer,
// and rebuilds the station index from whatever the read returned.
type PeriodicRefreshService struct {
	catalog  store.DataStore
	index    *store.StationIndex
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewPeriodicRefreshService creates a refresher; index may be nil
func NewPeriodicRefreshService(catalog store.DataStore, index *store.StationIndex, interval time.Duration) *PeriodicRefreshService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PeriodicRefreshService{
		catalog:  catalog,
		index:    index,
		interval: interval,
		timeout:  2 * time.Minute,
	}
}

// StartPeriodicRefresh refreshes once immediately, then every interval
func (p *PeriodicRefreshService) StartPeriodicRefresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})

	log.Printf("Starting catalog refresh every %v", p.interval)
	go p.refreshLoop(ctx, p.stopChan)
}

// Stop ends the refresh loop
func (p *PeriodicRefreshService) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
	log.Printf("Stopped catalog refresh")
}

// IsRunning returns whether periodic refresh is active
func (p *PeriodicRefreshService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicRefreshService) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Catalog refresh stopping due to context cancellation")
			return
		case <-stop:
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh reads the catalog once. A cached store refreshes itself on the read
// when its entries are stale.
func (p *PeriodicRefreshService) Refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.catalog.GetAllBusLines(refreshCtx); err != nil {
		log.Printf("Catalog refresh failed for bus lines: %v", err)
	}
	if p.index == nil {
		return
	}
	if err := p.index.Reload(refreshCtx, p.catalog); err != nil {
		log.Printf("Catalog refresh failed for stations: %v", err)
		return
	}
	log.Printf("Catalog refresh: %d stations indexed", p.index.Len())
}
