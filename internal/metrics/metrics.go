package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/lib/stitch"
)

// Collector owns a private registry so tests can build as many as they like.
// It satisfies location.Observer and stitch.Observer.
type Collector struct {
	reg *prometheus.Registry

	LocationFixes    *prometheus.CounterVec // stage label: cache|stream|best_effort
	LocationAttempts prometheus.Histogram
	LocationFailures *prometheus.CounterVec // reason label

	RouteMatches *prometheus.CounterVec // result label: found|none|unavailable

	StitchChunks   *prometheus.CounterVec // source label: road|straight
	StitchDuration prometheus.Histogram
	StitchDegraded prometheus.Counter

	CatalogLines    prometheus.Gauge
	CatalogStations prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LocationFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_location_fixes_total",
			Help: "Accepted location fixes by acquisition stage.",
		}, []string{"stage"}),
		LocationAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busmap_location_attempts",
			Help:    "Live updates read before a fix was accepted.",
			Buckets: prometheus.LinearBuckets(0, 1, 16),
		}),
		LocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_location_failures_total",
			Help: "Failed location acquisitions by reason.",
		}, []string{"reason"}),
		RouteMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_route_matches_total",
			Help: "Route lookups by result.",
		}, []string{"result"}),
		StitchChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busmap_stitch_chunks_total",
			Help: "Stitched chunks by geometry source.",
		}, []string{"source"}),
		StitchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busmap_stitch_duration_seconds",
			Help:    "Time to stitch a full path.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		StitchDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busmap_stitch_degraded_total",
			Help: "Stitched paths with at least one straight-line chunk.",
		}),
		CatalogLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmap_catalog_lines",
			Help: "Bus lines in the catalog at the last lookup.",
		}),
		CatalogStations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busmap_catalog_stations",
			Help: "Stations in the spatial index.",
		}),
	}

	reg.MustRegister(
		c.LocationFixes, c.LocationAttempts, c.LocationFailures,
		c.RouteMatches,
		c.StitchChunks, c.StitchDuration, c.StitchDegraded,
		c.CatalogLines, c.CatalogStations,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the registry for tests and extra collectors
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) ObserveFix(stage string, attempts int) {
	c.LocationFixes.WithLabelValues(stage).Inc()
	c.LocationAttempts.Observe(float64(attempts))
}

func (c *Collector) ObserveFailure(reason location.Reason) {
	c.LocationFailures.WithLabelValues(string(reason)).Inc()
}

func (c *Collector) ObserveChunk(source stitch.Source) {
	c.StitchChunks.WithLabelValues(string(source)).Inc()
}

func (c *Collector) ObserveStitch(duration time.Duration, degraded bool) {
	c.StitchDuration.Observe(duration.Seconds())
	if degraded {
		c.StitchDegraded.Inc()
	}
}

// ObserveRouteMatch counts a route lookup; result is found, none or unavailable
func (c *Collector) ObserveRouteMatch(result string) {
	c.RouteMatches.WithLabelValues(result).Inc()
}
