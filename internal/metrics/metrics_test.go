package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/lib/stitch"
)

var (
	_ location.Observer = (*Collector)(nil)
	_ stitch.Observer   = (*Collector)(nil)
)

func TestCollector_Observations(t *testing.T) {
	c := NewCollector()

	c.ObserveFix(location.StageCache, 0)
	c.ObserveFix(location.StageStream, 3)
	c.ObserveFix(location.StageStream, 4)
	c.ObserveFailure(location.NoPermission)
	c.ObserveChunk(stitch.SourceRoad)
	c.ObserveChunk(stitch.SourceStraight)
	c.ObserveStitch(120*time.Millisecond, true)
	c.ObserveStitch(80*time.Millisecond, false)
	c.ObserveRouteMatch("found")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.LocationFixes.WithLabelValues("stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LocationFixes.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LocationFailures.WithLabelValues("no_permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StitchChunks.WithLabelValues("straight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StitchDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RouteMatches.WithLabelValues("found")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.ObserveRouteMatch("none")
	c.CatalogLines.Set(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `busmap_route_matches_total{result="none"} 1`)
	assert.Contains(t, string(body), "busmap_catalog_lines 2")
}
