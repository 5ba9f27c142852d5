package stitch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/geo"
)

func waypoints(n int) []geo.Coordinate {
	out := make([]geo.Coordinate, n)
	for i := range out {
		out[i] = geo.Coordinate{Latitude: 21.0 + 0.01*float64(i), Longitude: 105.8}
	}
	return out
}

// recordingService densifies each chunk by inserting a midpoint between
// consecutive waypoints, and records every call it receives.
type recordingService struct {
	mu    sync.Mutex
	calls [][]geo.Coordinate
	fail  func(call []geo.Coordinate) error
	delay func() time.Duration
}

func (s *recordingService) Route(ctx context.Context, wps []geo.Coordinate) ([]geo.Coordinate, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]geo.Coordinate(nil), wps...))
	s.mu.Unlock()

	if s.delay != nil {
		select {
		case <-time.After(s.delay()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		if err := s.fail(wps); err != nil {
			return nil, err
		}
	}

	var out []geo.Coordinate
	for i, p := range wps {
		if i > 0 {
			prev := wps[i-1]
			out = append(out, geo.Coordinate{
				Latitude:  (prev.Latitude + p.Latitude) / 2,
				Longitude: (prev.Longitude + p.Longitude) / 2,
			})
		}
		out = append(out, p)
	}
	return out, nil
}

type countingObserver struct {
	mu       sync.Mutex
	sources  []Source
	degraded bool
	stitches int
}

func (o *countingObserver) ObserveChunk(source Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, source)
}

func (o *countingObserver) ObserveStitch(_ time.Duration, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stitches++
	o.degraded = degraded
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []chunk{{0, 4}, {4, 8}, {8, 10}}, chunks(11, 5))
	assert.Equal(t, []chunk{{0, 4}}, chunks(5, 5))
	assert.Equal(t, []chunk{{0, 4}, {4, 5}}, chunks(6, 5))
	assert.Equal(t, []chunk{{0, 1}}, chunks(2, 5))
	assert.Empty(t, chunks(1, 5))
	assert.Empty(t, chunks(0, 5))
}

func TestStitch_ElevenWaypointsThreeCalls(t *testing.T) {
	service := &recordingService{}
	observer := &countingObserver{}
	stitcher := NewStitcher(service, DefaultConfig(), WithObserver(observer))
	wps := waypoints(11)

	path := stitcher.Stitch(context.Background(), wps)

	require.Len(t, service.calls, 3)
	assert.False(t, path.Degraded())
	assert.Equal(t, []Source{SourceRoad, SourceRoad, SourceRoad}, observer.sources)
	assert.Equal(t, 1, observer.stitches)

	// Each waypoint appears once and midpoints fill every gap: 11 + 10 points
	require.Len(t, path.Points, 21)
	for i, wp := range wps {
		assert.Equal(t, wp, path.Points[2*i], "waypoint %d out of place", i)
	}
	for i := 1; i < len(path.Points); i++ {
		assert.NotEqual(t, path.Points[i-1], path.Points[i], "duplicate at chunk boundary, index %d", i)
	}
}

func TestStitch_AllChunksFailReproducesWaypoints(t *testing.T) {
	service := &recordingService{fail: func([]geo.Coordinate) error { return errors.New("503") }}
	observer := &countingObserver{}
	stitcher := NewStitcher(service, DefaultConfig(), WithObserver(observer))
	wps := waypoints(11)

	path := stitcher.Stitch(context.Background(), wps)

	assert.Equal(t, wps, path.Points)
	assert.True(t, path.Degraded())
	assert.True(t, observer.degraded)
	for _, seg := range path.Segments {
		assert.Equal(t, SourceStraight, seg.Source)
		assert.Equal(t, "503", seg.Error)
	}
}

func TestStitch_MiddleChunkFallsBack(t *testing.T) {
	wps := waypoints(11)
	service := &recordingService{fail: func(call []geo.Coordinate) error {
		if call[0] == wps[4] {
			return errors.New("no route")
		}
		return nil
	}}

	path := NewStitcher(service, DefaultConfig()).Stitch(context.Background(), wps)

	require.Len(t, path.Segments, 3)
	assert.Equal(t, SourceRoad, path.Segments[0].Source)
	assert.Equal(t, SourceStraight, path.Segments[1].Source)
	assert.Equal(t, SourceRoad, path.Segments[2].Source)

	// 9 from the first chunk, 4 straight waypoints, 4 from the last chunk
	require.Len(t, path.Points, 17)
	assert.Equal(t, wps[4:9], path.Points[8:13])
	assert.Equal(t, wps[10], path.Points[len(path.Points)-1])

	polylines := path.SegmentPoints()
	require.Len(t, polylines, 3)
	assert.Len(t, polylines[0], 9)
	assert.Equal(t, wps[4:9], polylines[1])
	assert.Len(t, polylines[2], 5)
	assert.Equal(t, polylines[1][4], polylines[2][0], "segments share their joining point")
}

func TestStitch_ShortGeometryIsFailure(t *testing.T) {
	service := RoutingServiceFunc(func(ctx context.Context, wps []geo.Coordinate) ([]geo.Coordinate, error) {
		return wps[:1], nil
	})
	wps := waypoints(3)

	path := NewStitcher(service, DefaultConfig()).Stitch(context.Background(), wps)
	assert.Equal(t, wps, path.Points)
	assert.True(t, path.Degraded())
}

func TestStitch_ChunkTimeout(t *testing.T) {
	wps := waypoints(9)
	service := &recordingService{delay: func() time.Duration { return time.Hour }}
	config := DefaultConfig()
	config.ChunkTimeout = 30 * time.Millisecond

	started := time.Now()
	path := NewStitcher(service, config).Stitch(context.Background(), wps)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, wps, path.Points)
	for _, seg := range path.Segments {
		assert.Equal(t, SourceStraight, seg.Source)
		assert.Contains(t, seg.Error, "deadline")
	}
}

func TestStitch_OrderPreservedUnderConcurrency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var mu sync.Mutex
	service := &recordingService{delay: func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(20)) * time.Millisecond
	}}
	config := DefaultConfig()
	config.MaxConcurrency = 8
	wps := waypoints(41)

	path := NewStitcher(service, config).Stitch(context.Background(), wps)

	require.Len(t, service.calls, 10)
	require.Len(t, path.Points, 81)
	for i, wp := range wps {
		assert.Equal(t, wp, path.Points[2*i])
	}
}

func TestStitch_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := &recordingService{}
	wps := waypoints(11)
	path := NewStitcher(service, DefaultConfig()).Stitch(ctx, wps)

	assert.Empty(t, service.calls, "cancelled stitch must not call the routing service")
	assert.Equal(t, wps, path.Points)
}

func TestStitch_PanickingServiceFallsBack(t *testing.T) {
	service := RoutingServiceFunc(func(ctx context.Context, wps []geo.Coordinate) ([]geo.Coordinate, error) {
		panic("decoder bug")
	})
	wps := waypoints(4)

	path := NewStitcher(service, DefaultConfig()).Stitch(context.Background(), wps)
	assert.Equal(t, wps, path.Points)
	assert.Contains(t, path.Segments[0].Error, "panicked")
}

func TestStitch_DegenerateInput(t *testing.T) {
	service := &recordingService{}
	stitcher := NewStitcher(service, DefaultConfig())

	assert.Empty(t, stitcher.Stitch(context.Background(), nil).Points)
	single := waypoints(1)
	assert.Equal(t, single, stitcher.Stitch(context.Background(), single).Points)
	assert.Empty(t, service.calls)
}

func TestStitch_PlainContextDegraded(t *testing.T) {
	failing := RoutingServiceFunc(func(ctx context.Context, wps []geo.Coordinate) ([]geo.Coordinate, error) {
		return nil, errors.New("router down")
	})
	panicking := RoutingServiceFunc(func(ctx context.Context, wps []geo.Coordinate) ([]geo.Coordinate, error) {
		panic("decoder bug")
	})
	wps := waypoints(2)

	for _, service := range []RoutingService{failing, panicking} {
		var path Path
		assert.NotPanics(t, func() {
			path = NewStitcher(service, DefaultConfig()).Stitch(context.Background(), wps)
		})
		assert.Equal(t, wps, path.Points)
		assert.True(t, path.Degraded())
	}
}
