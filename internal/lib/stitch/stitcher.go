// Package stitch turns a list of waypoints into one road-following polyline by
// routing overlapping chunks of waypoints and concatenating the results.
package stitch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"golang.org/x/sync/errgroup"

	"github.com/busmap/server/internal/lib/geo"
)

// Stitcher routes waypoint chunks through a RoutingService
type Stitcher struct {
	service  RoutingService
	config   Config
	observer Observer
}

// Option configures a Stitcher
type Option func(*Stitcher)

// WithObserver reports chunk outcomes to o
func WithObserver(o Observer) Option {
	return func(s *Stitcher) {
		s.observer = o
	}
}

// NewStitcher creates a stitcher. Invalid config values fall back to the defaults.
func NewStitcher(service RoutingService, config Config, opts ...Option) *Stitcher {
	defaults := DefaultConfig()
	if config.ChunkSize < 2 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = defaults.ChunkTimeout
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}

	s := &Stitcher{service: service, config: config}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type chunk struct {
	first, last int // inclusive waypoint indices
}

// chunks splits n waypoints so that each chunk starts at the previous chunk's
// last waypoint. A single waypoint yields no chunks.
func chunks(n, size int) []chunk {
	var out []chunk
	for start := 0; start < n-1; start += size - 1 {
		end := min(start+size, n)
		out = append(out, chunk{first: start, last: end - 1})
	}
	return out
}

type chunkResult struct {
	points []geo.Coordinate
	source Source
	err    error
}

// Stitch never fails: chunks whose routing fails are replaced by the straight
// line through their waypoints.
func (s *Stitcher) Stitch(ctx context.Context, waypoints []geo.Coordinate) Path {
	ctx = logging.EnsureLogger(ctx)
	if len(waypoints) < 2 {
		return Path{Points: append([]geo.Coordinate(nil), waypoints...)}
	}

	started := time.Now()
	parts := chunks(len(waypoints), s.config.ChunkSize)
	results := make([]chunkResult, len(parts))

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConcurrency)
	for i, c := range parts {
		g.Go(func() error {
			results[i] = s.routeChunk(ctx, waypoints[c.first:c.last+1])
			return nil
		})
	}
	_ = g.Wait()

	path := Path{Segments: make([]Segment, 0, len(parts))}
	for i, c := range parts {
		r := results[i]
		points := r.points
		if i > 0 {
			points = points[1:]
		}
		path.Points = append(path.Points, points...)

		seg := Segment{FirstWaypoint: c.first, LastWaypoint: c.last, Source: r.source, Points: len(r.points)}
		if r.err != nil {
			seg.Error = r.err.Error()
		}
		path.Segments = append(path.Segments, seg)

		if s.observer != nil {
			s.observer.ObserveChunk(r.source)
		}
	}

	if s.observer != nil {
		s.observer.ObserveStitch(time.Since(started), path.Degraded())
	}
	if path.Degraded() {
		logging.Warnw(ctx, "Stitch: path degraded to straight segments",
			"waypoints", len(waypoints), "chunks", len(parts))
	}
	return path
}

func (s *Stitcher) routeChunk(ctx context.Context, waypoints []geo.Coordinate) (result chunkResult) {
	fallback := chunkResult{
		points: append([]geo.Coordinate(nil), waypoints...),
		source: SourceStraight,
	}

	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Stitch: recovered from panic in routing service",
				"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
			result = fallback
			result.err = fmt.Errorf("routing service panicked: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		fallback.err = err
		return fallback
	}

	chunkCtx, cancel := context.WithTimeout(ctx, s.config.ChunkTimeout)
	defer cancel()

	points, err := s.service.Route(chunkCtx, waypoints)
	if err != nil {
		logging.Debugw(ctx, "Stitch: chunk fell back to straight line", "waypoints", len(waypoints), "error", err)
		fallback.err = err
		return fallback
	}
	if len(points) < 2 {
		fallback.err = fmt.Errorf("routing service returned %d points", len(points))
		return fallback
	}

	return chunkResult{points: points, source: SourceRoad}
}
