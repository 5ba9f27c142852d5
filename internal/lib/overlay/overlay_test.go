package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/geo"
)

func eastward(n int) []geo.Coordinate {
	out := make([]geo.Coordinate, n)
	for i := range out {
		out[i] = geo.Coordinate{Latitude: 0.5, Longitude: 105 + 0.001*float64(i)}
	}
	return out
}

func TestArrows_HundredPointPath(t *testing.T) {
	s := NewSynthesizer(DefaultConfig())
	path := eastward(100)

	arrows := s.Arrows(path)

	require.Len(t, arrows, 5, "arrow count is capped")
	for k, a := range arrows {
		assert.Equal(t, RoleDirection, a.Role)
		assert.Equal(t, path[10*(k+1)], a.Position)
		assert.InDelta(t, 90, a.Rotation, 0.01)
	}
}

func TestArrows_ShortPaths(t *testing.T) {
	s := NewSynthesizer(DefaultConfig())

	two := []geo.Coordinate{{Latitude: 21.0, Longitude: 105.8}, {Latitude: 21.1, Longitude: 105.8}}
	arrows := s.Arrows(two)
	require.Len(t, arrows, 1)
	assert.Equal(t, two[1], arrows[0].Position)
	assert.InDelta(t, 0, arrows[0].Rotation, 0.01, "heading north")

	// step is 1 below 20 points, so a 4 point path gets three arrows
	assert.Len(t, s.Arrows(eastward(4)), 3)
	// 25 points: step 2, indices 2,4,6,8,10
	arrows = s.Arrows(eastward(25))
	require.Len(t, arrows, 5)
	assert.Equal(t, eastward(25)[10], arrows[4].Position)

	assert.Empty(t, s.Arrows(eastward(1)))
	assert.Empty(t, s.Arrows(nil))
}

func TestStopMarkers(t *testing.T) {
	wps := eastward(3)
	markers := StopMarkers(wps, []string{"Ben xe Gia Lam", ""})

	require.Len(t, markers, 3)
	assert.Equal(t, "Ben xe Gia Lam", markers[0].Title)
	assert.Equal(t, "Stop 2", markers[1].Title)
	assert.Equal(t, "Stop 3", markers[2].Title)
	assert.Equal(t, RoleStop, markers[2].Role)
	assert.Equal(t, wps[2], markers[2].Position)
}

func TestAnnotate(t *testing.T) {
	s := NewSynthesizer(DefaultConfig())
	user := geo.Coordinate{Latitude: 0.51, Longitude: 105}
	wps := []geo.Coordinate{eastward(30)[0], eastward(30)[29]}

	out := s.Annotate(Input{Path: eastward(30), Waypoints: wps, StopNames: []string{"A", "B"}, User: &user})

	require.Len(t, out, 5+2+1)
	assert.Equal(t, RoleDirection, out[0].Role)
	assert.Equal(t, "A", out[5].Title)
	assert.Equal(t, RoleUser, out[7].Role)
	assert.Equal(t, user, out[7].Position)

	// Without a drawable path nothing is annotated, not even stops
	assert.Empty(t, s.Annotate(Input{Path: eastward(1), Waypoints: wps, User: &user}))

	// Invalid user position is dropped
	out = s.Annotate(Input{Path: eastward(3), Waypoints: wps, User: &geo.Coordinate{}})
	for _, a := range out {
		assert.NotEqual(t, RoleUser, a.Role)
	}
}
