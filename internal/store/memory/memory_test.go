package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/store"
)

func TestNewSeeded(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	lines, err := s.GetAllBusLines(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "01", lines[0].ID, "catalog order is preserved")
	assert.Equal(t, "Bến xe Gia Lâm", lines[0].Stops[0])
	assert.Equal(t, geo.Coordinate{Latitude: 21.0512, Longitude: 105.8807}, lines[0].Points[0])
	assert.Equal(t, "10000đ/lượt", lines[1].Schedule.Fare)

	line, err := s.GetBusLineByID(ctx, "02")
	require.NoError(t, err)
	assert.Equal(t, "Cầu Giấy", line.StopName(3))

	_, err = s.GetBusLineByID(ctx, "99")
	assert.ErrorIs(t, err, store.ErrNotFound)

	stations, err := s.GetAllStations(ctx)
	require.NoError(t, err)
	assert.Len(t, stations, 10)
	assert.Equal(t, []string{"01", "07", "14"}, stations[0].LineIDs)
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"duplicate ids": `
lines:
  - id: "A"
    points: [{lat: 21, lng: 105}]
  - id: "A"
    points: [{lat: 21, lng: 105}]
`,
		"invalid point": `
lines:
  - id: "A"
    points: [{lat: 0, lng: 0}]
`,
		"too many stop names": `
lines:
  - id: "A"
    points: [{lat: 21, lng: 105}]
    stops: ["x", "y"]
`,
		"not yaml": "lines: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lines:
  - id: "32"
    name: "Giáp Bát - Nhổn"
    points: [{lat: 20.98, lng: 105.84}, {lat: 21.05, lng: 105.74}]
`), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	lines, _ := s.GetAllBusLines(context.Background())
	require.Len(t, lines, 1)

	// Callers get copies; mutating them leaves the store alone
	lines[0].ID = "mutated"
	again, _ := s.GetAllBusLines(context.Background())
	assert.Equal(t, "32", again[0].ID)

	require.NoError(t, s.Replace(Catalog{Lines: []transit.BusLine{{ID: "33", Points: []geo.Coordinate{{Latitude: 21, Longitude: 105}}}}}))
	_, err = s.GetBusLineByID(context.Background(), "32")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
