// Package store defines the read-only catalog of bus lines and stations and
// the wrappers shared by every backend.
package store

import (
	"context"
	"errors"

	"github.com/busmap/server/internal/lib/transit"
)

// ErrNotFound is returned when a line or station id is unknown
var ErrNotFound = errors.New("not found")

// DataStore is the catalog source. Implementations must be safe for concurrent use.
type DataStore interface {
	GetAllBusLines(ctx context.Context) ([]transit.BusLine, error)
	GetBusLineByID(ctx context.Context, id string) (*transit.BusLine, error)
	GetAllStations(ctx context.Context) ([]transit.Station, error)
}
