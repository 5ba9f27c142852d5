// Package memory is an in-process catalog loaded from YAML
package memory

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/store"
)

//go:embed seed.yaml
var seedCatalog []byte

// Catalog is the YAML document layout
type Catalog struct {
	Lines    []transit.BusLine `yaml:"lines"`
	Stations []transit.Station `yaml:"stations"`
}

// Store serves a fixed catalog. Replace swaps it atomically.
type Store struct {
	mu       sync.RWMutex
	lines    []transit.BusLine
	byID     map[string]int
	stations []transit.Station
}

// New creates a store over the given catalog after validating every line
func New(catalog Catalog) (*Store, error) {
	s := &Store{}
	if err := s.Replace(catalog); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSeeded returns a store holding the built-in Hanoi catalog
func NewSeeded() *Store {
	s, err := Decode(bytes.NewReader(seedCatalog))
	if err != nil {
		panic(fmt.Sprintf("embedded seed catalog is invalid: %v", err))
	}
	return s
}

// LoadFile reads a YAML catalog from disk
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML catalog from r
func Decode(r io.Reader) (*Store, error) {
	var catalog Catalog
	if err := yaml.NewDecoder(r).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(catalog)
}

// Replace validates and installs a new catalog
func (s *Store) Replace(catalog Catalog) error {
	byID := make(map[string]int, len(catalog.Lines))
	for i, line := range catalog.Lines {
		if err := line.Validate(); err != nil {
			return err
		}
		if _, dup := byID[line.ID]; dup {
			return fmt.Errorf("duplicate bus line id %s", line.ID)
		}
		byID[line.ID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = catalog.Lines
	s.byID = byID
	s.stations = catalog.Stations
	return nil
}

// Snapshot returns the current catalog
func (s *Store) Snapshot() Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Catalog{Lines: s.lines, Stations: s.stations}
}

func (s *Store) GetAllBusLines(ctx context.Context) ([]transit.BusLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transit.BusLine(nil), s.lines...), nil
}

func (s *Store) GetBusLineByID(ctx context.Context, id string) (*transit.BusLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("bus line %s: %w", id, store.ErrNotFound)
	}
	line := s.lines[i]
	return &line, nil
}

func (s *Store) GetAllStations(ctx context.Context) ([]transit.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transit.Station(nil), s.stations...), nil
}
