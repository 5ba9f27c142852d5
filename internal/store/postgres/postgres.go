// Package postgres serves the catalog from PostgreSQL through the pgx driver
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/store"
)

// Schema creates the catalog tables when they are missing
const Schema = `
CREATE TABLE IF NOT EXISTS bus_lines (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL DEFAULT '',
  sort_order      INTEGER NOT NULL DEFAULT 0,
  operator        TEXT NOT NULL DEFAULT '',
  operating_hours TEXT NOT NULL DEFAULT '',
  frequency       TEXT NOT NULL DEFAULT '',
  fare            TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS bus_line_stops (
  line_id TEXT NOT NULL REFERENCES bus_lines(id) ON DELETE CASCADE,
  seq     INTEGER NOT NULL,
  name    TEXT NOT NULL DEFAULT '',
  lat     DOUBLE PRECISION NOT NULL,
  lon     DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (line_id, seq)
);
CREATE TABLE IF NOT EXISTS stations (
  id      TEXT PRIMARY KEY,
  name    TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  lat     DOUBLE PRECISION NOT NULL,
  lon     DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS station_lines (
  station_id TEXT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
  line_id    TEXT NOT NULL,
  PRIMARY KEY (station_id, line_id)
);
`

// Open connects with the pgx stdlib driver
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Store reads the catalog tables
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies Schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity with a short deadline
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

type lineRow struct {
	transit.BusLine
}

type stopRow struct {
	LineID string
	Seq    int
	Name   string
	Lat    float64
	Lon    float64
}

func (s *Store) GetAllBusLines(ctx context.Context) ([]transit.BusLine, error) {
	lines, err := s.queryLines(ctx, `
SELECT id, name, operator, operating_hours, frequency, fare
FROM bus_lines ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	stops, err := s.queryStops(ctx, `
SELECT line_id, seq, name, lat, lon
FROM bus_line_stops ORDER BY line_id, seq`)
	if err != nil {
		return nil, err
	}
	return assembleLines(lines, stops), nil
}

func (s *Store) GetBusLineByID(ctx context.Context, id string) (*transit.BusLine, error) {
	lines, err := s.queryLines(ctx, `
SELECT id, name, operator, operating_hours, frequency, fare
FROM bus_lines WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("bus line %s: %w", id, store.ErrNotFound)
	}
	stops, err := s.queryStops(ctx, `
SELECT line_id, seq, name, lat, lon
FROM bus_line_stops WHERE line_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	line := assembleLines(lines, stops)[0]
	return &line, nil
}

func (s *Store) GetAllStations(ctx context.Context) ([]transit.Station, error) {
	q := `
SELECT s.id, s.name, s.address, s.lat, s.lon,
       COALESCE(string_agg(sl.line_id, ',' ORDER BY sl.line_id), '')
FROM stations s
LEFT JOIN station_lines sl ON sl.station_id = s.id
GROUP BY s.id, s.name, s.address, s.lat, s.lon
ORDER BY s.id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var stations []transit.Station
	for rows.Next() {
		var st transit.Station
		var lineIDs string
		if err := rows.Scan(&st.ID, &st.Name, &st.Address, &st.Position.Latitude, &st.Position.Longitude, &lineIDs); err != nil {
			return nil, err
		}
		st.LineIDs = splitIDs(lineIDs)
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stations, nil
}

// ReplaceCatalog rewrites every catalog table in one transaction
func (s *Store) ReplaceCatalog(ctx context.Context, lines []transit.BusLine, stations []transit.Station) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	for _, stmt := range []string{"DELETE FROM station_lines", "DELETE FROM stations", "DELETE FROM bus_line_stops", "DELETE FROM bus_lines"} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}
	}

	for order, line := range lines {
		if err = line.Validate(); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO bus_lines (id, name, sort_order, operator, operating_hours, frequency, fare) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			line.ID, line.Name, order, line.Schedule.Operator, line.Schedule.OperatingHours, line.Schedule.Frequency, line.Schedule.Fare); err != nil {
			return fmt.Errorf("insert line %s: %w", line.ID, err)
		}
		for seq, p := range line.Points {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO bus_line_stops (line_id, seq, name, lat, lon) VALUES ($1,$2,$3,$4,$5)`,
				line.ID, seq, line.StopName(seq), p.Latitude, p.Longitude); err != nil {
				return fmt.Errorf("insert stop %d of line %s: %w", seq, line.ID, err)
			}
		}
	}

	for _, st := range stations {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO stations (id, name, address, lat, lon) VALUES ($1,$2,$3,$4,$5)`,
			st.ID, st.Name, st.Address, st.Position.Latitude, st.Position.Longitude); err != nil {
			return fmt.Errorf("insert station %s: %w", st.ID, err)
		}
		for _, lineID := range st.LineIDs {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO station_lines (station_id, line_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
				st.ID, lineID); err != nil {
				return fmt.Errorf("insert station line %s/%s: %w", st.ID, lineID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) queryLines(ctx context.Context, q string, args ...any) ([]lineRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bus lines: %w", err)
	}
	defer rows.Close()

	var lines []lineRow
	for rows.Next() {
		var l lineRow
		if err := rows.Scan(&l.ID, &l.Name, &l.Schedule.Operator, &l.Schedule.OperatingHours, &l.Schedule.Frequency, &l.Schedule.Fare); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) queryStops(ctx context.Context, q string, args ...any) ([]stopRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bus line stops: %w", err)
	}
	defer rows.Close()

	var stops []stopRow
	for rows.Next() {
		var r stopRow
		if err := rows.Scan(&r.LineID, &r.Seq, &r.Name, &r.Lat, &r.Lon); err != nil {
			return nil, err
		}
		stops = append(stops, r)
	}
	return stops, rows.Err()
}

// assembleLines attaches stops (ordered by seq within a line) to their lines,
// keeping the order of lines.
func assembleLines(lines []lineRow, stops []stopRow) []transit.BusLine {
	byLine := make(map[string][]stopRow, len(lines))
	for _, s := range stops {
		byLine[s.LineID] = append(byLine[s.LineID], s)
	}

	out := make([]transit.BusLine, 0, len(lines))
	for _, l := range lines {
		line := l.BusLine
		rows := byLine[line.ID]
		line.Points = make([]geo.Coordinate, 0, len(rows))
		line.Stops = make([]string, 0, len(rows))
		for _, r := range rows {
			line.Points = append(line.Points, geo.Coordinate{Latitude: r.Lat, Longitude: r.Lon})
			line.Stops = append(line.Stops, r.Name)
		}
		out = append(out, line)
	}
	return out
}

func splitIDs(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
