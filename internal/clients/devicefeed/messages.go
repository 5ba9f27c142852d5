package devicefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/location"
)

// Status values carried by replies from a device
const (
	StatusOK               = "ok"
	StatusPermissionDenied = "permission_denied"
	StatusDisabled         = "disabled"
	StatusNoFix            = "no_fix"
)

// Control actions sent to a device
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// FixMessage is the JSON payload of a position report
type FixMessage struct {
	Status    string    `json:"status,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// ControlMessage asks a device to start or stop streaming updates
type ControlMessage struct {
	Action     string `json:"action"`
	Priority   string `json:"priority,omitempty"`
	IntervalMS int64  `json:"interval_ms,omitempty"`
	MaxUpdates int    `json:"max_updates,omitempty"`
}

// ControlReply is a device's answer to a control request
type ControlReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ToFix converts a report into a location fix, aging it against now
func (m FixMessage) ToFix(now time.Time) location.Fix {
	var age time.Duration
	if !m.Timestamp.IsZero() && now.After(m.Timestamp) {
		age = now.Sub(m.Timestamp)
	}
	return location.Fix{
		Coordinate: geo.Coordinate{Latitude: m.Lat, Longitude: m.Lon},
		Accuracy:   m.Accuracy,
		Age:        age,
		Source:     m.Source,
	}
}

// NewFixMessage builds a report from a fix observed at ts
func NewFixMessage(f location.Fix, ts time.Time) FixMessage {
	return FixMessage{
		Status:    StatusOK,
		Lat:       f.Coordinate.Latitude,
		Lon:       f.Coordinate.Longitude,
		Accuracy:  f.Accuracy,
		Timestamp: ts,
		Source:    f.Source,
	}
}

// statusError maps a device status to the controller's sentinel errors
func statusError(status, detail string) error {
	switch status {
	case "", StatusOK:
		return nil
	case StatusPermissionDenied:
		return location.ErrPermissionDenied
	case StatusDisabled:
		return location.ErrProviderDisabled
	}
	if detail != "" {
		return fmt.Errorf("device reported %s: %s", status, detail)
	}
	return fmt.Errorf("device reported %s", status)
}

// Subjects for one device
func lastSubject(prefix, deviceID string) string {
	return fmt.Sprintf("%s.%s.last", prefix, subjectToken(deviceID))
}

func fixesSubject(prefix, deviceID string) string {
	return fmt.Sprintf("%s.%s.fixes", prefix, subjectToken(deviceID))
}

func controlSubject(prefix, deviceID string) string {
	return fmt.Sprintf("%s.%s.control", prefix, subjectToken(deviceID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// deviceFromSubject extracts the device token from "<prefix>.<id>.<kind>"
func deviceFromSubject(prefix, subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, ".")
	return id, ok && id != ""
}
