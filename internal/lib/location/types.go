package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/busmap/server/internal/lib/geo"
)

// Fix is a single device position estimate
type Fix struct {
	Coordinate geo.Coordinate `json:"coordinate"`
	Accuracy   float64        `json:"accuracy_m"` // radius in meters, lower is better
	Age        time.Duration  `json:"age"`        // time since the measurement was taken
	Source     string         `json:"source"`     // provider tag: "gps", "network", "fused"...
}

// Valid reports whether the fix can be used as a location at all
func (f Fix) Valid() bool {
	return geo.IsValidCoordinate(f.Coordinate) && f.Accuracy >= 0
}

// State is a step of the acquisition state machine
type State string

const (
	Idle          State = "idle"
	CheckingCache State = "checking_cache"
	Streaming     State = "streaming"
	Done          State = "done"
	Failed        State = "failed"
)

// Reason classifies a terminal acquisition failure
type Reason string

const (
	NoPermission     Reason = "no_permission"
	ProviderDisabled Reason = "provider_disabled"
	Timeout          Reason = "timeout"
	NoFix            Reason = "no_fix"
)

// Failure is returned by Controller.Acquire when no fix could be accepted
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("location acquisition failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("location acquisition failed (%s)", f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the failure reason from err, "" when err is not a *Failure
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// Errors a Provider reports for conditions the user has to fix
var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrProviderDisabled = errors.New("location services disabled")
)

// ErrSuperseded is returned to a caller whose request was replaced by a newer one
var ErrSuperseded = errors.New("location request superseded by a newer request")

// Priority is the accuracy hint passed to the provider
type Priority string

const (
	HighAccuracy Priority = "high_accuracy"
	Balanced     Priority = "balanced"
)

// SubscribeRequest describes the live update stream the controller wants
type SubscribeRequest struct {
	Priority   Priority
	Interval   time.Duration
	MaxUpdates int
}

// Subscription is a live stream of fixes. Close must stop delivery and
// release provider resources; it is safe to call more than once.
type Subscription interface {
	Updates() <-chan Fix
	Close() error
}

// Provider is the device location source
type Provider interface {
	// LastKnownFix returns the provider's cached fix, nil when it has none
	LastKnownFix(ctx context.Context) (*Fix, error)

	// Subscribe starts live updates; ErrPermissionDenied and ErrProviderDisabled are terminal
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
}

// Observer receives acquisition outcomes, typically for metrics
type Observer interface {
	ObserveFix(stage string, attempts int)
	ObserveFailure(reason Reason)
}

// Config holds the accuracy, age and attempt budgets
type Config struct {
	FreshnessThreshold time.Duration `koanf:"freshnessThreshold" yaml:"freshness_threshold" validate:"gt=0"`
	CoarseAccuracy     float64       `koanf:"coarseAccuracy" yaml:"coarse_accuracy" validate:"gt=0"`
	TightAccuracy      float64       `koanf:"tightAccuracy" yaml:"tight_accuracy" validate:"gt=0"`
	MaxAttempts        int           `koanf:"maxAttempts" yaml:"max_attempts" validate:"gt=0"`
	UpdateInterval     time.Duration `koanf:"updateInterval" yaml:"update_interval" validate:"gt=0"`
	StreamTimeout      time.Duration `koanf:"streamTimeout" yaml:"stream_timeout" validate:"gt=0"`
}

// DefaultConfig returns the budgets tuned for phone GPS
func DefaultConfig() Config {
	return Config{
		FreshnessThreshold: 2 * time.Minute,
		CoarseAccuracy:     200,
		TightAccuracy:      50,
		MaxAttempts:        15,
		UpdateInterval:     time.Second,
		StreamTimeout:      30 * time.Second,
	}
}
