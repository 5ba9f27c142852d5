package location

import (
	"context"
	"errors"
	"sync"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"
)

// Stages reported to the Observer for accepted fixes
const (
	StageCache      = "cache"
	StageStream     = "stream"
	StageBestEffort = "best_effort"
)

// Controller acquires one usable fix per request: a fresh cached fix when the
// provider has one, otherwise the first live update that is accurate enough,
// otherwise the best update seen before the budget runs out.
//
// Only one request is in flight at a time. Starting a new one cancels the
// previous request, which then returns ErrSuperseded.
type Controller struct {
	provider Provider
	config   Config
	observer Observer

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelCauseFunc
}

// Option configures a Controller
type Option func(*Controller)

// WithObserver reports outcomes to o
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// NewController creates a controller over the given provider
func NewController(provider Provider, config Config, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		config:   config,
		state:    Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the state of the most recent request
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel abandons the in-flight request, if any
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel(ErrSuperseded)
		c.cancel = nil
	}
	c.state = Idle
}

// Acquire runs one acquisition cycle. The returned error is a *Failure for the
// terminal outcomes, ErrSuperseded when a newer request took over, or the
// context error when the caller gave up.
func (c *Controller) Acquire(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithCancelCause(logging.EnsureLogger(ctx))
	gen := c.begin(cancel)
	defer func() {
		c.mu.Lock()
		if c.generation == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel(nil)
	}()

	requestID := uuid.NewString()
	logging.Debugw(ctx, "Location: acquisition started", "request_id", requestID)

	fix, stage, attempts, err := c.run(ctx, gen, requestID)
	if err != nil {
		if reason := ReasonOf(err); reason != "" {
			c.transition(gen, Failed)
			if c.observer != nil {
				c.observer.ObserveFailure(reason)
			}
			logging.Warnw(ctx, "Location: acquisition failed",
				"request_id", requestID, "reason", string(reason), "attempts", attempts, "error", err)
		}
		return Fix{}, err
	}

	c.transition(gen, Done)
	if c.observer != nil {
		c.observer.ObserveFix(stage, attempts)
	}
	logging.Infow(ctx, "Location: fix accepted",
		"request_id", requestID, "stage", stage, "attempts", attempts,
		"accuracy_m", fix.Accuracy, "source", fix.Source)
	return fix, nil
}

func (c *Controller) begin(cancel context.CancelCauseFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel(ErrSuperseded)
	}
	c.generation++
	c.cancel = cancel
	c.state = CheckingCache
	return c.generation
}

// transition only applies to the current request; superseded requests must not
// overwrite the state of the request that replaced them.
func (c *Controller) transition(gen uint64, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.state = s
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, requestID string) (Fix, string, int, error) {
	last, err := c.provider.LastKnownFix(ctx)
	switch {
	case err != nil:
		if f := classify(err); f != nil {
			return Fix{}, "", 0, f
		}
		if ctx.Err() != nil {
			return Fix{}, "", 0, abandoned(ctx)
		}
		logging.Debugw(ctx, "Location: last known fix unavailable", "request_id", requestID, "error", err)
	case last != nil && c.acceptableCached(*last):
		return *last, StageCache, 0, nil
	case last != nil:
		logging.Debugw(ctx, "Location: cached fix rejected", "request_id", requestID,
			"accuracy_m", last.Accuracy, "age", last.Age.String(), "valid", last.Valid())
	}

	c.transition(gen, Streaming)
	return c.stream(ctx, requestID)
}

func (c *Controller) acceptableCached(f Fix) bool {
	return f.Valid() &&
		f.Age <= c.config.FreshnessThreshold &&
		f.Accuracy <= c.config.CoarseAccuracy
}

func (c *Controller) stream(ctx context.Context, requestID string) (Fix, string, int, error) {
	streamCtx, cancel := context.WithTimeout(ctx, c.config.StreamTimeout)
	defer cancel()

	sub, err := c.provider.Subscribe(streamCtx, SubscribeRequest{
		Priority:   HighAccuracy,
		Interval:   c.config.UpdateInterval,
		MaxUpdates: c.config.MaxAttempts,
	})
	if err != nil {
		if f := classify(err); f != nil {
			return Fix{}, "", 0, f
		}
		if ctx.Err() != nil {
			return Fix{}, "", 0, abandoned(ctx)
		}
		return Fix{}, "", 0, &Failure{Reason: NoFix, Err: err}
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logging.Warnw(ctx, "Location: failed to close subscription", "request_id", requestID, "error", err)
		}
	}()

	var best *Fix
	attempts := 0
	updates := sub.Updates()

	for attempts < c.config.MaxAttempts {
		select {
		case <-streamCtx.Done():
			return c.timedOut(ctx, best, attempts)

		case fix, ok := <-updates:
			if !ok {
				// Provider ended the stream early; treat as budget exhausted
				return c.exhausted(best, attempts)
			}
			attempts++

			if !fix.Valid() {
				logging.Debugw(ctx, "Location: invalid update discarded", "request_id", requestID, "attempt", attempts)
				continue
			}
			if best == nil || fix.Accuracy < best.Accuracy {
				f := fix
				best = &f
			}
			if fix.Accuracy <= c.config.TightAccuracy {
				return fix, StageStream, attempts, nil
			}
		}
	}

	return c.exhausted(best, attempts)
}

func (c *Controller) exhausted(best *Fix, attempts int) (Fix, string, int, error) {
	if best != nil {
		return *best, StageBestEffort, attempts, nil
	}
	return Fix{}, "", attempts, &Failure{Reason: NoFix}
}

// timedOut decides what a finished stream context means: the caller leaving,
// a newer request, or the streaming budget running out.
func (c *Controller) timedOut(ctx context.Context, best *Fix, attempts int) (Fix, string, int, error) {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Fix{}, "", attempts, abandoned(ctx)
	}
	if best != nil {
		return *best, StageBestEffort, attempts, nil
	}
	return Fix{}, "", attempts, &Failure{Reason: Timeout, Err: context.DeadlineExceeded}
}

func abandoned(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrSuperseded) {
		return ErrSuperseded
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Failure{Reason: Timeout, Err: ctx.Err()}
	}
	return ctx.Err()
}

func classify(err error) *Failure {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &Failure{Reason: NoPermission, Err: err}
	case errors.Is(err, ErrProviderDisabled):
		return &Failure{Reason: ProviderDisabled, Err: err}
	}
	return nil
}
