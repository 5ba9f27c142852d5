// Package devicefeed connects the location controller to rider devices over
// NATS. A device answers last-fix and control requests on its own subjects and
// publishes position reports while streaming is switched on. Devices that post
// positions over HTTP instead are represented by a Hub running in the server.
package devicefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/busmap/server/internal/lib/location"
)

// DefaultSubjectPrefix roots every device subject
const DefaultSubjectPrefix = "busmap.devices"

// Config holds NATS connection settings
type Config struct {
	URL            string        `koanf:"url" yaml:"url"`
	SubjectPrefix  string        `koanf:"subjectPrefix" yaml:"subject_prefix"`
	RequestTimeout time.Duration `koanf:"requestTimeout" yaml:"request_timeout"`
}

// Feed hands out per-device location providers over one NATS connection
type Feed struct {
	nc             *nats.Conn
	prefix         string
	requestTimeout time.Duration
}

// Connect dials NATS and returns a feed over the new connection
func Connect(config Config) (*Feed, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name("busmap-server"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("Device feed: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("Device feed: nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("Device feed: nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewFeed(nc, config), nil
}

// NewFeed creates a feed over an existing connection
func NewFeed(nc *nats.Conn, config Config) *Feed {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Second
	}
	return &Feed{nc: nc, prefix: config.SubjectPrefix, requestTimeout: config.RequestTimeout}
}

// Conn exposes the underlying connection for other subscribers
func (f *Feed) Conn() *nats.Conn {
	return f.nc
}

// Close drains the connection
func (f *Feed) Close() {
	if f.nc != nil {
		_ = f.nc.Drain()
		f.nc.Close()
	}
}

// Provider returns the location provider for one device
func (f *Feed) Provider(deviceID string) location.Provider {
	return &provider{feed: f, deviceID: deviceID}
}

type provider struct {
	feed     *Feed
	deviceID string
}

func (p *provider) LastKnownFix(ctx context.Context) (*location.Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, p.feed.requestTimeout)
	defer cancel()

	msg, err := p.feed.nc.RequestWithContext(ctx, lastSubject(p.feed.prefix, p.deviceID), nil)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to request last fix: %w", err)
	}

	var reply FixMessage
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode last fix: %w", err)
	}
	if reply.Status == StatusNoFix {
		return nil, nil
	}
	if err := statusError(reply.Status, ""); err != nil {
		return nil, err
	}

	fix := reply.ToFix(time.Now())
	return &fix, nil
}

func (p *provider) Subscribe(ctx context.Context, req location.SubscribeRequest) (location.Subscription, error) {
	nc := p.feed.nc

	// Buffer one extra slot so a burst never blocks the NATS dispatcher
	raw := make(chan *nats.Msg, req.MaxUpdates+1)
	natsSub, err := nc.ChanSubscribe(fixesSubject(p.feed.prefix, p.deviceID), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to fixes: %w", err)
	}
	if req.MaxUpdates > 0 {
		_ = natsSub.AutoUnsubscribe(req.MaxUpdates)
	}

	start := ControlMessage{
		Action:     ActionStart,
		Priority:   string(req.Priority),
		IntervalMS: req.Interval.Milliseconds(),
		MaxUpdates: req.MaxUpdates,
	}
	if err := p.control(ctx, start); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, err
	}

	s := &subscription{
		provider: p,
		natsSub:  natsSub,
		raw:      raw,
		updates:  make(chan location.Fix),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (p *provider) control(ctx context.Context, m ControlMessage) error {
	ctx, cancel := context.WithTimeout(ctx, p.feed.requestTimeout)
	defer cancel()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	msg, err := p.feed.nc.RequestWithContext(ctx, controlSubject(p.feed.prefix, p.deviceID), data)
	if err != nil {
		return fmt.Errorf("failed to send %s to device: %w", m.Action, err)
	}

	var reply ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to decode control reply: %w", err)
	}
	return statusError(reply.Status, reply.Error)
}

type subscription struct {
	provider *provider
	natsSub  *nats.Subscription
	raw      chan *nats.Msg
	updates  chan location.Fix
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func (s *subscription) Updates() <-chan location.Fix {
	return s.updates
}

// pump decodes reports until Close. Undecodable reports become invalid fixes
// so they still count against the attempt budget.
func (s *subscription) pump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.raw:
			var report FixMessage
			fix := location.Fix{Accuracy: -1}
			if err := json.Unmarshal(msg.Data, &report); err == nil && statusError(report.Status, "") == nil {
				fix = report.ToFix(time.Now())
			}
			select {
			case s.updates <- fix:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()

		if uerr := s.natsSub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrBadSubscription) {
			err = fmt.Errorf("failed to unsubscribe: %w", uerr)
		}

		// Tell the device to stop; best effort since it may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), s.provider.feed.requestTimeout)
		defer cancel()
		if cerr := s.provider.control(ctx, ControlMessage{Action: ActionStop}); cerr != nil {
			log.Printf("Device feed: stop for %s not acknowledged: %v", s.provider.deviceID, cerr)
		}
	})
	return err
}
