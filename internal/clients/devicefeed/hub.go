package devicefeed

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/busmap/server/internal/lib/location"
)

// Hub stands in for devices that report positions over HTTP. It remembers the
// latest report per device, answers that device's last-fix and control
// requests, and republishes reports on the fixes subject.
type Hub struct {
	nc     *nats.Conn
	prefix string
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceState
	subs    []*nats.Subscription
}

type deviceState struct {
	last      FixMessage
	streaming bool
}

// NewHub creates a hub on the feed's connection. Call Start to begin answering.
func NewHub(feed *Feed) *Hub {
	return &Hub{
		nc:      feed.nc,
		prefix:  feed.prefix,
		now:     time.Now,
		devices: make(map[string]*deviceState),
	}
}

// Start subscribes to the wildcard request subjects
func (h *Hub) Start() error {
	last, err := h.nc.Subscribe(h.prefix+".*.last", h.handleLast)
	if err != nil {
		return fmt.Errorf("failed to subscribe to last-fix requests: %w", err)
	}
	control, err := h.nc.Subscribe(h.prefix+".*.control", h.handleControl)
	if err != nil {
		_ = last.Unsubscribe()
		return fmt.Errorf("failed to subscribe to control requests: %w", err)
	}

	h.mu.Lock()
	h.subs = append(h.subs, last, control)
	h.mu.Unlock()
	return nil
}

// Stop unsubscribes from all request subjects
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	h.subs = nil
}

// Report records a position posted by a device and forwards it to any live subscriber
func (h *Hub) Report(deviceID string, fix location.Fix, takenAt time.Time) error {
	if takenAt.IsZero() {
		takenAt = h.now()
	}
	msg := NewFixMessage(fix, takenAt)

	token := subjectToken(deviceID)
	h.mu.Lock()
	state, ok := h.devices[token]
	if !ok {
		state = &deviceState{}
		h.devices[token] = state
	}
	state.last = msg
	h.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}
	if err := h.nc.Publish(fixesSubject(h.prefix, deviceID), data); err != nil {
		return fmt.Errorf("failed to publish fix: %w", err)
	}
	return nil
}

// Known reports whether the hub has seen the device
func (h *Hub) Known(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[subjectToken(deviceID)]
	return ok
}

// Devices that never posted are left for a directly connected device to answer
func (h *Hub) handleLast(msg *nats.Msg) {
	id, ok := deviceFromSubject(h.prefix, msg.Subject)
	if !ok {
		return
	}
	h.mu.RLock()
	state, known := h.devices[id]
	var last FixMessage
	if known {
		last = state.last
	}
	h.mu.RUnlock()
	if !known {
		return
	}
	h.respond(msg, last)
}

func (h *Hub) handleControl(msg *nats.Msg) {
	id, ok := deviceFromSubject(h.prefix, msg.Subject)
	if !ok {
		return
	}

	var req ControlMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.respond(msg, ControlReply{Status: "bad_request", Error: err.Error()})
		return
	}

	h.mu.Lock()
	state, known := h.devices[id]
	if known {
		state.streaming = req.Action == ActionStart
	}
	h.mu.Unlock()
	if !known {
		return
	}
	h.respond(msg, ControlReply{Status: StatusOK})
}

func (h *Hub) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Device hub: failed to marshal reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("Device hub: failed to respond on %s: %v", msg.Subject, err)
	}
}
