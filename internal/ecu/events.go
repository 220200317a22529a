package ecu

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a notification kind. The set is closed: "who
// gets notified when" is part of the type system, not a string contract.
type EventType string

const (
	EventSafetyLevelChanged EventType = "safety_level_changed"
	EventArmed              EventType = "armed"
	EventDisarmed           EventType = "disarmed"

	EventSessionCreated  EventType = "session_created"
	EventSessionArmed    EventType = "session_armed"
	EventSessionApplied  EventType = "session_applied"
	EventSessionReverted EventType = "session_reverted"
	EventSessionExpired  EventType = "session_expired"

	EventSimulatedUpdate EventType = "simulated_update"
	EventMapUpdated      EventType = "map_updated"

	EventFlashPrepared  EventType = "flash_prepared"
	EventFlashValidated EventType = "flash_validated"
	EventFlashProgress  EventType = "flash_progress"
	EventFlashComplete  EventType = "flash_complete"
	EventFlashAborted   EventType = "flash_aborted"
	EventFlashFailed    EventType = "flash_failed"

	EventSecurityAccess EventType = "security_access"
)

// Event is one notification from the core. Identifier fields are set
// when relevant and empty otherwise.
type Event struct {
	Type      EventType         `json:"type"`
	EngineID  string            `json:"engine_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	MapID     string            `json:"map_id,omitempty"`
	Progress  int               `json:"progress,omitempty"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to bounded per-subscriber channels.
//
// Publish never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted. Slow consumers must not be
// able to stall session expiry or flash progress emission.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel is idempotent;
// the channel is closed once cancelled.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber, stamping At if unset.
// Non-blocking: full buffers drop the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close shuts down the bus; all subscriber channels are closed and
// later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
