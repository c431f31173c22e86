package coordinator

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a protocol notification.
type EventType string

const (
	// EventContextSubmitted fires when a context is stored and pointed at
	// by a session. Carries User and ContextID.
	EventContextSubmitted EventType = "context_submitted"
	// EventCompletionRequested fires when a generation round trip starts.
	// Carries User and ContextID.
	EventCompletionRequested EventType = "completion_requested"
	// EventCompletionGenerated fires when a generation callback produces a
	// completion. Carries CompletionID and ContextID.
	EventCompletionGenerated EventType = "completion_generated"
	// EventCompletionRevealed fires when a reveal callback authenticates
	// plaintext tokens. Carries Recipient, CompletionID and Tokens.
	EventCompletionRevealed EventType = "completion_revealed"
	// EventCallbackRejected records a failed callback (invalid handle or
	// proof). Carries Handle and Reason.
	EventCallbackRejected EventType = "callback_rejected"
)

// Event is a protocol notification. Fields not relevant to a type are zero.
type Event struct {
	Type         EventType `json:"type"`
	User         string    `json:"user,omitempty"`
	Recipient    string    `json:"recipient,omitempty"`
	ContextID    uint64    `json:"context_id,omitempty"`
	CompletionID uint64    `json:"completion_id,omitempty"`
	Tokens       []string  `json:"tokens,omitempty"`
	Handle       string    `json:"handle,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// EventSubscriber receives published events. Notify must not block.
type EventSubscriber interface {
	Notify(Event)
}

// EventBus fans protocol events out to subscribers synchronously, in
// subscription order.
type EventBus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs []EventSubscriber
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers a subscriber for all future events.
func (eb *EventBus) Subscribe(sub EventSubscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs = append(eb.subs, sub)
}

// Publish stamps and delivers an event to every subscriber.
func (eb *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	eb.logger.Debug("event published",
		zap.String("type", string(ev.Type)),
		zap.String("user", ev.User),
		zap.Uint64("context_id", ev.ContextID),
		zap.Uint64("completion_id", ev.CompletionID),
	)

	eb.mu.RLock()
	subs := make([]EventSubscriber, len(eb.subs))
	copy(subs, eb.subs)
	eb.mu.RUnlock()

	for _, sub := range subs {
		sub.Notify(ev)
	}
}

// ChannelSubscriber forwards events to a buffered channel, dropping events
// when the channel is full so a slow consumer cannot stall the protocol.
type ChannelSubscriber struct {
	C       chan Event
	logger  *zap.Logger
	dropped int
	mu      sync.Mutex
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int, logger *zap.Logger) *ChannelSubscriber {
	return &ChannelSubscriber{
		C:      make(chan Event, buffer),
		logger: logger,
	}
}

// Notify implements EventSubscriber.
func (cs *ChannelSubscriber) Notify(ev Event) {
	select {
	case cs.C <- ev:
	default:
		cs.mu.Lock()
		cs.dropped++
		n := cs.dropped
		cs.mu.Unlock()
		cs.logger.Warn("event dropped, subscriber channel full",
			zap.String("type", string(ev.Type)),
			zap.Int("total_dropped", n),
		)
	}
}

// Dropped returns how many events were discarded due to a full channel.
func (cs *ChannelSubscriber) Dropped() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dropped
}
