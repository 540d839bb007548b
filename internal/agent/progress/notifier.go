// Package progress fans transient turn status out to live subscribers.
// Delivery is best effort: a slow subscriber loses its oldest buffered
// events instead of blocking the publisher. Calling Publish on a nil
// *Notifier is a no-op, so the turn loop needs no guard checks.
package progress

import (
	"sync"
	"time"
)

// Kind constants describe what the turn loop is doing.
const (
	// KindGenerating signals a model round is in flight. Data: round.
	KindGenerating = "generating"
	// KindInvokingTool signals a tool is about to run. Data: name, tool_call_id.
	KindInvokingTool = "invoking-tool"
	// KindToolResult signals a tool finished. Data: name, status.
	KindToolResult = "tool-result"
	// KindTurnComplete is the last event of a turn that produced a result.
	// Data: termination_reason.
	KindTurnComplete = "turn-complete"
	// KindTurnError is the last event of a failed turn. Data: reason.
	KindTurnError = "turn-error"
)

// ReasonCancelled is the turn-error reason for a caller-cancelled turn.
const ReasonCancelled = "cancelled"

// Event is one status update for a conversation. TurnID names the turn that
// produced it; turns queued on the same conversation share one stream.
type Event struct {
	Kind           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id,omitempty"`
	Timestamp      time.Time      `json:"ts"`
	Data           map[string]any `json:"data,omitempty"`
}

// ForTurn returns e stamped with turnID.
func (e Event) ForTurn(turnID string) Event {
	e.TurnID = turnID
	return e
}

// Terminal reports whether e ends a turn.
func (e Event) Terminal() bool {
	return e.Kind == KindTurnComplete || e.Kind == KindTurnError
}

func Generating(round int) Event {
	return Event{Kind: KindGenerating, Data: map[string]any{"round": round}}
}

func InvokingTool(name, invocationID string) Event {
	return Event{Kind: KindInvokingTool, Data: map[string]any{"name": name, "tool_call_id": invocationID}}
}

func ToolResult(name, status string) Event {
	return Event{Kind: KindToolResult, Data: map[string]any{"name": name, "status": status}}
}

func TurnComplete(reason string) Event {
	return Event{Kind: KindTurnComplete, Data: map[string]any{"termination_reason": reason}}
}

func TurnError(reason string) Event {
	return Event{Kind: KindTurnError, Data: map[string]any{"reason": reason}}
}

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 16

// Notifier is a per-conversation publish/subscribe hub.
type Notifier struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's event stream. Read events from C until it
// is closed; call Close when done listening.
type Subscription struct {
	C <-chan Event

	ch             chan Event
	conversationID string
	notifier       *Notifier

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Subscribe registers a new subscriber for conversationID. Multiple
// subscribers per conversation are allowed.
func (n *Notifier) Subscribe(conversationID string) *Subscription {
	ch := make(chan Event, n.buffer)
	s := &Subscription{C: ch, ch: ch, conversationID: conversationID, notifier: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		n.subs[conversationID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers e to every subscriber of conversationID without blocking.
// Per subscriber, events arrive in publish order.
func (n *Notifier) Publish(conversationID string, e Event) {
	if n == nil {
		return
	}
	e.ConversationID = conversationID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for s := range n.subs[conversationID] {
		s.deliver(e)
	}
}

// SubscriberCount returns the number of live subscribers for conversationID.
func (n *Notifier) SubscriberCount(conversationID string) int {
	if n == nil {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[conversationID])
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// full: drop the oldest buffered event and try again
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	n := s.notifier
	n.mu.Lock()
	if set, ok := n.subs[s.conversationID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(n.subs, s.conversationID)
		}
	}
	n.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
