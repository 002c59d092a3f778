// ABOUTME: In-memory room fan-out for conversation events
// ABOUTME: Delivers relay events to every connection that joined a conversation room

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber
	subscriberBufferSize = 64
)

// RoomEvent is one named event published to a conversation room
type RoomEvent struct {
	Name string
	Data any
}

// Broadcaster provides in-memory pub/sub keyed by conversation id.
// A subscriber joins a room and receives every event published to it,
// except events it originated.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan RoomEvent // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan RoomEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe joins the room for conversationID as subID (a fresh id when empty).
// Joining twice with the same subID returns the existing channel.
// The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID, subID string) (<-chan RoomEvent, string) {
	if subID == "" {
		subID = uuid.New().String()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan RoomEvent)
		close(ch)
		return ch, subID
	}
	subs, ok := b.subscribers[conversationID]
	if !ok {
		subs = make(map[string]chan RoomEvent)
		b.subscribers[conversationID] = subs
	}
	if existing, ok := subs[subID]; ok {
		b.mu.Unlock()
		return existing, subID
	}
	ch := make(chan RoomEvent, subscriberBufferSize)
	subs[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber joined room", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.remove(conversationID, subID, ch)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of the room except excludeSubID.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(conversationID string, event RoomEvent, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[conversationID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", id,
				"event", event.Name)
		}
	}
}

// Subscribers returns how many subscribers are in a room
func (b *Broadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.remove(conversationID, subID, nil)
}

// remove drops subID from the room. When only is set the subscription is
// removed only if it still owns that channel, so the context watcher of an
// earlier subscription cannot remove a later one that reuses the id.
func (b *Broadcaster) remove(conversationID, subID string, only chan RoomEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists || (only != nil && ch != only) {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber left room", "conversation_id", conversationID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
