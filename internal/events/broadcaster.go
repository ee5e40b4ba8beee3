// ABOUTME: In-memory fan-out event broadcaster for job observers
// ABOUTME: Publishes events to subscribers of one agent or of every agent

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllAgents subscribes to events of every agent.
	AllAgents = ""
)

// Broadcaster provides in-memory pub/sub for events. Observers register for
// one agent address (or AllAgents) and receive events as they happen. Slow
// observers lose events instead of stalling the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // agent -> subID -> ch
	done        chan struct{}
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		done:        make(chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events of agent. Returns a channel
// that receives events and a subscription ID for later unsubscription. The
// subscription is cleaned up when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, agent string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agent]; !ok {
		b.subscribers[agent] = make(map[string]chan Event)
	}
	b.subscribers[agent][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent", agent, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(agent, subID)
		case <-b.done:
		}
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its agent and to AllAgents
// subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.sendLocked(b.subscribers[event.Agent], event)
	if event.Agent != AllAgents {
		b.sendLocked(b.subscribers[AllAgents], event)
	}
}

// sendLocked must be called with mu held. Holding it keeps Unsubscribe from
// closing a channel mid-send.
func (b *Broadcaster) sendLocked(subs map[string]chan Event, event Event) {
	for subID, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", subID,
				"event_id", event.ID,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agent, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agent]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agent)
	}

	b.logger.Debug("subscriber removed", "agent", agent, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels. It is
// safe to call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)

	for agent, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agent)
	}

	b.logger.Debug("broadcaster closed")
}
