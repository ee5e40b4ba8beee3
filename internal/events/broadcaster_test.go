// ABOUTME: Tests for the event Broadcaster fan-out pub/sub system
// ABOUTME: Covers subscribe, publish, agent filtering, unsubscribe, context cancellation, concurrency

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/beacon-orchestrator/internal/results"
)

func makeEvent(agent string) Event {
	return New(KindProgressUpdate, agent, "task-1", "example.com")
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "https://a:1")
	event := makeEvent("https://a:1")
	b.Publish(event)

	assert.Equal(t, event.ID, receive(t, ch).ID)
}

func TestBroadcaster_AllAgentsSeesEverything(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllAgents)
	b.Publish(makeEvent("https://a:1"))
	b.Publish(makeEvent("https://b:1"))

	assert.Equal(t, "https://a:1", receive(t, all).Agent)
	assert.Equal(t, "https://b:1", receive(t, all).Agent)
}

func TestBroadcaster_AgentsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "https://a:1")
	ch2, _ := b.Subscribe(t.Context(), "https://b:1")

	b.Publish(makeEvent("https://a:1"))
	receive(t, ch1)

	select {
	case <-ch2:
		t.Fatal("subscriber for another agent should not receive the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context(), AllAgents) // never read
	fast, _ := b.Subscribe(t.Context(), AllAgents)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			b.Publish(makeEvent("https://a:1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.NotEmpty(t, fast)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "https://a:1")

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	b.mu.RLock()
	_, exists := b.subscribers["https://a:1"][subID]
	b.mu.RUnlock()
	assert.False(t, exists)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "https://a:1")
	b.Unsubscribe("https://a:1", subID)
	b.Unsubscribe("https://a:1", subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic
	b.Publish(makeEvent("https://a:1"))
}

func TestBroadcaster_CloseReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroadcaster(nil)
	ch1, _ := b.Subscribe(context.Background(), "https://a:1")
	ch2, _ := b.Subscribe(context.Background(), AllAgents)

	b.Close()
	b.Close()

	for _, ch := range []<-chan Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok)
	}

	late, _ := b.Subscribe(context.Background(), AllAgents)
	_, ok := <-late
	assert.False(t, ok, "subscribing to a closed broadcaster yields a closed channel")
}

func TestBroadcaster_ConcurrentPublishUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(t.Context())
			ch, _ := b.Subscribe(ctx, AllAgents)
			for range 3 {
				select {
				case <-ch:
				case <-time.After(100 * time.Millisecond):
				}
			}
			cancel()
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 50 {
				b.Publish(makeEvent("https://a:1"))
			}
		})
	}
	wg.Wait()
}

func TestEvent_Terminal(t *testing.T) {
	assert.True(t, New(KindJobCompleted, "a", "t", "x").Terminal())
	assert.True(t, New(KindJobFailed, "a", "t", "x").Terminal())
	assert.True(t, New(KindSubmitFailed, "a", "", "x").Terminal())
	assert.False(t, New(KindProgressUpdate, "a", "t", "x").Terminal())
	assert.False(t, New(KindResultBatch, "a", "t", "x").Terminal())
}

func TestEvent_LogValue(t *testing.T) {
	e := New(KindResultBatch, "https://a:1", "task-1", "example.com")
	e.Batch = &results.Batch{Final: true}
	e.Err = errors.New("boom")

	v := e.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	got := map[string]string{}
	for _, a := range v.Group() {
		got[a.Key] = a.Value.String()
	}
	assert.Equal(t, "result_batch", got["kind"])
	assert.Equal(t, "task-1", got["task_id"])
	assert.Equal(t, "true", got["final"])
	assert.Equal(t, "boom", got["error"])
}
