package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)

	a, cleanupA := hub.Subscribe(context.Background(), "job-1")
	defer cleanupA()
	b, cleanupB := hub.Subscribe(context.Background(), "job-1")
	defer cleanupB()

	hub.Publish("job-1", NewLogEvent("job-1", "info", "hello", 0))

	for _, ch := range []<-chan Event{a, b} {
		got := collect(t, ch, 1)
		assert.Equal(t, EventTypeLog, got[0].Type)
	}
}

func TestPublishIsScopedToJob(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)

	other, cleanup := hub.Subscribe(context.Background(), "job-2")
	defer cleanup()

	hub.Publish("job-1", NewLogEvent("job-1", "info", "hello", 0))

	select {
	case ev := <-other:
		t.Fatalf("subscriber of another job received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTerminateDeliversTerminalEventLastAndCloses(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)

	events, cleanup := hub.Subscribe(context.Background(), "job-1")
	defer cleanup()

	hub.Publish("job-1", NewLogEvent("job-1", "info", "working", 50))
	hub.Terminate("job-1", NewCompleteEvent("job-1", "COMPLETED", "cfg-1", 1.2, 3.4))

	got := collect(t, events, 2)
	assert.Equal(t, EventTypeLog, got[0].Type)
	assert.Equal(t, EventTypeComplete, got[1].Type)
	assert.True(t, got[1].IsTerminal())

	_, open := <-events
	assert.False(t, open, "stream must close after the terminal event")
	assert.Equal(t, 0, hub.SubscriberCount("job-1"))
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	hub := NewHub(zap.NewNop(), 1)

	events, cleanup := hub.Subscribe(context.Background(), "job-1")
	defer cleanup()

	// Publisher must never block, even past the buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("job-1", NewLogEvent("job-1", "info", "flood", 0))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The subscriber got the buffered event, then a closed channel.
	got := collect(t, events, 1)
	require.Len(t, got, 1)
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, 0, hub.SubscriberCount("job-1"))
}

func TestSubscriberContextCancelDetaches(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := hub.Subscribe(ctx, "job-1")
	require.Equal(t, 1, hub.SubscriberCount("job-1"))

	cancel()

	deadline := time.After(time.Second)
	for hub.SubscriberCount("job-1") != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never detached after context cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, open := <-events
	assert.False(t, open)
}

func TestTerminateAfterTerminationYieldsNothing(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)
	hub.Terminate("job-1", NewErrorEvent("job-1", "boom"))

	// A subscriber attaching after termination gets a live channel; the
	// handler layer serves the terminal event from the job row instead.
	events, cleanup := hub.Subscribe(context.Background(), "job-1")
	defer cleanup()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestShutdownClosesAllStreams(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)
	a, _ := hub.Subscribe(context.Background(), "job-1")
	b, _ := hub.Subscribe(context.Background(), "job-2")

	hub.Shutdown()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)
}
