package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quantforge/training-backend/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer. A subscriber
// that falls this far behind is dropped rather than allowed to stall the
// worker.
const DefaultSubscriberBuffer = 256

var subscriberIDCounter atomic.Int64

// subscriber is one attached observer of a job stream.
type subscriber struct {
	id     int64
	jobID  string
	events chan Event
	closed atomic.Bool
	mu     sync.Mutex
}

// push attempts a non-blocking delivery. Returns false when the buffer is
// full (slow subscriber).
func (s *subscriber) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// close terminates the subscriber's channel exactly once.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.closed.Store(true)
	close(s.events)
}

// Hub fans job events out to any number of subscribers without ever blocking
// the publisher.
type Hub struct {
	logger     *zap.Logger
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[int64]*subscriber // jobID -> subscriber set
}

// NewHub creates a hub with the given per-subscriber buffer size
// (DefaultSubscriberBuffer when size <= 0).
func NewHub(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Hub{
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[string]map[int64]*subscriber),
	}
}

// Subscribe attaches a new observer to a job stream. The returned channel
// closes when the job terminates, the subscriber is dropped for falling
// behind, or cleanup is called. Closing a subscription never affects the job.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, func()) {
	sub := &subscriber{
		id:     subscriberIDCounter.Add(1),
		jobID:  jobID,
		events: make(chan Event, h.bufferSize),
	}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int64]*subscriber)
	}
	h.subs[jobID][sub.id] = sub
	h.mu.Unlock()
	metrics.StreamSubscribers.Inc()

	h.logger.Debug("stream subscriber attached",
		zap.String("job_id", jobID),
		zap.Int64("subscriber_id", sub.id),
	)

	cleanup := func() { h.remove(sub) }

	// Detach when the observer's request context ends.
	go func() {
		<-ctx.Done()
		h.remove(sub)
	}()

	return sub.events, cleanup
}

// Publish delivers an event to every subscriber of the job. Slow subscribers
// are dropped and their streams closed; the publisher never blocks.
func (h *Hub) Publish(jobID string, ev Event) {
	for _, sub := range h.snapshot(jobID) {
		if !sub.push(ev) {
			h.logger.Warn("dropping slow stream subscriber",
				zap.String("job_id", jobID),
				zap.Int64("subscriber_id", sub.id),
			)
			h.remove(sub)
		}
	}
}

// Terminate delivers the terminal event to every subscriber of the job and
// closes their streams. The terminal event is guaranteed to be the last one
// on each stream; delivery itself stays best-effort for subscribers whose
// buffers are already full.
func (h *Hub) Terminate(jobID string, ev Event) {
	for _, sub := range h.snapshot(jobID) {
		sub.push(ev)
		h.remove(sub)
	}

	h.mu.Lock()
	delete(h.subs, jobID)
	h.mu.Unlock()
}

// SubscriberCount returns the number of observers attached to a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Shutdown closes every stream on all jobs.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[int64]*subscriber)
	h.mu.Unlock()

	for _, set := range all {
		for _, sub := range set {
			sub.close()
			metrics.StreamSubscribers.Dec()
		}
	}
}

func (h *Hub) snapshot(jobID string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[jobID]
	out := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.jobID]; ok {
		// Dec only on the call that actually detaches; remove runs from
		// both the cleanup func and the context watcher.
		if _, ok := set[sub.id]; ok {
			delete(set, sub.id)
			metrics.StreamSubscribers.Dec()
			if len(set) == 0 {
				delete(h.subs, sub.jobID)
			}
		}
	}
	h.mu.Unlock()

	sub.close()
}
