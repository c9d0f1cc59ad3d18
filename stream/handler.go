package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// SetSSEHeaders sets the standard SSE headers on the response writer.
func SetSSEHeaders(w gin.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one SSE frame and flushes it.
func WriteEvent(w gin.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	w.Flush()
	return nil
}

// ServeTerminal writes a single terminal event and returns. Used when a
// client subscribes to a job that already finished, so it never hangs
// waiting for events that will not come.
func ServeTerminal(c *gin.Context, ev Event) {
	SetSSEHeaders(c.Writer)
	_ = WriteEvent(c.Writer, ev)
}

// ServeJob streams live hub events for a job until a terminal event arrives
// or the client disconnects. Client disconnection only ends this stream, it
// never affects the job. The terminal func re-reads the job after the
// subscription is attached: a job that finished between the caller's status
// check and Subscribe has already drained the hub, so its final event must
// come from the store instead.
func ServeJob(c *gin.Context, hub *Hub, jobID string, terminal func() (Event, bool), logger *zap.Logger) {
	SetSSEHeaders(c.Writer)
	c.Writer.Flush()

	events, cleanup := hub.Subscribe(c.Request.Context(), jobID)
	defer cleanup()

	if terminal != nil {
		if ev, done := terminal(); done {
			_ = WriteEvent(c.Writer, ev)
			return
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := WriteEvent(c.Writer, ev); err != nil {
				logger.Debug("stream write failed, client likely disconnected",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
				return
			}
			if ev.IsTerminal() {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
