package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/metrics"
)

func testContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/training/job-1/stream", nil)
	return c, w
}

func TestServeTerminalWritesSingleEvent(t *testing.T) {
	c, w := testContext(t)

	ServeTerminal(c, NewCompleteEvent("job-1", "COMPLETED", "cfg-1", 1.2, 3.4))

	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, w.Body.String(), "event: complete")
	assert.Contains(t, w.Body.String(), `"best_config_id":"cfg-1"`)
}

func TestServeJobDeliversFinalEventWhenJobFinishesBeforeAttach(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)

	// The job terminated before this observer attached: the hub entry is
	// already drained, so the final event must come from the recheck.
	hub.Terminate("job-1", NewCompleteEvent("job-1", "COMPLETED", "cfg-1", 1.2, 3.4))

	c, w := testContext(t)
	terminal := func() (Event, bool) {
		return NewCompleteEvent("job-1", "COMPLETED", "cfg-1", 1.2, 3.4), true
	}
	ServeJob(c, hub, "job-1", terminal, zap.NewNop())

	assert.Contains(t, w.Body.String(), "event: complete")
	assert.Contains(t, w.Body.String(), `"status":"COMPLETED"`)
	assert.Equal(t, 0, hub.SubscriberCount("job-1"))
}

func TestSubscriberGaugeTracksAttachAndDetach(t *testing.T) {
	hub := NewHub(zap.NewNop(), 0)
	base := testutil.ToFloat64(metrics.StreamSubscribers)

	_, cleanupA := hub.Subscribe(context.Background(), "job-1")
	_, cleanupB := hub.Subscribe(context.Background(), "job-1")
	require.Equal(t, base+2, testutil.ToFloat64(metrics.StreamSubscribers))

	cleanupA()
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.StreamSubscribers))

	// Double cleanup must not double-decrement.
	cleanupA()
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.StreamSubscribers))

	cleanupB()
	assert.Equal(t, base, testutil.ToFloat64(metrics.StreamSubscribers))
}
