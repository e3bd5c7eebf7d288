package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"convosync/internal/chat"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/outbox"
	"convosync/internal/signaling"
	"convosync/internal/subscription"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ feed.Recorder         = (*Metrics)(nil)
	_ outbox.Recorder       = (*Metrics)(nil)
	_ chat.Recorder         = (*Metrics)(nil)
	_ signaling.Recorder    = (*Metrics)(nil)
	_ subscription.Recorder = (*Metrics)(nil)
)

func TestRecordersCount(t *testing.T) {
	m := New(nil)
	m.ChangePublished(events.TableMessages)
	m.ChangePublished(events.TableMessages)
	m.ChangeDelivered(events.TableReactions)
	m.Rollback("send")
	m.Reconciled()
	m.CallFinished(signaling.OutcomeMissed)
	m.WSConnected()
	m.WSConnected()
	m.WSDisconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.feedPublished.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedDelivered.WithLabelValues("message_reactions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callOutcomes.WithLabelValues("missed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(nil)
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/health", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "convosync_http_requests_total")
}
