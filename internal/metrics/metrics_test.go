package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(false)

	m.RecordNotificationReceived("goal_updated")
	m.RecordNotificationReceived("goal_updated")
	m.RecordNotificationSent("drive", nil)
	m.RecordNotificationSent("drive", errors.New("boom"))
	m.RecordActivity("drive", false)
	m.RecordActivity("align", true)
	m.RecordCacheRefresh("goals", 0, nil)
	m.SetSubscribed("notifications", true)
	m.RecordLinkOperation("create", nil)

	if got := testutil.ToFloat64(m.notificationsReceived.WithLabelValues("goal_updated")); got != 2 {
		t.Errorf("notifications received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.notificationsSent.WithLabelValues("drive", "error")); got != 1 {
		t.Errorf("failed sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activitySuppressed); got != 1 {
		t.Errorf("suppressed activity = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.subscriptionStatus.WithLabelValues("notifications")); got != 1 {
		t.Errorf("subscription gauge = %v, want 1", got)
	}
	m.SetSubscribed("notifications", false)
	if got := testutil.ToFloat64(m.subscriptionStatus.WithLabelValues("notifications")); got != 0 {
		t.Errorf("subscription gauge = %v, want 0", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncrementInFlight()
	m.DecrementInFlight()
	m.RecordHTTPRequest("api", "GET", "/", "200", time.Millisecond)
	m.RecordNotificationReceived("")
	m.RecordNotificationSent("align", nil)
	m.RecordActivity("", false)
	m.RecordCacheRefresh("projects", time.Second, nil)
	m.SetSubscribed("x", true)
	m.RecordLinkOperation("delete", nil)
	m.FeedClientConnected()
	m.FeedClientDisconnected()
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(false)
	m.RecordHTTPRequest("api", "GET", "/notifications", "200", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `crossapp_http_requests_total{method="GET",path="/notifications",service="api",status="200"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}
