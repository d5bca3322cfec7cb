package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New("test")

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.SetOccupancy(2, 5)
	m.Relayed("offer", 1)
	m.Relayed("chat-message", 3)
	m.Relayed("chat-message", 0)
	m.Dropped(DropTargetMissing)
	m.Throttled()

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rooms); got != 2 {
		t.Fatalf("rooms=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.relayed.WithLabelValues("chat-message")); got != 3 {
		t.Fatalf("relayed chat=%v, want 3", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues(DropTargetMissing)); got != 1 {
		t.Fatalf("dropped=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.throttled); got != 1 {
		t.Fatalf("throttled=%v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.SetOccupancy(1, 1)
	m.Relayed("offer", 1)
	m.Dropped(DropQueueOverflow)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("meetsync")
	m.Relayed("answer", 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `meetsync_messages_relayed_total{type="answer"} 1`) {
		t.Fatalf("missing counter in output:\n%s", body)
	}
}
