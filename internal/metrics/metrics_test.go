package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

func TestGetReturnsSingleton(t *testing.T) {
	if Get() != Get() {
		t.Fatal("Get() returned different instances")
	}
}

func TestActiveConnections(t *testing.T) {
	m := Get()
	before := m.GetActiveConnections()

	m.RecordWebSocketConnect()
	m.RecordWebSocketConnect()
	m.RecordWebSocketDisconnect()

	if got := m.GetActiveConnections(); got != before+1 {
		t.Errorf("active connections = %d, want %d", got, before+1)
	}
	m.RecordWebSocketDisconnect()
}

func TestHandlerExposition(t *testing.T) {
	m := Get()
	m.RecordCallEnded(types.ReasonDeclined)
	m.RecordHTTPRequest("/api/queue", http.StatusOK, 3*time.Millisecond)
	m.UpdateQueue(types.QueueSnapshot{PendingCount: 4, ActiveCount: 2})
	m.UpdateOnlineAgents(3)

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)

	tests := []string{
		"livedesk_uptime_seconds ",
		"livedesk_queue_pending 4\n",
		"livedesk_queue_active 2\n",
		"livedesk_agents_online 3\n",
		`livedesk_calls_ended_total{reason="declined"} `,
		`livedesk_http_requests_total{endpoint="/api/queue",status="200"} `,
	}
	for _, want := range tests {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
