package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Event bus metrics
	EventsPublishedTotal    int64
	SubscribersDroppedTotal int64
	MirrorDroppedTotal      int64

	// Conversation metrics
	ConversationsCreatedTotal int64
	ConversationsClosedTotal  int64
	MessagesTotal             int64
	SlotsReservedTotal        int64
	StaleCallSignalsTotal     int64

	// Call metrics
	CallsInitiatedTotal int64
	CallsActivatedTotal int64
	callsEndedByReason  map[types.HangupReason]int64
	CallsMissedTotal    int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64

	// Queue and presence gauges
	queue        types.QueueSnapshot
	onlineAgents int

	// Store metrics
	StoreRetriesTotal  int64
	StoreFailuresTotal int64

	// HTTP metrics
	httpRequestsTotal    map[string]map[int]int64 // endpoint -> status -> count
	httpRequestDurations map[string][]float64     // endpoint -> durations

	// Timing
	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			callsEndedByReason:   make(map[types.HangupReason]int64),
			httpRequestsTotal:    make(map[string]map[int]int64),
			httpRequestDurations: make(map[string][]float64),
			startTime:            time.Now(),
		}
	})
	return instance
}

// RecordEventPublished increments the published events counter
func (m *Metrics) RecordEventPublished() {
	m.mu.Lock()
	m.EventsPublishedTotal++
	m.mu.Unlock()
}

// RecordSubscriberDropped increments the dropped subscribers counter
func (m *Metrics) RecordSubscriberDropped() {
	m.mu.Lock()
	m.SubscribersDroppedTotal++
	m.mu.Unlock()
}

// RecordMirrorDropped counts envelopes the mirror queue had no room for
func (m *Metrics) RecordMirrorDropped() {
	m.mu.Lock()
	m.MirrorDroppedTotal++
	m.mu.Unlock()
}

// RecordConversationCreated increments the created conversations counter
func (m *Metrics) RecordConversationCreated() {
	m.mu.Lock()
	m.ConversationsCreatedTotal++
	m.mu.Unlock()
}

// RecordConversationClosed increments the closed conversations counter
func (m *Metrics) RecordConversationClosed() {
	m.mu.Lock()
	m.ConversationsClosedTotal++
	m.mu.Unlock()
}

// RecordMessage increments the message counter
func (m *Metrics) RecordMessage() {
	m.mu.Lock()
	m.MessagesTotal++
	m.mu.Unlock()
}

// RecordSlotReserved increments the reserved slots counter
func (m *Metrics) RecordSlotReserved() {
	m.mu.Lock()
	m.SlotsReservedTotal++
	m.mu.Unlock()
}

// RecordStaleCallSignal increments the dropped call signal counter
func (m *Metrics) RecordStaleCallSignal() {
	m.mu.Lock()
	m.StaleCallSignalsTotal++
	m.mu.Unlock()
}

// RecordCallInitiated increments the initiated calls counter
func (m *Metrics) RecordCallInitiated() {
	m.mu.Lock()
	m.CallsInitiatedTotal++
	m.mu.Unlock()
}

// RecordCallActivated increments the established calls counter
func (m *Metrics) RecordCallActivated() {
	m.mu.Lock()
	m.CallsActivatedTotal++
	m.mu.Unlock()
}

// RecordCallEnded counts an ended call by reason
func (m *Metrics) RecordCallEnded(reason types.HangupReason) {
	m.mu.Lock()
	m.callsEndedByReason[reason]++
	m.mu.Unlock()
}

// RecordCallMissed increments the missed calls counter
func (m *Metrics) RecordCallMissed() {
	m.mu.Lock()
	m.CallsMissedTotal++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// RecordStoreRetry increments the store retry counter
func (m *Metrics) RecordStoreRetry() {
	m.mu.Lock()
	m.StoreRetriesTotal++
	m.mu.Unlock()
}

// RecordStoreFailure increments the exhausted-retries counter
func (m *Metrics) RecordStoreFailure() {
	m.mu.Lock()
	m.StoreFailuresTotal++
	m.mu.Unlock()
}

// UpdateQueue stores the latest queue snapshot
func (m *Metrics) UpdateQueue(snapshot types.QueueSnapshot) {
	m.mu.Lock()
	m.queue = snapshot
	m.mu.Unlock()
}

// UpdateOnlineAgents stores the number of online agents
func (m *Metrics) UpdateOnlineAgents(count int) {
	m.mu.Lock()
	m.onlineAgents = count
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++

	// Keep last 100 durations for percentile calculation
	if len(m.httpRequestDurations[endpoint]) >= 100 {
		m.httpRequestDurations[endpoint] = m.httpRequestDurations[endpoint][1:]
	}
	m.httpRequestDurations[endpoint] = append(m.httpRequestDurations[endpoint], duration.Seconds())
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("livedesk_uptime_seconds", time.Since(m.startTime).Seconds())

		write("livedesk_events_published_total", m.EventsPublishedTotal)
		write("livedesk_subscribers_dropped_total", m.SubscribersDroppedTotal)
		write("livedesk_mirror_dropped_total", m.MirrorDroppedTotal)

		write("livedesk_conversations_created_total", m.ConversationsCreatedTotal)
		write("livedesk_conversations_closed_total", m.ConversationsClosedTotal)
		write("livedesk_messages_total", m.MessagesTotal)
		write("livedesk_slots_reserved_total", m.SlotsReservedTotal)

		write("livedesk_calls_initiated_total", m.CallsInitiatedTotal)
		write("livedesk_calls_activated_total", m.CallsActivatedTotal)
		write("livedesk_calls_missed_total", m.CallsMissedTotal)
		write("livedesk_call_signals_stale_total", m.StaleCallSignalsTotal)
		for reason, count := range m.callsEndedByReason {
			write("livedesk_calls_ended_total", count, "reason", string(reason))
		}

		write("livedesk_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("livedesk_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("livedesk_websocket_active_connections", m.activeConnections)
		write("livedesk_websocket_messages_total", m.WebSocketMessagesTotal)
		write("livedesk_websocket_errors_total", m.WebSocketErrorsTotal)

		write("livedesk_queue_pending", m.queue.PendingCount)
		write("livedesk_queue_active", m.queue.ActiveCount)
		write("livedesk_queue_longest_wait_seconds", m.queue.LongestWaitSecs)
		write("livedesk_queue_service_level", m.queue.ServiceLevel.CurrentSL)
		write("livedesk_agents_online", m.onlineAgents)

		write("livedesk_store_retries_total", m.StoreRetriesTotal)
		write("livedesk_store_failures_total", m.StoreFailuresTotal)

		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("livedesk_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}
