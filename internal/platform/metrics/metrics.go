package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 結果標籤
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Metrics 服務指標. nil 接收者上的方法皆為 no-op.
type Metrics struct {
	messagesSent         *prometheus.CounterVec
	conversationsCreated *prometheus.CounterVec
	reconcile            *prometheus.CounterVec
	notifications        *prometheus.CounterVec
	sseConnections       prometheus.Gauge
}

// New 在指定的 registerer 上註冊指標
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by API surface.",
		}, []string{"source"}),
		conversationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_conversations_created_total",
			Help: "Conversations created, by context type.",
		}, []string{"context"}),
		reconcile: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_reconcile_total",
			Help: "Mirror reconciliation passes, by entity and result.",
		}, []string{"entity", "result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Notification attempts, by channel and result.",
		}, []string{"channel", "result"}),
		sseConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sse_connections",
			Help: "Open server-sent event streams.",
		}),
	}
}

// MessageSent 記錄訊息寫入
func (m *Metrics) MessageSent(source string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(source).Inc()
}

// ConversationCreated 記錄對話建立
func (m *Metrics) ConversationCreated(contextType string) {
	if m == nil {
		return
	}
	m.conversationsCreated.WithLabelValues(contextType).Inc()
}

// Reconciled 記錄一次鏡像同步
func (m *Metrics) Reconciled(entity, result string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(entity, result).Inc()
}

// Notified 記錄一次通知嘗試
func (m *Metrics) Notified(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// SSEConnected SSE 連線建立
func (m *Metrics) SSEConnected() {
	if m == nil {
		return
	}
	m.sseConnections.Inc()
}

// SSEDisconnected SSE 連線關閉
func (m *Metrics) SSEDisconnected() {
	if m == nil {
		return
	}
	m.sseConnections.Dec()
}
