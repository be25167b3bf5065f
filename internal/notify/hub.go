package notify

import (
	"context"
	"sync"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/platform/metrics"
)

// 事件類型
const (
	EventMessage      = "message"
	EventConversation = "conversation"
)

// Event 推送給已連線用戶的事件
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Subscription 單一 SSE 連線的訂閱
type Subscription struct {
	UserID string
	id     int64
	ch     chan Event
}

// Events 事件通道. Unsubscribe 後通道會被關閉.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// ConnectionHub 管理每位用戶的即時推送連線. 同一用戶可有多個連線.
type ConnectionHub struct {
	mu      sync.RWMutex
	subs    map[string]map[int64]*Subscription
	nextID  int64
	buffer  int
	metrics *metrics.Metrics
}

// NewConnectionHub 創建推送中心
func NewConnectionHub(buffer int, m *metrics.Metrics) *ConnectionHub {
	if buffer <= 0 {
		buffer = constants.EventChannelBuffer
	}
	return &ConnectionHub{
		subs:    make(map[string]map[int64]*Subscription),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe 註冊連線
func (h *ConnectionHub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[userID]; !ok {
		h.subs[userID] = make(map[int64]*Subscription)
	}
	h.nextID++
	sub := &Subscription{UserID: userID, id: h.nextID, ch: make(chan Event, h.buffer)}
	h.subs[userID][sub.id] = sub

	h.metrics.SSEConnected()
	return sub
}

// Unsubscribe 移除連線並關閉其通道. 重複呼叫無副作用.
func (h *ConnectionHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.subs[sub.UserID]
	if !ok {
		return
	}
	if _, ok := conns[sub.id]; !ok {
		return
	}
	delete(conns, sub.id)
	if len(conns) == 0 {
		delete(h.subs, sub.UserID)
	}
	close(sub.ch)

	h.metrics.SSEDisconnected()
}

// Publish 非阻塞地推送給用戶的所有連線，緩衝已滿的連線直接略過. 回傳成功送出的連線數.
func (h *ConnectionHub) Publish(userID string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Push 推送給多位用戶
func (h *ConnectionHub) Push(_ context.Context, userIDs []string, ev Event) error {
	for _, id := range userIDs {
		h.Publish(id, ev)
	}
	return nil
}

// Connections 目前連線數
func (h *ConnectionHub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
