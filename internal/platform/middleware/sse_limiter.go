package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SSEConnectionLimiter SSE 連接限制器，以用戶（匿名時以 IP）為 key
type SSEConnectionLimiter struct {
	mu                sync.RWMutex
	connections       map[string]int       // key -> 連接數
	lastConnect       map[string]time.Time // key -> 最後連接時間
	maxPerKey         int
	minInterval       time.Duration
	maxTotalConns     int
	currentTotalConns int
	now               func() time.Time
}

// NewSSEConnectionLimiter 創建 SSE 連接限制器
func NewSSEConnectionLimiter(maxPerKey int, minInterval time.Duration, maxTotal int) *SSEConnectionLimiter {
	return &SSEConnectionLimiter{
		connections:   make(map[string]int),
		lastConnect:   make(map[string]time.Time),
		maxPerKey:     maxPerKey,
		minInterval:   minInterval,
		maxTotalConns: maxTotal,
		now:           time.Now,
	}
}

// Middleware SSE 連接限制中間件. 連線結束（handler 返回）時釋放名額.
func (l *SSEConnectionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if identity, ok := CurrentIdentity(c); ok {
			key = "user:" + identity.ID
		}

		if !l.Acquire(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      gin.H{"code": "RATE_LIMITED", "message": "SSE 連接數已達上限，請稍後再試"},
				"request_id": GetRequestID(c),
			})
			return
		}
		defer l.Release(key)

		c.Next()
	}
}

// Acquire 嘗試佔用一個連接名額
func (l *SSEConnectionLimiter) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTotalConns > 0 && l.currentTotalConns >= l.maxTotalConns {
		return false
	}
	if l.maxPerKey > 0 && l.connections[key] >= l.maxPerKey {
		return false
	}

	now := l.now()
	if lastTime, exists := l.lastConnect[key]; exists && now.Sub(lastTime) < l.minInterval {
		return false
	}

	l.connections[key]++
	l.currentTotalConns++
	l.lastConnect[key] = now
	return true
}

// Release 釋放連接名額
func (l *SSEConnectionLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, exists := l.connections[key]
	if !exists {
		return
	}
	if count <= 1 {
		delete(l.connections, key)
	} else {
		l.connections[key]--
	}
	l.currentTotalConns--

	// 清理 10 分鐘無活動的記錄
	now := l.now()
	for k, lastTime := range l.lastConnect {
		if _, active := l.connections[k]; !active && now.Sub(lastTime) > 10*time.Minute {
			delete(l.lastConnect, k)
		}
	}
}

// Stats 獲取統計信息
func (l *SSEConnectionLimiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]interface{}{
		"total_connections": l.currentTotalConns,
		"unique_keys":       len(l.connections),
		"max_total":         l.maxTotalConns,
		"max_per_key":       l.maxPerKey,
	}
}
