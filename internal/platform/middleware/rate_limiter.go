package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterStore 依 key 保存 token bucket 限流器
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewLimiterStore 每分鐘 perMinute 次，突發上限為 perMinute. cleanup 為 0 時不啟動清理.
func NewLimiterStore(perMinute int, cleanup time.Duration) *LimiterStore {
	if perMinute <= 0 {
		perMinute = 60
	}
	s := &LimiterStore{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		ttl:      10 * time.Minute,
		stop:     make(chan struct{}),
	}
	if cleanup > 0 {
		go s.cleanupLoop(cleanup)
	}
	return s
}

// Allow 檢查 key 是否仍有額度
func (s *LimiterStore) Allow(key string) bool {
	s.mu.Lock()
	entry, ok := s.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	s.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop 停止清理 goroutine
func (s *LimiterStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *LimiterStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.limiters {
				if now.Sub(entry.lastSeen) > s.ttl {
					delete(s.limiters, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RateLimit 以已認證用戶（否則以 IP）為 key 的限流中間件
func RateLimit(store *LimiterStore, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if identity, ok := CurrentIdentity(c); ok {
			key = "user:" + identity.ID
		}

		if !store.Allow(bucket + "|" + key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      gin.H{"code": "RATE_LIMITED", "message": "請求過於頻繁，請稍後再試"},
				"request_id": GetRequestID(c),
			})
			return
		}

		c.Next()
	}
}
