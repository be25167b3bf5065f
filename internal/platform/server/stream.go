package server

import (
	"time"

	"marketplace-chat/internal/httputil"
	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// streamEvents 使用 SSE 推送呼叫者的新訊息與新對話事件
func streamEvents(hub *notify.ConnectionHub, heartbeat time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub == nil {
			httputil.ServiceUnavailable(c)
			return
		}
		identity, ok := middleware.CurrentIdentity(c)
		if !ok {
			httputil.BadRequest(c, "缺少用戶身分")
			return
		}

		sub := hub.Subscribe(identity.ID)
		defer hub.Unsubscribe(sub)

		setupSSEHeaders(c)
		handleSSELoop(c, sub.Events(), heartbeat)
	}
}

// setupSSEHeaders 設置 SSE headers
func setupSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"status": "ok"})
	c.Writer.Flush()
}

// handleSSELoop 處理 SSE 循環，直到用戶斷線或訂閱被關閉
func handleSSELoop(c *gin.Context, events <-chan notify.Event, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev.Data)
			c.Writer.Flush()
		}
	}
}
