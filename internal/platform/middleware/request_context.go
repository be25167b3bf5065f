package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// RequestMetadata 稽核日誌使用的請求資訊
type RequestMetadata struct {
	RequestID string
	IPAddress string
	UserAgent string
	UserID    string
}

type metadataKey struct{}

const metadataGinKey = "request_metadata"

// RequestMetadataMiddleware 記錄請求來源. UserID 由 Authenticate 補上，
// 同一個指標同時放在 gin.Context 與 request context，服務層與 handler 看到的是同一份.
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := &RequestMetadata{
			RequestID: GetRequestID(c),
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
		}
		c.Set(metadataGinKey, meta)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), metadataKey{}, meta))

		c.Next()
	}
}

// GetClientIP 客戶端 IP. 只有來自 engine 信任代理的請求才採用 X-Forwarded-For / X-Real-IP，
// 詢價驗證碼與限流都依賴這個值，不能直接相信任意標頭.
func GetClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// GetRequestMetadata 從 context 取得請求資訊，背景工作等非 HTTP 情境回傳 unknown
func GetRequestMetadata(ctx context.Context) *RequestMetadata {
	if ctx != nil {
		if meta, ok := ctx.Value(metadataKey{}).(*RequestMetadata); ok {
			return meta
		}
	}
	return &RequestMetadata{IPAddress: "unknown", UserAgent: "unknown"}
}

// GetRequestMetadataFromGin 從 gin.Context 取得請求資訊
func GetRequestMetadataFromGin(c *gin.Context) *RequestMetadata {
	meta, _ := c.Get(metadataGinKey)
	m, _ := meta.(*RequestMetadata)
	return m
}
