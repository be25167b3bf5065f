package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"marketplace-chat/internal/constants"

	"github.com/gin-gonic/gin"
)

// ValidateUserID 驗證收件人等外部傳入的用戶 ID
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("用戶 ID 不能為空")
	}
	if len(userID) > constants.MaxUserIDLength || !utf8.ValidString(userID) {
		return fmt.Errorf("用戶 ID 格式錯誤")
	}

	// Mongo 運算子字符與控制字符
	for _, r := range userID {
		if unicode.IsControl(r) || strings.ContainsRune("${}[]", r) {
			return fmt.Errorf("用戶 ID 包含非法字符")
		}
	}
	return nil
}

// SanitizeInput 清理使用者輸入的文字：移除無效 UTF-8、控制字符（保留換行與 Tab）
// 以及可用來偽裝訊息內容的雙向文字覆寫字符.
func SanitizeInput(input string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r), isBidiOverride(r):
			return -1
		}
		return r
	}, strings.ToValidUTF8(input, ""))
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202a' && r <= '\u202e') || (r >= '\u2066' && r <= '\u2069')
}

// RequestSizeLimiter 限制請求體大小. 宣告的長度超過上限時直接 413，
// 未宣告長度的請求由 MaxBytesReader 在讀取時截斷.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success":    false,
				"error":      gin.H{"code": "INVALID_REQUEST", "message": fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize)},
				"request_id": GetRequestID(c),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
