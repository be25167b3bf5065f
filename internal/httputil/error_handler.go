package httputil

import (
	"errors"
	"fmt"
	"net/http"

	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// RespondError 將錯誤轉為統一的錯誤回應.
// *messaging.Error 依其狀態碼與錯誤碼回應，其餘一律視為內部錯誤.
func RespondError(c *gin.Context, err error) {
	var appErr *messaging.Error
	if !errors.As(err, &appErr) {
		InternalServerError(c, err)
		return
	}

	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		SafeError(c, status, appErr.Code, err, appErr.Message)
		return
	}
	writeError(c, status, appErr.Code, appErr.Message)
}

// SafeError 記錄真實錯誤，回應時只帶用戶可見的訊息
func SafeError(c *gin.Context, status int, code messaging.Code, err error, userMessage string) {
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": middleware.GetRequestID(c),
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     status,
			"code":       string(code),
		}))
	writeError(c, status, code, userMessage)
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, messaging.CodeInternal, err, "服務器內部錯誤，請稍後再試")
}

// ServiceUnavailable 服務尚未就緒
func ServiceUnavailable(c *gin.Context) {
	writeError(c, http.StatusServiceUnavailable, messaging.CodeServiceUnavailable, messaging.ErrServiceUnavailable.Message)
}

// BadRequest 錯誤的請求
func BadRequest(c *gin.Context, message string) {
	if message == "" {
		message = messaging.ErrInvalidRequest.Message
	}
	writeError(c, http.StatusBadRequest, messaging.CodeInvalidRequest, message)
}

func writeError(c *gin.Context, status int, code messaging.Code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
		"request_id": middleware.GetRequestID(c),
	})
}
