package messaging

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Code 對外公開的機器可讀錯誤碼
type Code string

const (
	CodeMissingRecipient    Code = "MISSING_RECIPIENT"
	CodeInvalidRecipient    Code = "INVALID_RECIPIENT"
	CodeEmptyMessage        Code = "EMPTY_MESSAGE"
	CodeEditWindowExpired   Code = "EDIT_WINDOW_EXPIRED"
	CodeDeleteWindowExpired Code = "DELETE_WINDOW_EXPIRED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidID           Code = "INVALID_ID"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInvalidCursor       Code = "INVALID_CURSOR"
	CodeTooManyAttachments  Code = "TOO_MANY_ATTACHMENTS"
	CodeAttachmentTooLarge  Code = "ATTACHMENT_TOO_LARGE"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeCaptchaFailed       Code = "CAPTCHA_FAILED"
	CodeLegacyConversation  Code = "LEGACY_CONVERSATION"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error 領域錯誤. Status 為對應的 HTTP 狀態碼.
type Error struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 以錯誤碼比較，讓 errors.Is(err, ErrNotFound) 對自訂訊息的錯誤也成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage 回傳帶自訂訊息的副本
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap 回傳包裹底層錯誤的副本
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Err: err}
}

var (
	ErrMissingRecipient    = &Error{Code: CodeMissingRecipient, Status: http.StatusBadRequest, Message: "缺少接收者"}
	ErrInvalidRecipient    = &Error{Code: CodeInvalidRecipient, Status: http.StatusBadRequest, Message: "無法與自己建立對話"}
	ErrEmptyMessage        = &Error{Code: CodeEmptyMessage, Status: http.StatusBadRequest, Message: "訊息內容與附件不能同時為空"}
	ErrEditWindowExpired   = &Error{Code: CodeEditWindowExpired, Status: http.StatusForbidden, Message: "已超過可編輯時間"}
	ErrDeleteWindowExpired = &Error{Code: CodeDeleteWindowExpired, Status: http.StatusForbidden, Message: "已超過可刪除時間"}
	ErrNotFound            = &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: "資源不存在"}
	ErrInvalidID           = &Error{Code: CodeInvalidID, Status: http.StatusBadRequest, Message: "ID 格式錯誤"}
	ErrForbidden           = &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: "無權限執行此操作"}
	ErrInvalidCursor       = &Error{Code: CodeInvalidCursor, Status: http.StatusBadRequest, Message: "分頁游標無效"}
	ErrTooManyAttachments  = &Error{Code: CodeTooManyAttachments, Status: http.StatusBadRequest, Message: "附件數量超過上限"}
	ErrAttachmentTooLarge  = &Error{Code: CodeAttachmentTooLarge, Status: http.StatusRequestEntityTooLarge, Message: "附件大小超過上限"}
	ErrInvalidRequest      = &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: "請求格式錯誤"}
	ErrCaptchaFailed       = &Error{Code: CodeCaptchaFailed, Status: http.StatusBadRequest, Message: "驗證碼驗證失敗"}
	ErrLegacyConversation  = &Error{Code: CodeLegacyConversation, Status: http.StatusConflict, Message: "詢價對話請透過詢價 API 回覆"}
	ErrServiceUnavailable  = &Error{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "服務暫時無法使用"}
	ErrInternal            = &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "內部錯誤"}
)

// ValidID 檢查公開 ID 格式. 統一 API 使用 ObjectID hex，舊版記錄使用 UUID.
func ValidID(id string) bool {
	if len(id) == 24 {
		_, err := bson.ObjectIDFromHex(id)
		return err == nil
	}
	if len(id) == 36 {
		_, err := uuid.Parse(id)
		return err == nil
	}
	return false
}

// NewID 產生新的統一 API 公開 ID
func NewID() string {
	return bson.NewObjectID().Hex()
}
