// Package handler 對話、訊息與舊版詢價的 HTTP 處理器.
// 所有服務在啟動時建立後注入，未注入的服務一律回應 503.
package handler

import (
	"context"
	"io"
	"mime/multipart"
	"strconv"

	"marketplace-chat/internal/enquiry"
	"marketplace-chat/internal/httputil"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/middleware"
	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database/conversation"
	legacy "marketplace-chat/internal/storage/database/enquiry"

	"github.com/gin-gonic/gin"
)

// ConversationService 對話管理
type ConversationService interface {
	CreateOrGet(ctx context.Context, in messaging.CreateInput) (*messaging.CreateResult, error)
	List(ctx context.Context, userID string, archived bool) ([]messaging.Summary, error)
	Get(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
	UpdateSettings(ctx context.Context, conversationID, userID string, settings messaging.Settings) (*conversation.Conversation, error)
	SoftDelete(ctx context.Context, conversationID, userID string) error
	MarkRead(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
}

// MessageService 訊息生命週期與分頁
type MessageService interface {
	Send(ctx context.Context, in messaging.SendInput) (*conversation.Message, error)
	List(ctx context.Context, conversationID, userID, before string, limit int) (*messaging.Page, error)
	Get(ctx context.Context, messageID, userID string) (*conversation.Message, error)
	Edit(ctx context.Context, messageID, userID, content string) (*conversation.Message, error)
	SoftDelete(ctx context.Context, messageID, userID string) (bool, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (*conversation.Message, error)
}

// EnquiryService 舊版詢價
type EnquiryService interface {
	CreateEnquiry(ctx context.Context, in enquiry.CreateInput) (*enquiry.CreateResult, error)
	Reply(ctx context.Context, in enquiry.ReplyInput) (*legacy.Message, error)
	ListThreads(ctx context.Context, userID string) ([]legacy.Thread, error)
	GetThreadMessages(ctx context.Context, threadID, userID string) ([]legacy.Message, error)
	MarkRead(ctx context.Context, threadID, userID string) (*legacy.Thread, error)
	Archive(ctx context.Context, threadID, userID string) (*legacy.Thread, error)
}

// PreferenceStore 郵件通知偏好
type PreferenceStore interface {
	EmailOptedOut(ctx context.Context, userID string) (bool, error)
	SetEmailOptOut(ctx context.Context, userID string, optOut bool) error
}

// Deps 處理器依賴，任一欄位可為 nil
type Deps struct {
	Conversations ConversationService
	Messages      MessageService
	Enquiries     EnquiryService
	Preferences   PreferenceStore
}

// Handler HTTP 處理器集合
type Handler struct {
	convs     ConversationService
	msgs      MessageService
	enquiries EnquiryService
	prefs     PreferenceStore
}

// New 創建處理器
func New(d Deps) *Handler {
	return &Handler{
		convs:     d.Conversations,
		msgs:      d.Messages,
		enquiries: d.Enquiries,
		prefs:     d.Preferences,
	}
}

// available 服務未就緒時回應 503
func available(c *gin.Context, ready bool) bool {
	if !ready {
		httputil.ServiceUnavailable(c)
	}
	return ready
}

// currentUser 取得已驗證的用戶. 路由必須掛上 Authenticate(required=true).
func currentUser(c *gin.Context) *middleware.Identity {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		return &middleware.Identity{}
	}
	return id
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

// multipartFiles 將上傳檔案轉為附件輸入. 檔案內容在存儲時才開啟.
func multipartFiles(form *multipart.Form) []attachment.File {
	if form == nil {
		return nil
	}
	headers := form.File["files"]
	headers = append(headers, form.File["files[]"]...)

	files := make([]attachment.File, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, attachment.File{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return files
}
