package messaging

import (
	"context"
	"errors"
	"time"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/metrics"
	"marketplace-chat/internal/security/audit"
	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database/conversation"

	"github.com/jonboulle/clockwork"
)

// ConversationRepository 對話持久化
type ConversationRepository interface {
	Create(ctx context.Context, conv *conversation.Conversation) error
	GetByID(ctx context.Context, id string) (*conversation.Conversation, error)
	FindActiveByPairKey(ctx context.Context, pairKey string) (*conversation.Conversation, error)
	ListForUser(ctx context.Context, userID string, filter conversation.ListFilter, limit int) ([]*conversation.Conversation, error)
	UpdateLastMessage(ctx context.Context, id string, lm conversation.LastMessage) error
	SetView(ctx context.Context, id string, view conversation.ParticipantView) error
}

// MessageRepository 訊息持久化
type MessageRepository interface {
	Create(ctx context.Context, msg *conversation.Message) error
	GetByID(ctx context.Context, id string) (*conversation.Message, error)
	ListBefore(ctx context.Context, conversationID string, before *conversation.Position, limit int) ([]*conversation.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (*conversation.Message, error)
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)
	ToggleReaction(ctx context.Context, id, userID, emoji string, at time.Time) (*conversation.Message, error)
}

// AttachmentStorer 附件持久化
type AttachmentStorer interface {
	Store(ctx context.Context, f attachment.File) (conversation.Attachment, error)
}

// UserDirectory 查詢用戶的顯示名稱
type UserDirectory interface {
	LookupContact(ctx context.Context, userID string) (email, name string, err error)
}

// Notifier 新訊息與新對話通知. 實作必須自行吞下錯誤.
type Notifier interface {
	OnNewMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message)
	OnNewConversation(ctx context.Context, conv *conversation.Conversation)
}

// Options 訊息服務的可調參數
type Options struct {
	EditWindow        time.Duration
	DeleteWindow      time.Duration // 0 表示不限制
	MaxContentLength  int
	PreviewLength     int
	MaxAttachments    int
	MaxAttachmentSize int64
	DefaultPageSize   int
	MaxPageSize       int
	ConversationLimit int
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		EditWindow:        constants.DefaultEditWindowMinutes * time.Minute,
		MaxContentLength:  constants.DefaultMaxContentLength,
		PreviewLength:     constants.DefaultPreviewLength,
		MaxAttachments:    constants.DefaultMaxAttachments,
		MaxAttachmentSize: constants.DefaultMaxAttachmentSize,
		DefaultPageSize:   constants.DefaultPageSize,
		MaxPageSize:       constants.DefaultMaxPageSize,
		ConversationLimit: constants.DefaultConversationLimit,
	}
}

// OptionsFromConfig 由配置組出參數，未設定的欄位沿用預設值
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}

	opts.EditWindow = cfg.Messaging.EditWindow()
	opts.DeleteWindow = cfg.Messaging.DeleteWindow()
	if cfg.Messaging.MaxContentLength > 0 {
		opts.MaxContentLength = cfg.Messaging.MaxContentLength
	}
	if cfg.Messaging.PreviewLength > 0 {
		opts.PreviewLength = cfg.Messaging.PreviewLength
	}
	if cfg.Attachments.MaxFiles > 0 {
		opts.MaxAttachments = cfg.Attachments.MaxFiles
	}
	if cfg.Attachments.MaxFileSize > 0 {
		opts.MaxAttachmentSize = cfg.Attachments.MaxFileSize
	}
	if cfg.Limits.Pagination.DefaultPageSize > 0 {
		opts.DefaultPageSize = cfg.Limits.Pagination.DefaultPageSize
	}
	if cfg.Limits.Pagination.MaxPageSize > 0 {
		opts.MaxPageSize = cfg.Limits.Pagination.MaxPageSize
	}
	return opts.normalize()
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.EditWindow <= 0 {
		o.EditWindow = def.EditWindow
	}
	if o.DeleteWindow < 0 {
		o.DeleteWindow = 0
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = def.MaxContentLength
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = def.PreviewLength
	}
	if o.MaxAttachments <= 0 {
		o.MaxAttachments = def.MaxAttachments
	}
	if o.MaxAttachmentSize <= 0 {
		o.MaxAttachmentSize = def.MaxAttachmentSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = def.MaxPageSize
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = min(def.DefaultPageSize, o.MaxPageSize)
	}
	if o.ConversationLimit <= 0 {
		o.ConversationLimit = def.ConversationLimit
	}
	return o
}

// Deps 服務相依. Audit、Metrics 與 Notifier 可為 nil.
type Deps struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Attachments   AttachmentStorer
	Notifier      Notifier
	Users         UserDirectory // 可為 nil，此時不記錄接收者名稱
	Audit         *audit.AuditService
	Metrics       *metrics.Metrics
	Clock         clockwork.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return d
}

// now 以毫秒精度回傳 UTC 時間，與 Mongo 儲存精度一致
func now(clock clockwork.Clock) time.Time {
	return clock.Now().UTC().Truncate(time.Millisecond)
}

// storeError 將儲存層錯誤轉成領域錯誤
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, conversation.ErrNotFound) {
		return ErrNotFound
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return ErrInternal.Wrap(err)
}
