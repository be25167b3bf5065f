package conversation

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound 文件不存在
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey 違反唯一索引
	ErrDuplicateKey = errors.New("duplicate key")
)

// 對話狀態
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// 對話情境類型
const (
	ContextDirect  = "direct"
	ContextListing = "listing"
	ContextEnquiry = "enquiry"
)

// 附件類型
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
)

// Context 對話情境（例如商品刊登）
type Context struct {
	Type  string `bson:"type" json:"type"`
	RefID string `bson:"ref_id,omitempty" json:"refId,omitempty"`
}

// ParticipantView 參與者各自的檢視狀態
type ParticipantView struct {
	UserID       string     `bson:"user_id" json:"userId"`
	IsPinned     bool       `bson:"is_pinned" json:"isPinned"`
	IsMuted      bool       `bson:"is_muted" json:"isMuted"`
	IsArchived   bool       `bson:"is_archived" json:"isArchived"`
	MarkedUnread bool       `bson:"marked_unread" json:"markedUnread"`
	LastReadAt   *time.Time `bson:"last_read_at,omitempty" json:"lastReadAt,omitempty"`
}

// LastMessage 反正規化的最後訊息摘要
type LastMessage struct {
	MessageID string    `bson:"message_id,omitempty" json:"messageId,omitempty"`
	Preview   string    `bson:"preview" json:"preview"`
	SenderID  string    `bson:"sender_id,omitempty" json:"senderId,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Conversation 對話文件. ID 為對外公開的穩定 ID，舊版鏡像與舊版 thread 共用同一個 ID.
type Conversation struct {
	ID           string            `bson:"id" json:"id"`
	Participants []string          `bson:"participants" json:"participants"`
	Names        map[string]string `bson:"names,omitempty" json:"names,omitempty"`
	Context      *Context          `bson:"context,omitempty" json:"context,omitempty"`
	PairKey      string            `bson:"pair_key,omitempty" json:"-"`
	Views        []ParticipantView `bson:"views,omitempty" json:"-"`
	LastMessage  *LastMessage      `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	Status       string            `bson:"status" json:"status"`
	Metadata     map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Source       string            `bson:"source" json:"source"`
	CreatedAt    time.Time         `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time         `bson:"updated_at" json:"updatedAt"`
}

// HasParticipant 檢查用戶是否為參與者
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ViewFor 取得用戶的檢視狀態，不存在時回傳預設值
func (c *Conversation) ViewFor(userID string) ParticipantView {
	for _, v := range c.Views {
		if v.UserID == userID {
			return v
		}
	}
	return ParticipantView{UserID: userID}
}

// ApplyView 在記憶體中套用檢視狀態
func (c *Conversation) ApplyView(view ParticipantView) {
	for i := range c.Views {
		if c.Views[i].UserID == view.UserID {
			c.Views[i] = view
			return
		}
	}
	c.Views = append(c.Views, view)
}

// IsArchivedFor 對話對該用戶是否已封存（整體封存或個人封存）
func (c *Conversation) IsArchivedFor(userID string) bool {
	return c.Status == StatusArchived || c.ViewFor(userID).IsArchived
}

// PairKey 計算兩人對話的唯一鍵. 商品刊登情境額外以刊登 ID 區分.
func PairKey(a, b string, ctx *Context) string {
	users := []string{a, b}
	sort.Strings(users)

	ctxType := ContextDirect
	if ctx != nil && ctx.Type != "" {
		ctxType = ctx.Type
	}

	parts := []string{users[0], users[1], ctxType}
	if ctxType == ContextListing && ctx.RefID != "" {
		parts = append(parts, ctx.RefID)
	}
	return strings.Join(parts, "|")
}

// Attachment 訊息附件. URL 由內容雜湊推導.
type Attachment struct {
	Type     string `bson:"type" json:"type"`
	URL      string `bson:"url" json:"url"`
	Filename string `bson:"filename" json:"filename"`
	Size     int64  `bson:"size" json:"size"`
	MimeType string `bson:"mime_type" json:"mimeType"`
}

// Reaction 表情回應
type Reaction struct {
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Message 訊息文件
type Message struct {
	ID             string       `bson:"id" json:"id"`
	ConversationID string       `bson:"conversation_id" json:"conversationId"`
	SenderID       string       `bson:"sender_id" json:"senderId"`
	Content        string       `bson:"content" json:"content"`
	Attachments    []Attachment `bson:"attachments,omitempty" json:"attachments,omitempty"`
	ReplyToID      string       `bson:"reply_to_id,omitempty" json:"replyToId,omitempty"`
	Reactions      []Reaction   `bson:"reactions,omitempty" json:"reactions,omitempty"`
	IsDeleted      bool         `bson:"is_deleted" json:"isDeleted"`
	DeletedAt      *time.Time   `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
	CreatedAt      time.Time    `bson:"created_at" json:"createdAt"`
	EditedAt       *time.Time   `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	Source         string       `bson:"source" json:"source"`
}

// HasReaction 檢查 (userID, emoji) 是否存在
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ListFilter 對話列表條件，以呼叫者的檢視狀態篩選. Pinned 為 nil 表示不限.
type ListFilter struct {
	Archived bool
	Pinned   *bool
}

// Position 分頁游標位置
type Position struct {
	CreatedAt time.Time
	ID        string
}
