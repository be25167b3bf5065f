package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database/conversation"
)

// ConversationManager 對話建立與每位參與者的檢視設定
type ConversationManager struct {
	deps     Deps
	messages *MessageService
}

// NewConversationManager 創建對話管理器. 初始訊息透過 messages 發送.
func NewConversationManager(d Deps, messages *MessageService) *ConversationManager {
	return &ConversationManager{deps: d.withDefaults(), messages: messages}
}

// CreateInput 建立或取得對話參數
type CreateInput struct {
	InitiatorID    string
	InitiatorName  string
	RecipientID    string
	Context        *conversation.Context
	Metadata       map[string]string
	InitialMessage string
	Files          []attachment.File
}

// CreateResult 建立或取得對話的結果
type CreateResult struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Message      *conversation.Message      `json:"message,omitempty"`
	IsExisting   bool                       `json:"isExisting"`
}

// CreateOrGet 查找兩人在同一情境下的進行中對話，不存在時建立.
func (m *ConversationManager) CreateOrGet(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.RecipientID = strings.TrimSpace(in.RecipientID)
	if in.RecipientID == "" {
		return nil, ErrMissingRecipient
	}
	if in.RecipientID == in.InitiatorID {
		return nil, ErrInvalidRecipient
	}
	ctxRef, err := normalizeContext(in.Context)
	if err != nil {
		return nil, err
	}
	hasMessage := strings.TrimSpace(in.InitialMessage) != "" || len(in.Files) > 0
	if hasMessage {
		if err := m.messages.validatePayload(in.InitialMessage, in.Files); err != nil {
			return nil, err
		}
	}

	pairKey := conversation.PairKey(in.InitiatorID, in.RecipientID, ctxRef)
	existing, err := m.deps.Conversations.FindActiveByPairKey(ctx, pairKey)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return nil, ErrInternal.Wrap(err)
	}
	if existing != nil {
		return m.reuse(ctx, existing, in, hasMessage)
	}

	ts := now(m.deps.Clock)
	conv := &conversation.Conversation{
		ID:           NewID(),
		Participants: []string{in.InitiatorID, in.RecipientID},
		Names:        m.participantNames(ctx, in),
		Context:      ctxRef,
		PairKey:      pairKey,
		Views: []conversation.ParticipantView{
			{UserID: in.InitiatorID},
			{UserID: in.RecipientID},
		},
		Status:    conversation.StatusActive,
		Metadata:  in.Metadata,
		Source:    constants.SourceUnified,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	if err := m.deps.Conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, conversation.ErrDuplicateKey) {
			// 併發建立時唯一索引擋下後者，改回傳先建立的對話
			winner, findErr := m.deps.Conversations.FindActiveByPairKey(ctx, pairKey)
			if findErr != nil {
				return nil, storeError(findErr)
			}
			return m.reuse(ctx, winner, in, hasMessage)
		}
		return nil, ErrInternal.Wrap(err)
	}

	m.deps.Metrics.ConversationCreated(ctxRef.Type)
	m.deps.Audit.LogConversationCreated(ctx, in.InitiatorID, conv.ID, ctxRef.Type)
	logger.Info(ctx, "建立對話",
		logger.WithUserID(in.InitiatorID),
		logger.WithConversationID(conv.ID),
		logger.WithDetails(map[string]interface{}{"context_type": ctxRef.Type}))

	result := &CreateResult{Conversation: conv}
	if hasMessage {
		msg, err := m.messages.deliver(ctx, conv, SendInput{
			ConversationID: conv.ID,
			SenderID:       in.InitiatorID,
			Content:        in.InitialMessage,
			Files:          in.Files,
		})
		if err != nil {
			return nil, err
		}
		result.Message = msg
		if m.deps.Notifier != nil {
			m.deps.Notifier.OnNewConversation(ctx, conv)
		}
	}
	return result, nil
}

// reuse 處理既有對話：發起者若曾封存則取消封存，並附加初始訊息
func (m *ConversationManager) reuse(ctx context.Context, conv *conversation.Conversation, in CreateInput, hasMessage bool) (*CreateResult, error) {
	if view := conv.ViewFor(in.InitiatorID); view.IsArchived {
		view.IsArchived = false
		if err := m.deps.Conversations.SetView(ctx, conv.ID, view); err != nil {
			logger.Warning(ctx, "取消封存對話失敗",
				logger.WithUserID(in.InitiatorID),
				logger.WithConversationID(conv.ID),
				logger.WithError(err))
		} else {
			conv.ApplyView(view)
		}
	}

	result := &CreateResult{Conversation: conv, IsExisting: true}
	if !hasMessage {
		return result, nil
	}

	msg, err := m.messages.deliver(ctx, conv, SendInput{
		ConversationID: conv.ID,
		SenderID:       in.InitiatorID,
		Content:        in.InitialMessage,
		Files:          in.Files,
	})
	if err != nil {
		return nil, err
	}
	result.Message = msg
	if m.deps.Notifier != nil {
		m.deps.Notifier.OnNewMessage(ctx, conv, msg)
	}
	return result, nil
}

// Settings 檢視設定，nil 欄位表示不變更
type Settings struct {
	IsPinned   *bool `json:"isPinned,omitempty"`
	IsMuted    *bool `json:"isMuted,omitempty"`
	IsArchived *bool `json:"isArchived,omitempty"`
	MarkUnread *bool `json:"markUnread,omitempty"`
}

// Empty 是否沒有任何變更
func (s Settings) Empty() bool {
	return s.IsPinned == nil && s.IsMuted == nil && s.IsArchived == nil && s.MarkUnread == nil
}

// UpdateSettings 更新呼叫者自己的檢視設定，不影響其他參與者
func (m *ConversationManager) UpdateSettings(ctx context.Context, conversationID, userID string, settings Settings) (*conversation.Conversation, error) {
	if settings.Empty() {
		return nil, ErrInvalidRequest.WithMessage("未提供任何設定")
	}
	conv, err := m.getForParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	view := conv.ViewFor(userID)
	changes := make(map[string]interface{})
	if settings.IsPinned != nil {
		view.IsPinned = *settings.IsPinned
		changes["is_pinned"] = view.IsPinned
	}
	if settings.IsMuted != nil {
		view.IsMuted = *settings.IsMuted
		changes["is_muted"] = view.IsMuted
	}
	if settings.IsArchived != nil {
		view.IsArchived = *settings.IsArchived
		changes["is_archived"] = view.IsArchived
	}
	if settings.MarkUnread != nil {
		view.MarkedUnread = *settings.MarkUnread
		changes["marked_unread"] = view.MarkedUnread
	}

	if err := m.deps.Conversations.SetView(ctx, conv.ID, view); err != nil {
		return nil, storeError(err)
	}
	conv.ApplyView(view)

	m.deps.Audit.LogSettingsChanged(ctx, userID, conv.ID, changes)
	return conv, nil
}

// SoftDelete 只對呼叫者封存對話，其他參與者不受影響
func (m *ConversationManager) SoftDelete(ctx context.Context, conversationID, userID string) error {
	archived := true
	_, err := m.UpdateSettings(ctx, conversationID, userID, Settings{IsArchived: &archived})
	return err
}

// MarkRead 記錄呼叫者的已讀時間並清除手動未讀標記
func (m *ConversationManager) MarkRead(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	conv, err := m.getForParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	ts := now(m.deps.Clock)
	view := conv.ViewFor(userID)
	view.MarkedUnread = false
	view.LastReadAt = &ts
	if err := m.deps.Conversations.SetView(ctx, conv.ID, view); err != nil {
		return nil, storeError(err)
	}
	conv.ApplyView(view)
	return conv, nil
}

// Get 取得單一對話. 非參與者回傳 NOT_FOUND.
func (m *ConversationManager) Get(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	return m.getForParticipant(ctx, conversationID, userID)
}

// Summary 對話列表項目，附帶呼叫者的檢視狀態
type Summary struct {
	*conversation.Conversation
	View   conversation.ParticipantView `json:"view"`
	Unread bool                         `json:"unread"`
}

// List 列出呼叫者的對話. archived 為 true 時只列出已封存的對話.
// 置頂優先，其餘依最後訊息時間由新到舊.
// 置頂的對話另外查詢，不佔用一般對話的數量上限.
func (m *ConversationManager) List(ctx context.Context, userID string, archived bool) ([]Summary, error) {
	limit := m.messages.opts.ConversationLimit
	pinned, unpinned := true, false
	top, err := m.deps.Conversations.ListForUser(ctx, userID, conversation.ListFilter{Archived: archived, Pinned: &pinned}, limit)
	if err != nil {
		return nil, ErrInternal.Wrap(err)
	}
	rest, err := m.deps.Conversations.ListForUser(ctx, userID, conversation.ListFilter{Archived: archived, Pinned: &unpinned}, limit)
	if err != nil {
		return nil, ErrInternal.Wrap(err)
	}

	// 兩次查詢之間檢視狀態可能改變，以 ID 去重
	seen := make(map[string]bool, len(top)+len(rest))
	out := make([]Summary, 0, len(top)+len(rest))
	for _, conv := range append(top, rest...) {
		if seen[conv.ID] || conv.IsArchivedFor(userID) != archived {
			continue
		}
		seen[conv.ID] = true
		out = append(out, Summarize(conv, userID))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].View.IsPinned != out[j].View.IsPinned {
			return out[i].View.IsPinned
		}
		return activityTime(out[i].Conversation).After(activityTime(out[j].Conversation))
	})
	return out, nil
}

// Summarize 套用用戶的檢視狀態並計算未讀
func Summarize(conv *conversation.Conversation, userID string) Summary {
	view := conv.ViewFor(userID)
	unread := view.MarkedUnread
	if lm := conv.LastMessage; lm != nil && lm.SenderID != userID {
		if view.LastReadAt == nil || lm.Timestamp.After(*view.LastReadAt) {
			unread = true
		}
	}
	return Summary{Conversation: conv, View: view, Unread: unread}
}

func activityTime(conv *conversation.Conversation) time.Time {
	if conv.LastMessage != nil {
		return conv.LastMessage.Timestamp
	}
	return conv.CreatedAt
}

func (m *ConversationManager) getForParticipant(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	if !ValidID(conversationID) {
		return nil, ErrInvalidID
	}
	conv, err := m.deps.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	return conv, nil
}

// normalizeContext 補上預設情境類型. 商品刊登情境必須帶刊登 ID.
func normalizeContext(c *conversation.Context) (*conversation.Context, error) {
	if c == nil || c.Type == "" {
		return &conversation.Context{Type: conversation.ContextDirect}, nil
	}
	out := &conversation.Context{Type: strings.ToLower(strings.TrimSpace(c.Type)), RefID: strings.TrimSpace(c.RefID)}
	switch out.Type {
	case conversation.ContextDirect:
		out.RefID = ""
	case conversation.ContextListing:
		if out.RefID == "" {
			return nil, ErrInvalidRequest.WithMessage("商品刊登對話必須提供 refId")
		}
	default:
		return nil, ErrInvalidRequest.WithMessage("不支援的對話情境: %s", out.Type)
	}
	return out, nil
}

// participantNames 發起者名稱來自登入身分，接收者名稱只從用戶目錄取得
func (m *ConversationManager) participantNames(ctx context.Context, in CreateInput) map[string]string {
	names := make(map[string]string, 2)
	if in.InitiatorName != "" {
		names[in.InitiatorID] = in.InitiatorName
	}
	if m.deps.Users != nil {
		_, name, err := m.deps.Users.LookupContact(ctx, in.RecipientID)
		if err != nil {
			logger.Debug(ctx, "查詢接收者名稱失敗",
				logger.WithUserID(in.RecipientID),
				logger.WithError(err))
		} else if name != "" {
			names[in.RecipientID] = name
		}
	}
	if len(names) == 0 {
		return nil
	}
	return names
}
