package messaging

import (
	"context"
	"errors"
	"html"
	"strings"
	"unicode/utf8"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database/conversation"
)

const attachmentPreview = "[Attachment]"

// MessageService 訊息的發送、編輯、刪除與表情回應
type MessageService struct {
	deps Deps
	opts Options
}

// NewMessageService 創建訊息服務
func NewMessageService(d Deps, opts Options) *MessageService {
	return &MessageService{deps: d.withDefaults(), opts: opts.normalize()}
}

// Options 回傳生效中的參數
func (s *MessageService) Options() Options {
	return s.opts
}

// SendInput 發送訊息參數
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	ReplyToID      string
	Files          []attachment.File
}

// Send 在對話中發送訊息. 驗證與附件限制在任何儲存 I/O 之前完成.
func (s *MessageService) Send(ctx context.Context, in SendInput) (*conversation.Message, error) {
	if !ValidID(in.ConversationID) {
		return nil, ErrInvalidID
	}
	if in.ReplyToID != "" && !ValidID(in.ReplyToID) {
		return nil, ErrInvalidID
	}
	if err := s.validatePayload(in.Content, in.Files); err != nil {
		return nil, err
	}

	conv, err := s.deps.Conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if !conv.HasParticipant(in.SenderID) {
		return nil, ErrNotFound
	}
	if err := writable(conv); err != nil {
		return nil, err
	}

	msg, err := s.deliver(ctx, conv, in)
	if err != nil {
		return nil, err
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.OnNewMessage(ctx, conv, msg)
	}
	return msg, nil
}

// validatePayload 檢查空訊息與附件數量、大小
func (s *MessageService) validatePayload(content string, files []attachment.File) error {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return ErrEmptyMessage
	}
	if len(files) > s.opts.MaxAttachments {
		return ErrTooManyAttachments.WithMessage("附件數量超過上限 (%d)", s.opts.MaxAttachments)
	}
	for _, f := range files {
		if f.Size > s.opts.MaxAttachmentSize {
			return ErrAttachmentTooLarge.WithMessage("附件大小超過上限 (%d bytes)", s.opts.MaxAttachmentSize)
		}
	}
	return nil
}

// deliver 保存附件與訊息，並更新對話的最後訊息摘要. 不觸發通知.
func (s *MessageService) deliver(ctx context.Context, conv *conversation.Conversation, in SendInput) (*conversation.Message, error) {
	if in.ReplyToID != "" {
		parent, err := s.deps.Messages.GetByID(ctx, in.ReplyToID)
		if err != nil {
			return nil, storeError(err)
		}
		if parent.ConversationID != conv.ID {
			return nil, ErrNotFound
		}
	}

	attachments := make([]conversation.Attachment, 0, len(in.Files))
	if len(in.Files) > 0 && s.deps.Attachments == nil {
		return nil, ErrServiceUnavailable.WithMessage("附件儲存未啟用")
	}
	for _, f := range in.Files {
		att, err := s.deps.Attachments.Store(ctx, f)
		if err != nil {
			return nil, ErrInternal.Wrap(err)
		}
		attachments = append(attachments, att)
	}

	raw := truncateRunes(strings.TrimSpace(in.Content), s.opts.MaxContentLength)
	ts := now(s.deps.Clock)
	msg := &conversation.Message{
		ID:             NewID(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        html.EscapeString(raw),
		Attachments:    attachments,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      ts,
		Source:         constants.SourceUnified,
	}
	if err := s.deps.Messages.Create(ctx, msg); err != nil {
		return nil, ErrInternal.Wrap(err)
	}

	lm := conversation.LastMessage{
		MessageID: msg.ID,
		Preview:   s.preview(raw),
		SenderID:  msg.SenderID,
		Timestamp: ts,
	}
	// 摘要更新失敗不影響訊息本身，下次發送時會被覆蓋
	if err := s.deps.Conversations.UpdateLastMessage(ctx, conv.ID, lm); err != nil {
		logger.Warning(ctx, "更新對話最後訊息失敗",
			logger.WithConversationID(conv.ID),
			logger.WithMessageID(msg.ID),
			logger.WithError(err))
	} else {
		conv.LastMessage = &lm
		conv.UpdatedAt = ts
	}

	s.deps.Metrics.MessageSent(constants.SourceUnified)
	s.deps.Audit.LogMessageSent(ctx, msg.SenderID, conv.ID, msg.ID, len(attachments))
	return msg, nil
}

// preview 由未跳脫的內容產生摘要，截斷後再跳脫以免切斷 HTML entity
func (s *MessageService) preview(raw string) string {
	if raw == "" {
		return attachmentPreview
	}
	return html.EscapeString(truncateRunes(raw, s.opts.PreviewLength))
}

// Edit 編輯訊息. 只有發送者可在編輯時間窗口內修改.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, content string) (*conversation.Message, error) {
	if !ValidID(messageID) {
		return nil, ErrInvalidID
	}
	raw := truncateRunes(strings.TrimSpace(content), s.opts.MaxContentLength)
	if raw == "" {
		return nil, ErrEmptyMessage
	}

	msg, conv, err := s.loadForParticipant(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, ErrNotFound
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden.WithMessage("只有發送者可以編輯訊息")
	}
	if err := writable(conv); err != nil {
		return nil, err
	}

	ts := now(s.deps.Clock)
	if ts.Sub(msg.CreatedAt) > s.opts.EditWindow {
		return nil, ErrEditWindowExpired
	}

	updated, err := s.deps.Messages.UpdateContent(ctx, messageID, html.EscapeString(raw), ts)
	if err != nil {
		return nil, storeError(err)
	}

	if conv.LastMessage != nil && conv.LastMessage.MessageID == messageID {
		lm := *conv.LastMessage
		lm.Preview = s.preview(raw)
		if err := s.deps.Conversations.UpdateLastMessage(ctx, conv.ID, lm); err != nil {
			logger.Warning(ctx, "更新編輯後的訊息摘要失敗",
				logger.WithConversationID(conv.ID),
				logger.WithMessageID(messageID),
				logger.WithError(err))
		}
	}

	s.deps.Audit.LogMessageEdited(ctx, userID, conv.ID, messageID)
	return updated, nil
}

// SoftDelete 軟刪除訊息. 回傳本次呼叫是否實際刪除.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, userID string) (bool, error) {
	if !ValidID(messageID) {
		return false, ErrInvalidID
	}

	msg, conv, err := s.loadForParticipant(ctx, messageID, userID)
	if err != nil {
		return false, err
	}
	if msg.SenderID != userID {
		return false, ErrForbidden.WithMessage("只有發送者可以刪除訊息")
	}
	if err := writable(conv); err != nil {
		return false, err
	}
	if msg.IsDeleted {
		return false, nil
	}

	ts := now(s.deps.Clock)
	if s.opts.DeleteWindow > 0 && ts.Sub(msg.CreatedAt) > s.opts.DeleteWindow {
		return false, ErrDeleteWindowExpired
	}

	deleted, err := s.deps.Messages.SoftDelete(ctx, messageID, ts)
	if err != nil {
		return false, storeError(err)
	}
	if deleted {
		s.deps.Audit.LogMessageDeleted(ctx, userID, conv.ID, messageID)
	}
	return deleted, nil
}

// ToggleReaction 切換 (userID, emoji) 表情回應. 連續呼叫兩次會回到原狀態.
func (s *MessageService) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (*conversation.Message, error) {
	if !ValidID(messageID) {
		return nil, ErrInvalidID
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > constants.MaxEmojiLength {
		return nil, ErrInvalidRequest.WithMessage("表情格式錯誤")
	}

	msg, _, err := s.loadForParticipant(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, ErrNotFound
	}

	updated, err := s.deps.Messages.ToggleReaction(ctx, messageID, userID, emoji, now(s.deps.Clock))
	if err != nil {
		return nil, storeError(err)
	}
	return updated, nil
}

// Get 依 ID 查詢訊息，包含已軟刪除的訊息
func (s *MessageService) Get(ctx context.Context, messageID, userID string) (*conversation.Message, error) {
	if !ValidID(messageID) {
		return nil, ErrInvalidID
	}
	msg, _, err := s.loadForParticipant(ctx, messageID, userID)
	return msg, err
}

// loadForParticipant 讀取訊息與所屬對話. 非參與者與不存在回傳同樣的 NOT_FOUND.
func (s *MessageService) loadForParticipant(ctx context.Context, messageID, userID string) (*conversation.Message, *conversation.Conversation, error) {
	msg, err := s.deps.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, storeError(err)
	}

	conv, err := s.deps.Conversations.GetByID(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, ErrInternal.Wrap(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, nil, ErrNotFound
	}
	return msg, conv, nil
}

// writable 舊版詢價的鏡像以舊版記錄為準，訊息內容只能經由詢價 API 變更，
// 否則下一次同步會覆蓋最後訊息摘要與訊息內容.
func writable(conv *conversation.Conversation) error {
	if conv.Source == constants.SourceLegacy {
		return ErrLegacyConversation
	}
	return nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
