package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"marketplace-chat/internal/storage/database/conversation"
)

// Page 一頁訊息，依建立時間升冪排列以便顯示
type Page struct {
	Messages   []*conversation.Message `json:"messages"`
	NextCursor string                  `json:"nextCursor,omitempty"`
	HasMore    bool                    `json:"hasMore"`
}

type cursorPayload struct {
	T  int64  `json:"t"` // created_at，毫秒
	ID string `json:"id"`
}

// EncodeCursor 將 (createdAt, id) 編碼為不透明字串
func EncodeCursor(p conversation.Position) string {
	b, _ := json.Marshal(cursorPayload{T: p.CreatedAt.UnixMilli(), ID: p.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor 解析游標，空字串表示從最新開始
func DecodeCursor(cursor string) (*conversation.Position, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" || p.T <= 0 {
		return nil, ErrInvalidCursor
	}
	return &conversation.Position{CreatedAt: time.UnixMilli(p.T).UTC(), ID: p.ID}, nil
}

// List 向過去翻頁. 每頁只包含早於游標的訊息，已刪除訊息不列出.
func (s *MessageService) List(ctx context.Context, conversationID, userID, before string, limit int) (*Page, error) {
	if !ValidID(conversationID) {
		return nil, ErrInvalidID
	}
	pos, err := DecodeCursor(before)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.DefaultPageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}

	conv, err := s.deps.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotFound
	}

	// 多取一筆判斷是否還有更舊的訊息
	msgs, err := s.deps.Messages.ListBefore(ctx, conversationID, pos, limit+1)
	if err != nil {
		return nil, ErrInternal.Wrap(err)
	}

	page := &Page{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
	}
	if page.HasMore && len(msgs) > 0 {
		oldest := msgs[len(msgs)-1]
		page.NextCursor = EncodeCursor(conversation.Position{CreatedAt: oldest.CreatedAt, ID: oldest.ID})
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs
	if page.Messages == nil {
		page.Messages = []*conversation.Message{}
	}
	return page, nil
}
