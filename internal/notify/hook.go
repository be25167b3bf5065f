package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/metrics"
	"marketplace-chat/internal/storage/database/conversation"
)

const (
	channelPush  = "push"
	channelEmail = "email"
)

// Pusher 即時推送通道
type Pusher interface {
	Push(ctx context.Context, userIDs []string, ev Event) error
}

// EmailEnqueuer 郵件工作佇列
type EmailEnqueuer interface {
	Enqueue(ctx context.Context, job EmailJob) error
}

// PreferenceChecker 郵件退訂查詢
type PreferenceChecker interface {
	EmailOptedOut(ctx context.Context, userID string) (bool, error)
}

// UserDirectory 取得收件人的聯絡資訊
type UserDirectory interface {
	LookupContact(ctx context.Context, userID string) (email, name string, err error)
}

// HookDeps 通知相依. 任何一項為 nil 時對應通道略過.
type HookDeps struct {
	Pusher      Pusher
	Mail        EmailEnqueuer
	Preferences PreferenceChecker
	Users       UserDirectory
	Metrics     *metrics.Metrics
	BaseURL     string
}

// Hook 新訊息與新對話的盡力通知. 所有錯誤都只記錄，不回傳給呼叫者.
type Hook struct {
	deps HookDeps
}

// NewHook 創建通知 hook
func NewHook(d HookDeps) *Hook {
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	return &Hook{deps: d}
}

// OnNewMessage 推送新訊息給所有參與者，並寄郵件給其他參與者
func (h *Hook) OnNewMessage(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message) {
	defer h.recoverPanic(ctx, conv.ID)

	h.push(ctx, conv, Event{
		Type: EventMessage,
		Data: map[string]interface{}{"conversationId": conv.ID, "message": msg},
	})

	sender := senderName(conv, msg.SenderID)
	for _, userID := range conv.Participants {
		if userID == msg.SenderID {
			continue
		}
		h.email(ctx, conv, userID, EmailJob{
			Subject:        fmt.Sprintf("%s 傳來新訊息", sender),
			Body:           h.body(conv, messagePreview(conv, msg)),
			ConversationID: conv.ID,
			MessageID:      msg.ID,
		})
	}
}

// OnNewConversation 推送新對話，並寄郵件給發起者以外的參與者
func (h *Hook) OnNewConversation(ctx context.Context, conv *conversation.Conversation) {
	defer h.recoverPanic(ctx, conv.ID)

	h.push(ctx, conv, Event{Type: EventConversation, Data: conv})

	initiator := ""
	preview := ""
	messageID := ""
	if lm := conv.LastMessage; lm != nil {
		initiator = lm.SenderID
		preview = html.UnescapeString(lm.Preview)
		messageID = lm.MessageID
	} else if len(conv.Participants) > 0 {
		initiator = conv.Participants[0]
	}

	sender := senderName(conv, initiator)
	for _, userID := range conv.Participants {
		if userID == initiator {
			continue
		}
		h.email(ctx, conv, userID, EmailJob{
			Subject:        fmt.Sprintf("%s 與您開始了新對話", sender),
			Body:           h.body(conv, preview),
			ConversationID: conv.ID,
			MessageID:      messageID,
		})
	}
}

func (h *Hook) push(ctx context.Context, conv *conversation.Conversation, ev Event) {
	if h.deps.Pusher == nil {
		h.deps.Metrics.Notified(channelPush, metrics.ResultSkipped)
		return
	}
	if err := h.deps.Pusher.Push(ctx, conv.Participants, ev); err != nil {
		logger.Warning(ctx, "即時推送失敗",
			logger.WithConversationID(conv.ID),
			logger.WithError(err))
		h.deps.Metrics.Notified(channelPush, metrics.ResultFailure)
		return
	}
	h.deps.Metrics.Notified(channelPush, metrics.ResultSuccess)
}

// email 在收件人未退訂且未靜音對話時加入郵件佇列
func (h *Hook) email(ctx context.Context, conv *conversation.Conversation, userID string, job EmailJob) {
	if h.deps.Mail == nil || h.deps.Users == nil {
		h.deps.Metrics.Notified(channelEmail, metrics.ResultSkipped)
		return
	}
	if conv.ViewFor(userID).IsMuted {
		h.deps.Metrics.Notified(channelEmail, metrics.ResultSkipped)
		return
	}

	if h.deps.Preferences != nil {
		optedOut, err := h.deps.Preferences.EmailOptedOut(ctx, userID)
		if err != nil {
			// 無法確認偏好時不寄送
			logger.Warning(ctx, "查詢郵件偏好失敗",
				logger.WithUserID(userID),
				logger.WithError(err))
			h.deps.Metrics.Notified(channelEmail, metrics.ResultFailure)
			return
		}
		if optedOut {
			h.deps.Metrics.Notified(channelEmail, metrics.ResultSkipped)
			return
		}
	}

	address, name, err := h.deps.Users.LookupContact(ctx, userID)
	if err != nil || address == "" {
		if err != nil {
			logger.Warning(ctx, "查詢收件人聯絡資訊失敗",
				logger.WithUserID(userID),
				logger.WithError(err))
		}
		h.deps.Metrics.Notified(channelEmail, metrics.ResultSkipped)
		return
	}

	job.To = address
	job.Name = name
	if err := h.deps.Mail.Enqueue(ctx, job); err != nil {
		logger.Warning(ctx, "郵件通知入列失敗",
			logger.WithUserID(userID),
			logger.WithConversationID(conv.ID),
			logger.WithError(err))
		h.deps.Metrics.Notified(channelEmail, metrics.ResultFailure)
		return
	}
	h.deps.Metrics.Notified(channelEmail, metrics.ResultSuccess)
}

func (h *Hook) body(conv *conversation.Conversation, preview string) string {
	var b strings.Builder
	if preview != "" {
		b.WriteString(preview)
		b.WriteString("\n\n")
	}
	if h.deps.BaseURL != "" {
		b.WriteString("查看對話: " + h.deps.BaseURL + "/conversations/" + conv.ID + "\n")
	}
	return b.String()
}

func (h *Hook) recoverPanic(ctx context.Context, conversationID string) {
	if r := recover(); r != nil {
		logger.Error(ctx, "通知處理發生 panic",
			logger.WithConversationID(conversationID),
			logger.WithDetails(map[string]interface{}{"panic": fmt.Sprint(r)}))
	}
}

func messagePreview(conv *conversation.Conversation, msg *conversation.Message) string {
	if lm := conv.LastMessage; lm != nil && lm.MessageID == msg.ID {
		return html.UnescapeString(lm.Preview)
	}
	return html.UnescapeString(msg.Content)
}

func senderName(conv *conversation.Conversation, userID string) string {
	if name := conv.Names[userID]; name != "" {
		return name
	}
	return "對方"
}
