package audit

import (
	"context"
	"time"

	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/middleware"
)

// AuditService 審計服務. nil 或未啟用時所有方法皆為 no-op.
type AuditService struct {
	enabled bool
	now     func() time.Time
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		now:     time.Now,
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      string                 `json:"event_type"`
	UserID         string                 `json:"user_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	Action         string                 `json:"action"`
	Result         string                 `json:"result"` // success, failure
	Details        map[string]interface{} `json:"details,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
}

// LogConversationCreated 記錄對話建立
func (a *AuditService) LogConversationCreated(ctx context.Context, userID, conversationID, contextType string) {
	a.record(ctx, AuditEvent{
		EventType:      "conversation_created",
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "create_conversation",
		Result:         "success",
		Details:        map[string]interface{}{"context_type": contextType},
	})
}

// LogSettingsChanged 記錄對話檢視設定變更
func (a *AuditService) LogSettingsChanged(ctx context.Context, userID, conversationID string, changes map[string]interface{}) {
	a.record(ctx, AuditEvent{
		EventType:      "conversation_settings",
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "update_settings",
		Result:         "success",
		Details:        changes,
	})
}

// LogMessageSent 記錄訊息發送
func (a *AuditService) LogMessageSent(ctx context.Context, userID, conversationID, messageID string, attachments int) {
	a.record(ctx, AuditEvent{
		EventType:      "message_sent",
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Action:         "send_message",
		Result:         "success",
		Details:        map[string]interface{}{"attachments": attachments},
	})
}

// LogMessageEdited 記錄訊息編輯
func (a *AuditService) LogMessageEdited(ctx context.Context, userID, conversationID, messageID string) {
	a.record(ctx, AuditEvent{
		EventType:      "message_edited",
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Action:         "edit_message",
		Result:         "success",
	})
}

// LogMessageDeleted 記錄訊息軟刪除
func (a *AuditService) LogMessageDeleted(ctx context.Context, userID, conversationID, messageID string) {
	a.record(ctx, AuditEvent{
		EventType:      "message_deleted",
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Action:         "delete_message",
		Result:         "success",
	})
}

// LogEnquiryCreated 記錄舊版詢價建立
func (a *AuditService) LogEnquiryCreated(ctx context.Context, userID, threadID, supplierID string, leadScore int) {
	a.record(ctx, AuditEvent{
		EventType:      "enquiry_created",
		UserID:         userID,
		ConversationID: threadID,
		Action:         "create_enquiry",
		Result:         "success",
		Details: map[string]interface{}{
			"supplier_id": supplierID,
			"lead_score":  leadScore,
		},
	})
}

// LogSecurityEvent 記錄安全事件
func (a *AuditService) LogSecurityEvent(ctx context.Context, eventType, description, severity string, details map[string]interface{}) {
	a.record(ctx, AuditEvent{
		EventType: "security_event",
		Action:    eventType,
		Result:    severity,
		Details: map[string]interface{}{
			"description": description,
			"severity":    severity,
			"details":     details,
		},
	})
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}

// record 補上時間與請求元數據後寫入日誌
func (a *AuditService) record(ctx context.Context, event AuditEvent) {
	if !a.IsEnabled() {
		return
	}

	event.Timestamp = a.now().UTC()
	meta := middleware.GetRequestMetadata(ctx)
	event.IPAddress = meta.IPAddress
	event.UserAgent = meta.UserAgent

	logger.Notice(ctx, "[AUDIT] "+event.EventType,
		logger.WithUserID(event.UserID),
		logger.WithConversationID(event.ConversationID),
		logger.WithMessageID(event.MessageID),
		logger.WithAction(event.Action),
		logger.WithLabels(map[string]string{"log_type": "audit"}),
		logger.WithDetails(map[string]interface{}{
			"event":      event.EventType,
			"result":     event.Result,
			"ip_address": event.IPAddress,
			"user_agent": event.UserAgent,
			"request_id": meta.RequestID,
			"timestamp":  event.Timestamp,
			"details":    event.Details,
		}))
}
