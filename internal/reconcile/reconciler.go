// Package reconcile 在每次舊版詢價寫入後，將 thread 與訊息冪等地鏡像到對話文件庫.
// 舊版記錄是唯一的事實來源：鏡像失敗只記錄，不回滾也不回報給呼叫者，
// 下一次同一實體的寫入會再次同步.
package reconcile

import (
	"context"
	"strconv"
	"time"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/metrics"
	"marketplace-chat/internal/storage/database/conversation"
	"marketplace-chat/internal/storage/database/enquiry"
)

const (
	entityThread  = "thread"
	entityMessage = "message"
)

// ConversationMirror 以公開 ID upsert 對話鏡像
type ConversationMirror interface {
	UpsertMirror(ctx context.Context, conv *conversation.Conversation) error
}

// MessageMirror 以公開 ID upsert 訊息鏡像
type MessageMirror interface {
	UpsertMirror(ctx context.Context, msg *conversation.Message) error
}

// SupplierDirectory 查詢供應商擁有者. 不存在時回傳 (nil, nil).
type SupplierDirectory interface {
	GetSupplier(ctx context.Context, id string) (*enquiry.Supplier, error)
}

// Reconciler 舊版記錄到鏡像文件的同步器
type Reconciler struct {
	conversations ConversationMirror
	messages      MessageMirror
	suppliers     SupplierDirectory
	metrics       *metrics.Metrics
}

// New 創建同步器. suppliers 可為 nil，此時參與者不含供應商擁有者.
func New(conversations ConversationMirror, messages MessageMirror, suppliers SupplierDirectory, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		conversations: conversations,
		messages:      messages,
		suppliers:     suppliers,
		metrics:       m,
	}
}

// SyncThread 同步 thread 鏡像並回傳鏡像內容. 無法推算參與者時回傳 nil.
func (r *Reconciler) SyncThread(ctx context.Context, t *enquiry.Thread) *conversation.Conversation {
	var supplier *enquiry.Supplier
	if r.suppliers != nil && t.SupplierID != "" {
		s, err := r.suppliers.GetSupplier(ctx, t.SupplierID)
		if err != nil {
			// 少了擁有者會寫出錯誤的參與者列表，本次放棄
			logger.Warning(ctx, "查詢供應商失敗，略過 thread 鏡像",
				logger.WithConversationID(t.ID),
				logger.WithAction("reconcile_thread"),
				logger.WithError(err))
			r.metrics.Reconciled(entityThread, metrics.ResultFailure)
			return nil
		}
		supplier = s
	}

	mirror := MirrorFromThread(t, supplier)
	if err := r.conversations.UpsertMirror(ctx, mirror); err != nil {
		logger.Warning(ctx, "thread 鏡像寫入失敗",
			logger.WithConversationID(t.ID),
			logger.WithAction("reconcile_thread"),
			logger.WithError(err))
		r.metrics.Reconciled(entityThread, metrics.ResultFailure)
		return mirror
	}

	r.metrics.Reconciled(entityThread, metrics.ResultSuccess)
	return mirror
}

// SyncMessage 同步舊版訊息鏡像
func (r *Reconciler) SyncMessage(ctx context.Context, m *enquiry.Message) *conversation.Message {
	mirror := MirrorFromMessage(m)
	if err := r.messages.UpsertMirror(ctx, mirror); err != nil {
		logger.Warning(ctx, "訊息鏡像寫入失敗",
			logger.WithConversationID(m.ThreadID),
			logger.WithMessageID(m.ID),
			logger.WithAction("reconcile_message"),
			logger.WithError(err))
		r.metrics.Reconciled(entityMessage, metrics.ResultFailure)
		return mirror
	}

	r.metrics.Reconciled(entityMessage, metrics.ResultSuccess)
	return mirror
}

// MirrorFromThread 由舊版 thread 推算鏡像文件. 參與者每次重新計算：
// customer、recipient 與供應商擁有者，去除空值與重複.
func MirrorFromThread(t *enquiry.Thread, supplier *enquiry.Supplier) *conversation.Conversation {
	var participants []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		participants = append(participants, id)
	}
	add(t.CustomerID)
	add(t.RecipientID)

	names := make(map[string]string)
	if t.CustomerID != "" && t.CustomerName != "" {
		names[t.CustomerID] = t.CustomerName
	}
	if supplier != nil {
		add(supplier.OwnerUserID)
		if supplier.OwnerUserID != "" && supplier.Name != "" {
			names[supplier.OwnerUserID] = supplier.Name
		}
	}
	if len(names) == 0 {
		names = nil
	}

	refID := t.ListingID
	if refID == "" {
		refID = t.SupplierID
	}

	status := conversation.StatusActive
	if t.Status == enquiry.StatusArchived {
		status = conversation.StatusArchived
	}

	mirror := &conversation.Conversation{
		ID:           t.ID,
		Participants: participants,
		Names:        names,
		Context:      &conversation.Context{Type: conversation.ContextEnquiry, RefID: refID},
		Status:       status,
		Metadata: map[string]string{
			"supplier_id": t.SupplierID,
			"lead_score":  strconv.Itoa(t.LeadScore),
			"lead_rating": t.LeadRating,
		},
		Source:    constants.SourceLegacy,
		CreatedAt: millis(t.CreatedAt),
		UpdatedAt: millis(t.UpdatedAt),
	}
	if t.LastMessageAt != nil {
		mirror.LastMessage = &conversation.LastMessage{
			MessageID: t.LastMessageID,
			Preview:   t.LastMessagePreview,
			SenderID:  t.LastMessageSenderID,
			Timestamp: millis(*t.LastMessageAt),
		}
	}
	return mirror
}

// MirrorFromMessage 由舊版訊息推算鏡像文件
func MirrorFromMessage(m *enquiry.Message) *conversation.Message {
	mirror := &conversation.Message{
		ID:             m.ID,
		ConversationID: m.ThreadID,
		SenderID:       m.SenderID,
		Content:        m.Body,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      millis(m.CreatedAt),
		Source:         constants.SourceLegacy,
	}
	if m.EditedAt != nil {
		edited := millis(*m.EditedAt)
		mirror.EditedAt = &edited
	}
	return mirror
}

func millis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
