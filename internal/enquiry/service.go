// Package enquiry 舊版詢價 API 的業務邏輯. 每次寫入舊版記錄並提交後，
// 交由 reconciler 同步到對話文件庫，再以鏡像內容觸發通知.
package enquiry

import (
	"context"
	"errors"
	"html"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/metrics"
	"marketplace-chat/internal/security/audit"
	"marketplace-chat/internal/storage/database/conversation"
	legacy "marketplace-chat/internal/storage/database/enquiry"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store 舊版詢價存儲
type Store interface {
	CreateThreadWithMessage(ctx context.Context, t *legacy.Thread, m *legacy.Message) error
	AppendMessage(ctx context.Context, t *legacy.Thread, m *legacy.Message) error
	GetThread(ctx context.Context, id string) (*legacy.Thread, error)
	UpdateThread(ctx context.Context, id string, fields map[string]interface{}) error
	ListThreadsForUser(ctx context.Context, userID string, supplierIDs []string, limit int) ([]legacy.Thread, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]legacy.Message, error)
	GetSupplier(ctx context.Context, id string) (*legacy.Supplier, error)
	SupplierIDsOwnedBy(ctx context.Context, userID string) ([]string, error)
}

// Reconciler 舊版記錄到鏡像文件的同步. 失敗由實作自行記錄並吞下.
type Reconciler interface {
	SyncThread(ctx context.Context, t *legacy.Thread) *conversation.Conversation
	SyncMessage(ctx context.Context, m *legacy.Message) *conversation.Message
}

// Deps 服務依賴. Store 與 Reconciler 為必要依賴.
type Deps struct {
	Store      Store
	Reconciler Reconciler
	Notifier   messaging.Notifier
	Scorer     LeadScorer
	Captcha    CaptchaVerifier
	Audit      *audit.AuditService
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
}

// Service 舊版詢價服務
type Service struct {
	deps Deps
	opts messaging.Options
}

// NewService 創建詢價服務
func NewService(d Deps, opts messaging.Options) *Service {
	if d.Scorer == nil {
		d.Scorer = NeutralScorer{}
	}
	if d.Captcha == nil {
		d.Captcha = AllowAllCaptcha{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = constants.DefaultMaxContentLength
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = constants.DefaultPreviewLength
	}
	if opts.ConversationLimit <= 0 {
		opts.ConversationLimit = constants.DefaultConversationLimit
	}
	return &Service{deps: d, opts: opts}
}

// CreateInput 建立詢價參數. CustomerID 為空表示匿名詢價.
type CreateInput struct {
	CustomerID   string
	SupplierID   string
	Name         string
	Email        string
	Phone        string
	Subject      string
	Message      string
	ListingID    string
	CaptchaToken string
	RemoteIP     string
}

// CreateResult 建立詢價結果
type CreateResult struct {
	Thread  *legacy.Thread  `json:"thread"`
	Message *legacy.Message `json:"message"`
}

// CreateEnquiry 驗證碼通過後，以單一事務寫入 thread 與第一則訊息，
// 評分只在此計算一次.
func (s *Service) CreateEnquiry(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.SupplierID = strings.TrimSpace(in.SupplierID)
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if in.SupplierID == "" {
		return nil, messaging.ErrMissingRecipient
	}
	if in.Name == "" {
		return nil, messaging.ErrInvalidRequest.WithMessage("請填寫姓名")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, messaging.ErrInvalidRequest.WithMessage("電子郵件格式錯誤")
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, messaging.ErrEmptyMessage
	}

	result, err := s.deps.Captcha.Verify(ctx, in.CaptchaToken, in.RemoteIP)
	if err != nil {
		logger.Error(ctx, "驗證碼服務無法使用", logger.WithError(err))
		return nil, messaging.ErrServiceUnavailable.Wrap(err)
	}
	if !result.Success {
		logger.Warning(ctx, "驗證碼驗證失敗",
			logger.WithAction("create_enquiry"),
			logger.WithDetails(map[string]interface{}{"reason": result.Error}))
		return nil, messaging.ErrCaptchaFailed
	}

	supplier, err := s.deps.Store.GetSupplier(ctx, in.SupplierID)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	if supplier == nil {
		return nil, messaging.ErrNotFound.WithMessage("供應商不存在")
	}
	if in.CustomerID != "" && in.CustomerID == supplier.OwnerUserID {
		return nil, messaging.ErrInvalidRecipient
	}

	score := s.deps.Scorer.Score(ctx, LeadSignals{
		SupplierID:    supplier.ID,
		ListingID:     in.ListingID,
		Authenticated: in.CustomerID != "",
		HasPhone:      strings.TrimSpace(in.Phone) != "",
		Email:         in.Email,
		Message:       in.Message,
	})

	ts := s.now()
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = "詢價: " + supplier.Name
	}
	body := s.body(in.Message)
	msgID := uuid.NewString()
	thread := &legacy.Thread{
		ID:                  uuid.NewString(),
		SupplierID:          supplier.ID,
		CustomerID:          in.CustomerID,
		RecipientID:         supplier.OwnerUserID,
		CustomerName:        in.Name,
		CustomerEmail:       in.Email,
		CustomerPhone:       strings.TrimSpace(in.Phone),
		Subject:             truncateRunes(subject, 255),
		ListingID:           strings.TrimSpace(in.ListingID),
		Status:              legacy.StatusOpen,
		Unread:              true,
		LeadScore:           score.Score,
		LeadRating:          score.Rating,
		LeadFlags:           score.Flags,
		LastMessageID:       msgID,
		LastMessageSenderID: in.CustomerID,
		LastMessagePreview:  s.preview(in.Message),
		LastMessageAt:       &ts,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
	msg := &legacy.Message{
		ID:         msgID,
		ThreadID:   thread.ID,
		SenderID:   in.CustomerID,
		SenderName: in.Name,
		Body:       body,
		CreatedAt:  ts,
	}

	if err := s.deps.Store.CreateThreadWithMessage(ctx, thread, msg); err != nil {
		logger.Error(ctx, "建立詢價失敗",
			logger.WithAction("create_enquiry"),
			logger.WithError(err))
		return nil, messaging.ErrInternal.Wrap(err)
	}

	s.deps.Audit.LogEnquiryCreated(ctx, in.CustomerID, thread.ID, supplier.ID, score.Score)
	s.deps.Metrics.MessageSent(constants.SourceLegacy)
	logger.Info(ctx, "建立詢價",
		logger.WithUserID(in.CustomerID),
		logger.WithConversationID(thread.ID),
		logger.WithDetails(map[string]interface{}{
			"supplier_id": supplier.ID,
			"lead_score":  score.Score,
			"lead_rating": score.Rating,
		}))

	mirror := s.deps.Reconciler.SyncThread(ctx, thread)
	s.deps.Reconciler.SyncMessage(ctx, msg)
	if mirror != nil && s.deps.Notifier != nil {
		s.deps.Notifier.OnNewConversation(ctx, mirror)
	}
	return &CreateResult{Thread: thread, Message: msg}, nil
}

// ReplyInput 回覆參數
type ReplyInput struct {
	ThreadID   string
	SenderID   string
	SenderName string
	Message    string
}

// Reply 在 thread 內追加訊息. 只有客戶、收件人與供應商擁有者可回覆.
func (s *Service) Reply(ctx context.Context, in ReplyInput) (*legacy.Message, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, messaging.ErrEmptyMessage
	}
	thread, err := s.threadForUser(ctx, in.ThreadID, in.SenderID)
	if err != nil {
		return nil, err
	}

	ts := s.now()
	msg := &legacy.Message{
		ID:         uuid.NewString(),
		ThreadID:   thread.ID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Body:       s.body(in.Message),
		CreatedAt:  ts,
	}
	thread.LastMessageID = msg.ID
	thread.LastMessageSenderID = msg.SenderID
	thread.LastMessagePreview = s.preview(in.Message)
	thread.LastMessageAt = &ts
	thread.Unread = true
	thread.UpdatedAt = ts

	if err := s.deps.Store.AppendMessage(ctx, thread, msg); err != nil {
		logger.Error(ctx, "回覆詢價失敗",
			logger.WithUserID(in.SenderID),
			logger.WithConversationID(thread.ID),
			logger.WithError(err))
		return nil, messaging.ErrInternal.Wrap(err)
	}
	s.deps.Metrics.MessageSent(constants.SourceLegacy)

	mirror := s.deps.Reconciler.SyncThread(ctx, thread)
	mirrorMsg := s.deps.Reconciler.SyncMessage(ctx, msg)
	if mirror != nil && mirrorMsg != nil && s.deps.Notifier != nil {
		s.deps.Notifier.OnNewMessage(ctx, mirror, mirrorMsg)
	}
	return msg, nil
}

// ListThreads 列出用戶作為客戶、收件人或供應商擁有者的 thread
func (s *Service) ListThreads(ctx context.Context, userID string) ([]legacy.Thread, error) {
	supplierIDs, err := s.deps.Store.SupplierIDsOwnedBy(ctx, userID)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	threads, err := s.deps.Store.ListThreadsForUser(ctx, userID, supplierIDs, s.opts.ConversationLimit)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	if threads == nil {
		threads = []legacy.Thread{}
	}
	return threads, nil
}

// GetThreadMessages 取得 thread 的訊息，依時間正序
func (s *Service) GetThreadMessages(ctx context.Context, threadID, userID string) ([]legacy.Message, error) {
	thread, err := s.threadForUser(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	messages, err := s.deps.Store.ListMessages(ctx, thread.ID, s.opts.ConversationLimit)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	if messages == nil {
		messages = []legacy.Message{}
	}
	return messages, nil
}

// MarkRead 清除共用的未讀旗標
func (s *Service) MarkRead(ctx context.Context, threadID, userID string) (*legacy.Thread, error) {
	return s.update(ctx, threadID, userID, map[string]interface{}{"unread": false})
}

// Archive 將 thread 狀態設為封存
func (s *Service) Archive(ctx context.Context, threadID, userID string) (*legacy.Thread, error) {
	return s.update(ctx, threadID, userID, map[string]interface{}{"status": legacy.StatusArchived})
}

// update 提交舊版欄位變更後重新讀取並同步鏡像
func (s *Service) update(ctx context.Context, threadID, userID string, fields map[string]interface{}) (*legacy.Thread, error) {
	thread, err := s.threadForUser(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	fields["updated_at"] = s.now()
	if err := s.deps.Store.UpdateThread(ctx, thread.ID, fields); err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			return nil, messaging.ErrNotFound
		}
		return nil, messaging.ErrInternal.Wrap(err)
	}

	updated, err := s.deps.Store.GetThread(ctx, thread.ID)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	s.deps.Reconciler.SyncThread(ctx, updated)
	return updated, nil
}

// threadForUser 取得 thread 並檢查存取權. 無權限與不存在回傳相同錯誤.
func (s *Service) threadForUser(ctx context.Context, threadID, userID string) (*legacy.Thread, error) {
	if _, err := uuid.Parse(threadID); err != nil {
		return nil, messaging.ErrInvalidID
	}
	if userID == "" {
		return nil, messaging.ErrNotFound
	}
	thread, err := s.deps.Store.GetThread(ctx, threadID)
	if errors.Is(err, legacy.ErrNotFound) {
		return nil, messaging.ErrNotFound
	}
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	if thread.CustomerID == userID || thread.RecipientID == userID {
		return thread, nil
	}

	supplier, err := s.deps.Store.GetSupplier(ctx, thread.SupplierID)
	if err != nil {
		return nil, messaging.ErrInternal.Wrap(err)
	}
	if supplier != nil && supplier.OwnerUserID == userID {
		return thread, nil
	}
	return nil, messaging.ErrNotFound
}

func (s *Service) now() time.Time {
	return s.deps.Clock.Now().UTC().Truncate(time.Millisecond)
}

func (s *Service) body(raw string) string {
	return html.EscapeString(truncateRunes(strings.TrimSpace(raw), s.opts.MaxContentLength))
}

func (s *Service) preview(raw string) string {
	return html.EscapeString(truncateRunes(strings.TrimSpace(raw), s.opts.PreviewLength))
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
