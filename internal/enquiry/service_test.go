package enquiry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/reconcile"
	"marketplace-chat/internal/storage/database/conversation"
	legacy "marketplace-chat/internal/storage/database/enquiry"

	"github.com/jonboulle/clockwork"
)

var testEpoch = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu        sync.Mutex
	threads   map[string]legacy.Thread
	messages  []legacy.Message
	suppliers map[string]*legacy.Supplier
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads: make(map[string]legacy.Thread),
		suppliers: map[string]*legacy.Supplier{
			"sup-1": {ID: "sup-1", OwnerUserID: "owner", Name: "好物商行"},
		},
	}
}

func (f *fakeStore) CreateThreadWithMessage(_ context.Context, t *legacy.Thread, m *legacy.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.threads[t.ID] = *t
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, t *legacy.Thread, m *legacy.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.threads[t.ID]
	if !ok {
		return legacy.ErrNotFound
	}
	stored.LastMessageID = t.LastMessageID
	stored.LastMessageSenderID = t.LastMessageSenderID
	stored.LastMessagePreview = t.LastMessagePreview
	stored.LastMessageAt = t.LastMessageAt
	stored.Unread = t.Unread
	stored.UpdatedAt = t.UpdatedAt
	f.threads[t.ID] = stored
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) GetThread(_ context.Context, id string) (*legacy.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return nil, legacy.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) UpdateThread(_ context.Context, id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return legacy.ErrNotFound
	}
	for key, value := range fields {
		switch key {
		case "status":
			t.Status = value.(string)
		case "unread":
			t.Unread = value.(bool)
		case "updated_at":
			t.UpdatedAt = value.(time.Time)
		}
	}
	f.threads[id] = t
	return nil
}

func (f *fakeStore) ListThreadsForUser(_ context.Context, userID string, supplierIDs []string, limit int) ([]legacy.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := make(map[string]bool)
	for _, id := range supplierIDs {
		owned[id] = true
	}
	var out []legacy.Thread
	for _, t := range f.threads {
		if t.CustomerID == userID || t.RecipientID == userID || owned[t.SupplierID] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListMessages(_ context.Context, threadID string, limit int) ([]legacy.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []legacy.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID && !m.IsDeleted {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetSupplier(_ context.Context, id string) (*legacy.Supplier, error) {
	return f.suppliers[id], nil
}

func (f *fakeStore) SupplierIDsOwnedBy(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for id, s := range f.suppliers {
		if s.OwnerUserID == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// recordingReconciler 以真實的映射函式產生鏡像並記錄同步次數
type recordingReconciler struct {
	store   *fakeStore
	threads []string
	msgs    []string
	fail    bool
}

func (r *recordingReconciler) SyncThread(_ context.Context, t *legacy.Thread) *conversation.Conversation {
	r.threads = append(r.threads, t.ID)
	if r.fail {
		return nil
	}
	supplier, _ := r.store.GetSupplier(context.Background(), t.SupplierID)
	return reconcile.MirrorFromThread(t, supplier)
}

func (r *recordingReconciler) SyncMessage(_ context.Context, m *legacy.Message) *conversation.Message {
	r.msgs = append(r.msgs, m.ID)
	if r.fail {
		return nil
	}
	return reconcile.MirrorFromMessage(m)
}

type recordingNotifier struct {
	conversations []*conversation.Conversation
	messages      []*conversation.Message
}

func (n *recordingNotifier) OnNewMessage(_ context.Context, _ *conversation.Conversation, msg *conversation.Message) {
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) OnNewConversation(_ context.Context, conv *conversation.Conversation) {
	n.conversations = append(n.conversations, conv)
}

type countingScorer struct{ calls int }

func (s *countingScorer) Score(_ context.Context, signals LeadSignals) LeadScore {
	s.calls++
	score := 40
	if signals.HasPhone {
		score += 20
	}
	return LeadScore{Score: score, Rating: "warm", Flags: []string{"new"}}
}

type stubCaptcha struct {
	result CaptchaResult
	err    error
}

func (c stubCaptcha) Verify(context.Context, string, string) (CaptchaResult, error) {
	return c.result, c.err
}

type fixture struct {
	store      *fakeStore
	reconciler *recordingReconciler
	notifier   *recordingNotifier
	scorer     *countingScorer
	clock      *clockwork.FakeClock
	svc        *Service
}

func newFixture(captcha CaptchaVerifier) *fixture {
	f := &fixture{
		store:    newFakeStore(),
		notifier: &recordingNotifier{},
		scorer:   &countingScorer{},
		clock:    clockwork.NewFakeClockAt(testEpoch),
	}
	f.reconciler = &recordingReconciler{store: f.store}
	f.svc = NewService(Deps{
		Store:      f.store,
		Reconciler: f.reconciler,
		Notifier:   f.notifier,
		Scorer:     f.scorer,
		Captcha:    captcha,
		Clock:      f.clock,
	}, messaging.DefaultOptions())
	return f
}

func validInput() CreateInput {
	return CreateInput{
		CustomerID:   "buyer",
		SupplierID:   "sup-1",
		Name:         "王小明",
		Email:        "buyer@example.com",
		Phone:        "0912345678",
		Message:      "請問有現貨嗎？",
		CaptchaToken: "token",
	}
}

func errCode(err error) messaging.Code {
	var e *messaging.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestCreateEnquiryWritesThreadAndMirrors(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	res, err := f.svc.CreateEnquiry(ctx, validInput())
	if err != nil {
		t.Fatalf("建立詢價失敗: %v", err)
	}
	if res.Thread.RecipientID != "owner" {
		t.Errorf("收件人應為供應商擁有者，得到 %s", res.Thread.RecipientID)
	}
	if res.Thread.LeadScore != 60 || res.Thread.LeadRating != "warm" {
		t.Errorf("評分未保存: %d %s", res.Thread.LeadScore, res.Thread.LeadRating)
	}
	if f.scorer.calls != 1 {
		t.Errorf("評分應只計算一次，得到 %d", f.scorer.calls)
	}
	if res.Message.ThreadID != res.Thread.ID || res.Message.SenderID != "buyer" {
		t.Errorf("第一則訊息內容錯誤: %+v", res.Message)
	}
	if len(f.reconciler.threads) != 1 || f.reconciler.threads[0] != res.Thread.ID {
		t.Errorf("應同步 thread 鏡像: %v", f.reconciler.threads)
	}
	if len(f.reconciler.msgs) != 1 || f.reconciler.msgs[0] != res.Message.ID {
		t.Errorf("應同步訊息鏡像: %v", f.reconciler.msgs)
	}

	if len(f.notifier.conversations) != 1 {
		t.Fatalf("應觸發一次新對話通知，得到 %d", len(f.notifier.conversations))
	}
	mirror := f.notifier.conversations[0]
	if mirror.ID != res.Thread.ID {
		t.Errorf("鏡像 ID 應等於 thread ID")
	}
	if mirror.LastMessage == nil || mirror.LastMessage.SenderID != "buyer" || mirror.LastMessage.MessageID != res.Message.ID {
		t.Errorf("鏡像應帶有最後訊息發送者: %+v", mirror.LastMessage)
	}
	if messaging.Summarize(mirror, "buyer").Unread {
		t.Error("客戶自己送出的詢價不應顯示為未讀")
	}
	if !messaging.Summarize(mirror, "owner").Unread {
		t.Error("供應商擁有者應看到未讀")
	}
}

func TestCreateEnquiryValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateInput)
		captcha CaptchaVerifier
		want    messaging.Code
	}{
		{"缺少供應商", func(in *CreateInput) { in.SupplierID = "" }, nil, messaging.CodeMissingRecipient},
		{"郵件格式錯誤", func(in *CreateInput) { in.Email = "not-an-email" }, nil, messaging.CodeInvalidRequest},
		{"缺少姓名", func(in *CreateInput) { in.Name = " " }, nil, messaging.CodeInvalidRequest},
		{"空白訊息", func(in *CreateInput) { in.Message = "  " }, nil, messaging.CodeEmptyMessage},
		{"驗證碼失敗", func(*CreateInput) {}, stubCaptcha{result: CaptchaResult{Error: "timeout-or-duplicate"}}, messaging.CodeCaptchaFailed},
		{"驗證碼服務錯誤", func(*CreateInput) {}, stubCaptcha{err: errors.New("down")}, messaging.CodeServiceUnavailable},
		{"供應商不存在", func(in *CreateInput) { in.SupplierID = "ghost" }, nil, messaging.CodeNotFound},
		{"向自己詢價", func(in *CreateInput) { in.CustomerID = "owner" }, nil, messaging.CodeInvalidRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.captcha)
			in := validInput()
			tt.mutate(&in)
			_, err := f.svc.CreateEnquiry(context.Background(), in)
			if got := errCode(err); got != tt.want {
				t.Errorf("錯誤碼應為 %s，得到 %s (%v)", tt.want, got, err)
			}
			if len(f.store.threads) != 0 || f.scorer.calls != 0 {
				t.Error("驗證失敗時不應寫入或評分")
			}
		})
	}
}

func TestCreateEnquiryStoreFailureSkipsReconcile(t *testing.T) {
	f := newFixture(nil)
	f.store.createErr = errors.New("deadlock")

	_, err := f.svc.CreateEnquiry(context.Background(), validInput())
	if errCode(err) != messaging.CodeInternal {
		t.Errorf("寫入失敗應回傳 INTERNAL_ERROR，得到 %v", err)
	}
	if len(f.reconciler.threads) != 0 || len(f.notifier.conversations) != 0 {
		t.Error("舊版寫入失敗時不應同步或通知")
	}
}

func TestReconcileFailureDoesNotChangeResult(t *testing.T) {
	f := newFixture(nil)
	f.reconciler.fail = true
	ctx := context.Background()

	res, err := f.svc.CreateEnquiry(ctx, validInput())
	if err != nil {
		t.Fatalf("同步失敗不應影響建立結果: %v", err)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{ThreadID: res.Thread.ID, SenderID: "owner", Message: "有的"}); err != nil {
		t.Fatalf("同步失敗不應影響回覆結果: %v", err)
	}
	if len(f.notifier.conversations)+len(f.notifier.messages) != 0 {
		t.Error("沒有鏡像時不應通知")
	}
}

func TestAnonymousEnquiry(t *testing.T) {
	f := newFixture(nil)
	in := validInput()
	in.CustomerID = ""

	res, err := f.svc.CreateEnquiry(context.Background(), in)
	if err != nil {
		t.Fatalf("匿名詢價失敗: %v", err)
	}
	mirror := f.notifier.conversations[0]
	if len(mirror.Participants) != 1 || mirror.Participants[0] != "owner" {
		t.Errorf("匿名詢價的參與者應只有供應商擁有者: %v", mirror.Participants)
	}
	if res.Thread.CustomerEmail != "buyer@example.com" {
		t.Error("匿名詢價應保存聯絡郵件")
	}
}

func TestReplyAccessAndUnread(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	res, _ := f.svc.CreateEnquiry(ctx, validInput())

	if _, err := f.svc.MarkRead(ctx, res.Thread.ID, "owner"); err != nil {
		t.Fatalf("標記已讀失敗: %v", err)
	}
	if stored, _ := f.store.GetThread(ctx, res.Thread.ID); stored.Unread {
		t.Fatal("標記已讀後 unread 應為 false")
	}

	f.clock.Advance(time.Minute)
	msg, err := f.svc.Reply(ctx, ReplyInput{ThreadID: res.Thread.ID, SenderID: "owner", SenderName: "好物商行", Message: "<b>有現貨</b>"})
	if err != nil {
		t.Fatalf("回覆失敗: %v", err)
	}
	if msg.Body != "&lt;b&gt;有現貨&lt;/b&gt;" {
		t.Errorf("訊息內容應跳脫 HTML，得到 %s", msg.Body)
	}

	stored, _ := f.store.GetThread(ctx, res.Thread.ID)
	if !stored.Unread || stored.LastMessageAt == nil || !stored.LastMessageAt.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("回覆後應更新摘要與未讀: %+v", stored)
	}
	if stored.LastMessageID != msg.ID || stored.LastMessageSenderID != "owner" {
		t.Errorf("回覆後應保存最後訊息發送者: %s %s", stored.LastMessageID, stored.LastMessageSenderID)
	}
	if len(f.notifier.messages) != 1 || f.notifier.messages[0].ID != msg.ID {
		t.Errorf("回覆應觸發新訊息通知")
	}

	// 之後讀取鏡像（不經通知路徑）時未讀狀態仍須正確
	mirror := f.reconciler.SyncThread(ctx, stored)
	if messaging.Summarize(mirror, "owner").Unread {
		t.Error("擁有者自己的回覆不應顯示為未讀")
	}
	if !messaging.Summarize(mirror, "buyer").Unread {
		t.Error("客戶應看到擁有者的回覆為未讀")
	}

	if _, err := f.svc.Reply(ctx, ReplyInput{ThreadID: res.Thread.ID, SenderID: "stranger", Message: "hi"}); errCode(err) != messaging.CodeNotFound {
		t.Errorf("無權限者回覆應回傳 NOT_FOUND，得到 %v", err)
	}
	if _, err := f.svc.Reply(ctx, ReplyInput{ThreadID: "not-a-uuid", SenderID: "owner", Message: "hi"}); errCode(err) != messaging.CodeInvalidID {
		t.Errorf("錯誤 ID 應回傳 INVALID_ID，得到 %v", err)
	}

	messages, err := f.svc.GetThreadMessages(ctx, res.Thread.ID, "buyer")
	if err != nil {
		t.Fatalf("讀取訊息失敗: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("應有 2 則訊息，得到 %d", len(messages))
	}
}

func TestArchiveReconcilesStatus(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	res, _ := f.svc.CreateEnquiry(ctx, validInput())

	thread, err := f.svc.Archive(ctx, res.Thread.ID, "buyer")
	if err != nil {
		t.Fatalf("封存失敗: %v", err)
	}
	if thread.Status != legacy.StatusArchived {
		t.Errorf("狀態應為 archived，得到 %s", thread.Status)
	}
	if len(f.reconciler.threads) != 2 {
		t.Errorf("封存後應再次同步 thread，得到 %d 次", len(f.reconciler.threads))
	}
	if mirror := reconcile.MirrorFromThread(thread, f.store.suppliers["sup-1"]); mirror.Status != conversation.StatusArchived {
		t.Errorf("鏡像狀態應為 archived，得到 %s", mirror.Status)
	}
}

func TestListThreadsIncludesOwnedSuppliers(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.svc.CreateEnquiry(ctx, validInput())

	// 擁有者的 recipient 欄位異動後仍可透過供應商看到
	for id, th := range f.store.threads {
		th.RecipientID = ""
		f.store.threads[id] = th
	}

	for _, user := range []string{"buyer", "owner"} {
		threads, err := f.svc.ListThreads(ctx, user)
		if err != nil {
			t.Fatalf("列出 thread 失敗: %v", err)
		}
		if len(threads) != 1 {
			t.Errorf("%s 應看到 1 個 thread，得到 %d", user, len(threads))
		}
	}
	if threads, _ := f.svc.ListThreads(ctx, "stranger"); len(threads) != 0 {
		t.Errorf("無關用戶不應看到 thread")
	}
}
