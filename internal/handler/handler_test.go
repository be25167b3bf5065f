package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketplace-chat/internal/enquiry"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/platform/middleware"
	"marketplace-chat/internal/storage/database/conversation"
	legacy "marketplace-chat/internal/storage/database/enquiry"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type tokenResolver map[string]string

func (r tokenResolver) Resolve(_ context.Context, token string) (*middleware.Identity, error) {
	id, ok := r[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &middleware.Identity{ID: id, Name: strings.ToUpper(id)}, nil
}

var resolver = tokenResolver{"alice-token": "alice", "bob-token": "bob"}

type stubConversations struct {
	existing bool
	err      error
	lastIn   messaging.CreateInput
}

func (s *stubConversations) CreateOrGet(_ context.Context, in messaging.CreateInput) (*messaging.CreateResult, error) {
	s.lastIn = in
	if s.err != nil {
		return nil, s.err
	}
	conv := &conversation.Conversation{
		ID:           "65f0c0ffee0000000000abcd",
		Participants: []string{in.InitiatorID, in.RecipientID},
		Views:        []conversation.ParticipantView{{UserID: in.InitiatorID, IsPinned: true}},
	}
	return &messaging.CreateResult{Conversation: conv, IsExisting: s.existing}, nil
}

func (s *stubConversations) List(context.Context, string, bool) ([]messaging.Summary, error) {
	return []messaging.Summary{}, nil
}

func (s *stubConversations) Get(_ context.Context, id, userID string) (*conversation.Conversation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.Conversation{ID: id, Participants: []string{userID}}, nil
}

func (s *stubConversations) UpdateSettings(_ context.Context, id, userID string, _ messaging.Settings) (*conversation.Conversation, error) {
	return &conversation.Conversation{ID: id, Participants: []string{userID}}, s.err
}

func (s *stubConversations) SoftDelete(context.Context, string, string) error { return s.err }

func (s *stubConversations) MarkRead(_ context.Context, id, userID string) (*conversation.Conversation, error) {
	return &conversation.Conversation{ID: id, Participants: []string{userID}}, s.err
}

type stubMessages struct {
	err    error
	sent   messaging.SendInput
	bodies []string
}

func (s *stubMessages) Send(_ context.Context, in messaging.SendInput) (*conversation.Message, error) {
	s.sent = in
	for _, f := range in.Files {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		s.bodies = append(s.bodies, string(b))
	}
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.Message{ID: "m1", ConversationID: in.ConversationID, SenderID: in.SenderID, Content: in.Content}, nil
}

func (s *stubMessages) List(context.Context, string, string, string, int) (*messaging.Page, error) {
	return &messaging.Page{}, s.err
}

func (s *stubMessages) Get(_ context.Context, id, _ string) (*conversation.Message, error) {
	return &conversation.Message{ID: id}, s.err
}

func (s *stubMessages) Edit(context.Context, string, string, string) (*conversation.Message, error) {
	return nil, s.err
}

func (s *stubMessages) SoftDelete(context.Context, string, string) (bool, error) {
	return s.err == nil, s.err
}

func (s *stubMessages) ToggleReaction(_ context.Context, id, _, _ string) (*conversation.Message, error) {
	return &conversation.Message{ID: id}, s.err
}

type stubEnquiries struct {
	lastIn enquiry.CreateInput
}

func (s *stubEnquiries) CreateEnquiry(_ context.Context, in enquiry.CreateInput) (*enquiry.CreateResult, error) {
	s.lastIn = in
	return &enquiry.CreateResult{Thread: &legacy.Thread{ID: "t1"}, Message: &legacy.Message{ID: "lm1"}}, nil
}

func (s *stubEnquiries) Reply(context.Context, enquiry.ReplyInput) (*legacy.Message, error) {
	return &legacy.Message{ID: "lm2"}, nil
}

func (s *stubEnquiries) ListThreads(context.Context, string) ([]legacy.Thread, error) {
	return []legacy.Thread{}, nil
}

func (s *stubEnquiries) GetThreadMessages(context.Context, string, string) ([]legacy.Message, error) {
	return []legacy.Message{}, nil
}

func (s *stubEnquiries) MarkRead(_ context.Context, id, _ string) (*legacy.Thread, error) {
	return &legacy.Thread{ID: id}, nil
}

func (s *stubEnquiries) Archive(_ context.Context, id, _ string) (*legacy.Thread, error) {
	return &legacy.Thread{ID: id, Status: legacy.StatusArchived}, nil
}

type memPrefs map[string]bool

func (m memPrefs) EmailOptedOut(_ context.Context, userID string) (bool, error) {
	return m[userID], nil
}

func (m memPrefs) SetEmailOptOut(_ context.Context, userID string, optOut bool) error {
	m[userID] = optOut
	return nil
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestIDMiddleware(), middleware.RequestMetadataMiddleware())
	authed := r.Group("/api/v1", middleware.Authenticate(resolver, true))
	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.POST("/conversations/:id/messages", h.SendMessage)
	authed.PATCH("/messages/:id", h.EditMessage)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.PUT("/preferences/email", h.UpdateEmailPreference)
	authed.GET("/preferences/email", h.GetEmailPreference)
	r.POST("/api/v1/enquiries", middleware.Authenticate(resolver, false), h.CreateEnquiry)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func do(t *testing.T, r http.Handler, method, path, token string, body io.Reader, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("回應不是 JSON: %s", w.Body.String())
	}
	return w, env
}

func jsonBody(v interface{}) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func TestMissingServicesReturn503(t *testing.T) {
	r := newRouter(New(Deps{}))

	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/conversations"},
		{http.MethodGet, "/api/v1/conversations/65f0c0ffee0000000000abcd"},
		{http.MethodDelete, "/api/v1/messages/m1"},
		{http.MethodPut, "/api/v1/preferences/email"},
	}
	for _, tc := range cases {
		w, env := do(t, r, tc.method, tc.path, "alice-token", strings.NewReader("{}"), "application/json")
		if w.Code != http.StatusServiceUnavailable || env.Error.Code != "SERVICE_UNAVAILABLE" {
			t.Errorf("%s %s 應回傳 503 SERVICE_UNAVAILABLE，得到 %d %s", tc.method, tc.path, w.Code, env.Error.Code)
		}
		if env.RequestID == "" {
			t.Errorf("錯誤回應應帶 request_id")
		}
	}
}

func TestCreateConversationStatus(t *testing.T) {
	convs := &stubConversations{}
	r := newRouter(New(Deps{Conversations: convs}))

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations", "alice-token",
		jsonBody(map[string]string{"recipientId": "bob", "message": "hi"}), "application/json")
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("新對話應回傳 201，得到 %d %s", w.Code, w.Body.String())
	}
	if convs.lastIn.InitiatorID != "alice" || convs.lastIn.InitiatorName != "ALICE" || convs.lastIn.InitialMessage != "hi" {
		t.Errorf("發起者應取自身分: %+v", convs.lastIn)
	}
	var data struct {
		Conversation struct {
			ID   string `json:"id"`
			View struct {
				IsPinned bool `json:"isPinned"`
			} `json:"view"`
		} `json:"conversation"`
		IsExisting bool `json:"isExisting"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("解析資料失敗: %v", err)
	}
	if !data.Conversation.View.IsPinned || data.IsExisting {
		t.Errorf("回應應包含呼叫者的檢視狀態: %+v", data)
	}

	convs.existing = true
	w, _ = do(t, r, http.MethodPost, "/api/v1/conversations", "alice-token",
		jsonBody(map[string]string{"recipientId": "bob"}), "application/json")
	if w.Code != http.StatusOK {
		t.Errorf("既有對話應回傳 200，得到 %d", w.Code)
	}

	w, _ = do(t, r, http.MethodPost, "/api/v1/conversations", "", jsonBody(map[string]string{"recipientId": "bob"}), "application/json")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("未登入應回傳 401，得到 %d", w.Code)
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{messaging.ErrInvalidRecipient, http.StatusBadRequest, "INVALID_RECIPIENT"},
		{messaging.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{messaging.ErrEditWindowExpired, http.StatusForbidden, "EDIT_WINDOW_EXPIRED"},
		{messaging.ErrAttachmentTooLarge, http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE"},
		{messaging.ErrInternal.Wrap(errors.New("mongo: connection refused")), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{errors.New("mongo: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := newRouter(New(Deps{Conversations: &stubConversations{err: tt.err}}))
			w, env := do(t, r, http.MethodGet, "/api/v1/conversations/65f0c0ffee0000000000abcd", "alice-token", nil, "")
			if w.Code != tt.status || env.Error.Code != tt.code {
				t.Errorf("應回傳 %d %s，得到 %d %s", tt.status, tt.code, w.Code, env.Error.Code)
			}
			if strings.Contains(w.Body.String(), "mongo") {
				t.Error("回應不應洩露存儲錯誤")
			}
		})
	}
}

func TestSendMessageMultipart(t *testing.T) {
	msgs := &stubMessages{}
	r := newRouter(New(Deps{Messages: msgs}))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("content", "看看這兩個檔案")
	for _, name := range []string{"a.txt", "b.txt"} {
		fw, _ := mw.CreateFormFile("files", name)
		fw.Write([]byte("content of " + name))
	}
	mw.Close()

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "bob-token", &buf, mw.FormDataContentType())
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("發送應回傳 201，得到 %d %s", w.Code, w.Body.String())
	}
	if msgs.sent.SenderID != "bob" || msgs.sent.ConversationID != "c1" || msgs.sent.Content != "看看這兩個檔案" {
		t.Errorf("發送參數錯誤: %+v", msgs.sent)
	}
	if len(msgs.sent.Files) != 2 || msgs.sent.Files[0].Name != "a.txt" {
		t.Fatalf("應收到 2 個附件: %+v", msgs.sent.Files)
	}
	if msgs.bodies[1] != "content of b.txt" {
		t.Errorf("附件內容錯誤: %q", msgs.bodies[1])
	}
}

func TestSendMessageJSON(t *testing.T) {
	msgs := &stubMessages{}
	r := newRouter(New(Deps{Messages: msgs}))

	w, _ := do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", "alice-token",
		jsonBody(map[string]string{"content": "hello\x00", "replyToId": "m0"}), "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("發送應回傳 201，得到 %d", w.Code)
	}
	if msgs.sent.Content != "hello" || msgs.sent.ReplyToID != "m0" {
		t.Errorf("內容應去除控制字元並保留回覆 ID: %+v", msgs.sent)
	}
}

func TestDeleteMessageResponse(t *testing.T) {
	r := newRouter(New(Deps{Messages: &stubMessages{}}))
	w, env := do(t, r, http.MethodDelete, "/api/v1/messages/m1", "alice-token", nil, "")
	if w.Code != http.StatusOK || string(env.Data) != `{"deleted":true}` {
		t.Errorf("刪除應回傳 deleted=true，得到 %d %s", w.Code, env.Data)
	}

	r = newRouter(New(Deps{Messages: &stubMessages{err: messaging.ErrForbidden}}))
	w, env = do(t, r, http.MethodDelete, "/api/v1/messages/m1", "bob-token", nil, "")
	if w.Code != http.StatusForbidden || env.Error.Code != "FORBIDDEN" {
		t.Errorf("非發送者刪除應回傳 403，得到 %d %s", w.Code, env.Error.Code)
	}
}

func TestCreateEnquiryAnonymousAndAuthenticated(t *testing.T) {
	enquiries := &stubEnquiries{}
	r := newRouter(New(Deps{Enquiries: enquiries}))
	body := map[string]string{
		"supplierId":   "sup-1",
		"name":         "王小明",
		"email":        "buyer@example.com",
		"message":      "請報價",
		"captchaToken": "tok",
	}

	w, _ := do(t, r, http.MethodPost, "/api/v1/enquiries", "", jsonBody(body), "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("匿名詢價應回傳 201，得到 %d %s", w.Code, w.Body.String())
	}
	if enquiries.lastIn.CustomerID != "" || enquiries.lastIn.CaptchaToken != "tok" || enquiries.lastIn.RemoteIP == "" {
		t.Errorf("匿名詢價參數錯誤: %+v", enquiries.lastIn)
	}

	do(t, r, http.MethodPost, "/api/v1/enquiries", "alice-token", jsonBody(body), "application/json")
	if enquiries.lastIn.CustomerID != "alice" {
		t.Errorf("登入時客戶應為身分 ID，得到 %q", enquiries.lastIn.CustomerID)
	}

	body["email"] = "not-an-email"
	w, env := do(t, r, http.MethodPost, "/api/v1/enquiries", "", jsonBody(body), "application/json")
	if w.Code != http.StatusBadRequest || env.Error.Code != "INVALID_REQUEST" {
		t.Errorf("郵件格式錯誤應回傳 400 INVALID_REQUEST，得到 %d %s", w.Code, env.Error.Code)
	}
}

func TestEmailPreference(t *testing.T) {
	prefs := memPrefs{}
	r := newRouter(New(Deps{Preferences: prefs}))

	w, env := do(t, r, http.MethodPut, "/api/v1/preferences/email", "alice-token", strings.NewReader(`{"optOut":true}`), "application/json")
	if w.Code != http.StatusOK || !prefs["alice"] {
		t.Fatalf("設定退訂失敗: %d %s", w.Code, env.Data)
	}

	w, env = do(t, r, http.MethodGet, "/api/v1/preferences/email", "alice-token", nil, "")
	if w.Code != http.StatusOK || string(env.Data) != `{"optOut":true}` {
		t.Errorf("讀取偏好錯誤: %d %s", w.Code, env.Data)
	}

	w, _ = do(t, r, http.MethodPut, "/api/v1/preferences/email", "alice-token", strings.NewReader(`{}`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("缺少 optOut 應回傳 400，得到 %d", w.Code)
	}
}
