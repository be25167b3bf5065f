package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketplace-chat/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(m *JWTManager, required bool) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(), RequestMetadataMiddleware(), Authenticate(m, required))
	r.GET("/me", func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		meta := GetRequestMetadata(c.Request.Context())
		traced := strings.HasSuffix(logger.GetTraceID(c.Request.Context()), "/traces/"+GetRequestID(c))
		c.String(http.StatusOK, "%s|%s|%t", identity.ID, meta.UserID, traced)
	})
	return r
}

func TestAuthenticate(t *testing.T) {
	m := NewJWTManager("test-secret", "marketplace-chat", time.Hour)
	token, err := m.GenerateToken(Identity{ID: "u1", Email: "u1@example.com", Name: "User One"})
	if err != nil {
		t.Fatalf("簽發 token 失敗: %v", err)
	}

	other := NewJWTManager("other-secret", "marketplace-chat", time.Hour)
	forged, _ := other.GenerateToken(Identity{ID: "u1"})

	tests := []struct {
		name     string
		required bool
		header   string
		wantCode int
		wantBody string
	}{
		{name: "有效 token", required: true, header: "Bearer " + token, wantCode: http.StatusOK, wantBody: "u1|u1|true"},
		{name: "缺少 token", required: true, header: "", wantCode: http.StatusUnauthorized},
		{name: "格式錯誤", required: true, header: "Token " + token, wantCode: http.StatusUnauthorized},
		{name: "錯誤簽名", required: true, header: "Bearer " + forged, wantCode: http.StatusUnauthorized},
		{name: "可選模式匿名", required: false, header: "", wantCode: http.StatusOK, wantBody: "anonymous"},
		{name: "可選模式無效 token", required: false, header: "Bearer garbage", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRouter(m, tt.required)
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set(RequestIDHeader, "req-1")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("狀態碼應為 %d，得到 %d (%s)", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("回應應為 %q，得到 %q", tt.wantBody, w.Body.String())
			}
			if w.Header().Get(RequestIDHeader) != "req-1" {
				t.Errorf("應回傳 request id header")
			}
		})
	}
}

func TestJWTIssuerMismatch(t *testing.T) {
	a := NewJWTManager("secret", "issuer-a", time.Hour)
	b := NewJWTManager("secret", "issuer-b", time.Hour)
	token, err := a.GenerateToken(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("簽發 token 失敗: %v", err)
	}
	if _, err := b.Resolve(context.Background(), token); err == nil {
		t.Error("不同 issuer 應驗證失敗")
	}
}

func TestRateLimit(t *testing.T) {
	store := NewLimiterStore(2, 0)
	defer store.Stop()

	r := gin.New()
	r.Use(RateLimit(store, "test"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent {
		t.Errorf("前兩次請求應通過，得到 %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("第三次請求應被限流，得到 %d", codes[2])
	}
}

func TestSSEConnectionLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewSSEConnectionLimiter(2, time.Second, 3)
	l.now = func() time.Time { return now }

	if !l.Acquire("a") {
		t.Fatal("第一個連接應成功")
	}
	if l.Acquire("a") {
		t.Error("間隔過短的連接應被拒絕")
	}

	now = now.Add(2 * time.Second)
	if !l.Acquire("a") {
		t.Fatal("第二個連接應成功")
	}
	now = now.Add(2 * time.Second)
	if l.Acquire("a") {
		t.Error("超過單一 key 上限應被拒絕")
	}
	if !l.Acquire("b") {
		t.Fatal("其他 key 應可連接")
	}
	if l.Acquire("c") {
		t.Error("超過全局上限應被拒絕")
	}

	l.Release("a")
	now = now.Add(2 * time.Second)
	if !l.Acquire("c") {
		t.Error("釋放後應可再次連接")
	}
	if got := l.Stats()["total_connections"]; got != 3 {
		t.Errorf("總連接數應為 3，得到 %v", got)
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"user-1", false},
		{"", true},
		{"   ", true},
		{"a{$ne}", true},
		{strings.Repeat("x", 101), true},
	}
	for _, tt := range tests {
		if err := ValidateUserID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("ValidateUserID(%q) 錯誤 = %v，預期錯誤 %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	got := SanitizeInput("hi\x00 there\x07\nline\ttab")
	if got != "hi there\nline\ttab" {
		t.Errorf("消毒結果錯誤: %q", got)
	}
}

func TestRequestSizeLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimiter(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("過大請求應回傳 413，得到 %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("預檢請求應回傳 204，得到 %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("允許的來源應被回傳")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("未允許的來源不應被回傳")
	}
}

func TestSanitizeInputStripsBidiOverride(t *testing.T) {
	got := SanitizeInput("price\u202e001$\x7f ok")
	if got != "price001$ ok" {
		t.Errorf("應移除雙向覆寫與 DEL 字符: %q", got)
	}
}

func TestRequestIDRejectsUnsafeHeader(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	tests := []struct {
		header string
		keep   bool
	}{
		{"abc-123_x.y", true},
		{"bad id\nnext", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, tt.header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if kept := w.Body.String() == tt.header; kept != tt.keep {
			t.Errorf("request id %q 沿用 = %v，預期 %v", tt.header, kept, tt.keep)
		}
		if w.Header().Get(RequestIDHeader) != w.Body.String() {
			t.Errorf("回應標頭應帶回實際使用的 request id")
		}
	}
}

func TestGetClientIPHonorsTrustedProxiesOnly(t *testing.T) {
	newRouter := func(trusted []string) *gin.Engine {
		r := gin.New()
		if err := r.SetTrustedProxies(trusted); err != nil {
			t.Fatalf("設定信任代理失敗: %v", err)
		}
		r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetClientIP(c)) })
		return r
	}

	// httptest 的 RemoteAddr 為 192.0.2.1
	tests := []struct {
		name    string
		trusted []string
		want    string
	}{
		{"未信任代理時忽略標頭", nil, "192.0.2.1"},
		{"信任代理時採用標頭", []string{"192.0.2.1"}, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			w := httptest.NewRecorder()
			newRouter(tt.trusted).ServeHTTP(w, req)
			if w.Body.String() != tt.want {
				t.Errorf("client ip = %s，預期 %s", w.Body.String(), tt.want)
			}
		})
	}
}
