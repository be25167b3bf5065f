package enquiry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-chat/internal/platform/config"

	"github.com/valyala/fasthttp"
)

// CaptchaResult 驗證結果
type CaptchaResult struct {
	Success bool
	Error   string
}

// CaptchaVerifier 驗證碼驗證器. error 表示驗證服務本身無法使用.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (CaptchaResult, error)
}

// AllowAllCaptcha 驗證碼停用時使用
type AllowAllCaptcha struct{}

// Verify 一律通過
func (AllowAllCaptcha) Verify(context.Context, string, string) (CaptchaResult, error) {
	return CaptchaResult{Success: true}, nil
}

// SiteVerifyCaptcha 以 siteverify 協定（secret/response/remoteip 表單）驗證 token
type SiteVerifyCaptcha struct {
	client  *fasthttp.Client
	url     string
	secret  string
	timeout time.Duration
}

// NewCaptchaVerifier 依配置建立驗證器. 未啟用時回傳 AllowAllCaptcha.
func NewCaptchaVerifier(cfg config.CaptchaConfig) CaptchaVerifier {
	if !cfg.Enabled {
		return AllowAllCaptcha{}
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SiteVerifyCaptcha{
		client: &fasthttp.Client{
			Name:         "marketplace-chat",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		url:     cfg.VerifyURL,
		secret:  cfg.Secret,
		timeout: timeout,
	}
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify 呼叫驗證服務
func (v *SiteVerifyCaptcha) Verify(ctx context.Context, token, remoteIP string) (CaptchaResult, error) {
	if token == "" {
		return CaptchaResult{Error: "missing-input-response"}, nil
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("secret", v.secret)
	args.Set("response", token)
	if remoteIP != "" {
		args.Set("remoteip", remoteIP)
	}
	req.SetBody(args.QueryString())

	deadline := time.Now().Add(v.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := v.client.DoDeadline(req, resp, deadline); err != nil {
		return CaptchaResult{}, fmt.Errorf("驗證碼服務請求失敗: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return CaptchaResult{}, fmt.Errorf("驗證碼服務回應狀態 %d", resp.StatusCode())
	}

	var body siteVerifyResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return CaptchaResult{}, fmt.Errorf("解析驗證碼回應失敗: %w", err)
	}
	result := CaptchaResult{Success: body.Success}
	if !body.Success && len(body.ErrorCodes) > 0 {
		result.Error = body.ErrorCodes[0]
	}
	return result, nil
}
