package server

import (
	"context"
	"net/http"
	"time"

	"marketplace-chat/internal/constants"
	"marketplace-chat/internal/handler"
	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/health"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps 路由依賴. Hub、Attachments、Gatherer 可為 nil.
type RouterDeps struct {
	Config      *config.Config
	Handler     *handler.Handler
	Health      *health.Handler
	Resolver    middleware.IdentityResolver
	Hub         *notify.ConnectionHub
	Attachments http.FileSystem
	Gatherer    prometheus.Gatherer
}

// Router 設定路由. 回傳的 stop 用於停止限流器的背景清理.
func Router(d RouterDeps) (r *gin.Engine, stop func()) {
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	r = gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error(context.Background(), "trusted_proxies 配置無效，不信任任何代理", logger.WithError(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())

	// 請求 ID 最優先，之後的日誌都帶 trace
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.AccessLog())

	maxMemory := int64(constants.DefaultMaxMultipartMemory)
	if cfg.Limits.Request.MaxMultipartMemory > 0 {
		maxMemory = cfg.Limits.Request.MaxMultipartMemory
	}
	r.MaxMultipartMemory = maxMemory

	maxBody := int64(constants.DefaultMaxRequestBodySize)
	if cfg.Limits.Request.MaxBodySize > 0 {
		maxBody = cfg.Limits.Request.MaxBodySize
	}
	// multipart 上傳上限由附件數量與大小決定
	if cfg.Attachments.MaxFiles > 0 && cfg.Attachments.MaxFileSize > 0 {
		if upload := int64(cfg.Attachments.MaxFiles)*cfg.Attachments.MaxFileSize + (1 << 20); upload > maxBody {
			maxBody = upload
		}
	}

	rl := cfg.Limits.RateLimiting
	cleanup := time.Duration(rl.CleanupInterval) * time.Minute
	if cleanup <= 0 {
		cleanup = constants.RateLimitCleanupIntervalMin * time.Minute
	}
	defaultStore := middleware.NewLimiterStore(orDefault(rl.DefaultPerMinute, constants.DefaultRateLimitPerMinute), cleanup)
	messageStore := middleware.NewLimiterStore(orDefault(rl.MessagesPerMin, constants.DefaultMessageRateLimit), cleanup)
	enquiryStore := middleware.NewLimiterStore(orDefault(rl.EnquiriesPerMin, constants.DefaultEnquiryRateLimit), cleanup)
	stop = func() {
		defaultStore.Stop()
		messageStore.Stop()
		enquiryStore.Stop()
	}

	limit := func(store *middleware.LimiterStore, bucket string) gin.HandlerFunc {
		if !rl.Enabled {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimit(store, bucket)
	}

	sse := cfg.Limits.SSE
	sseLimiter := middleware.NewSSEConnectionLimiter(
		orDefault(sse.MaxConnectionsPerKey, constants.DefaultSSEMaxConnectionsPerKey),
		time.Duration(orDefault(sse.MinConnectionInterval, constants.DefaultSSEMinConnectionInterval))*time.Second,
		orDefault(sse.MaxTotalConnections, constants.DefaultSSEMaxTotalConnections),
	)
	heartbeat := time.Duration(orDefault(sse.HeartbeatInterval, constants.DefaultSSEHeartbeatInterval)) * time.Second

	// health check
	if d.Health != nil {
		r.GET("/health", d.Health.HealthCheck)
	}
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	if d.Attachments != nil {
		prefix := cfg.Attachments.URLPrefix
		if prefix == "" {
			prefix = "/attachments"
		}
		r.StaticFS(prefix, d.Attachments)
	}

	h := d.Handler
	if h == nil {
		h = handler.New(handler.Deps{})
	}

	api := r.Group("/api/v1", middleware.RequestSizeLimiter(maxBody))

	// 詢價允許匿名，登入時帶入身分
	api.POST("/enquiries", middleware.Authenticate(d.Resolver, false), limit(enquiryStore, "enquiries"), h.CreateEnquiry)

	authed := api.Group("", middleware.Authenticate(d.Resolver, true), limit(defaultStore, "default"))
	{
		authed.POST("/conversations", h.CreateConversation)
		authed.GET("/conversations", h.ListConversations)
		authed.GET("/conversations/:id", h.GetConversation)
		authed.PATCH("/conversations/:id/settings", h.UpdateSettings)
		authed.DELETE("/conversations/:id", h.DeleteConversation)
		authed.POST("/conversations/:id/read", h.MarkConversationRead)
		authed.GET("/conversations/:id/messages", h.ListMessages)
		authed.POST("/conversations/:id/messages", limit(messageStore, "messages"), h.SendMessage)

		authed.GET("/messages/:id", h.GetMessage)
		authed.PATCH("/messages/:id", h.EditMessage)
		authed.DELETE("/messages/:id", h.DeleteMessage)
		authed.POST("/messages/:id/reactions", h.ToggleReaction)

		authed.GET("/enquiries", h.ListEnquiries)
		authed.GET("/enquiries/:id/messages", h.ListEnquiryMessages)
		authed.POST("/enquiries/:id/replies", limit(messageStore, "messages"), h.ReplyEnquiry)
		authed.POST("/enquiries/:id/read", h.MarkEnquiryRead)
		authed.POST("/enquiries/:id/archive", h.ArchiveEnquiry)

		authed.GET("/preferences/email", h.GetEmailPreference)
		authed.PUT("/preferences/email", h.UpdateEmailPreference)
	}

	// SSE endpoint - 應用額外的連接限制
	r.GET("/api/v1/events", middleware.Authenticate(d.Resolver, true), sseLimiter.Middleware(), streamEvents(d.Hub, heartbeat))

	return r, stop
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
