package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-chat/internal/enquiry"
	"marketplace-chat/internal/handler"
	"marketplace-chat/internal/messaging"
	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/driver"
	"marketplace-chat/internal/platform/health"
	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/platform/metrics"
	"marketplace-chat/internal/platform/middleware"
	"marketplace-chat/internal/platform/server"
	"marketplace-chat/internal/reconcile"
	"marketplace-chat/internal/security/audit"
	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database"
	"marketplace-chat/internal/storage/database/conversation"

	"github.com/jonboulle/clockwork"
	"github.com/mediocregopher/radix/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 連接資料庫.
	mongoConn, err := driver.ConnectMongo(cfg.Database.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoConn.Close(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	var legacyDB *gorm.DB
	if cfg.LegacyEnabled() {
		legacyDB, err = driver.ConnectMySQL(cfg.Database.MySQL, cfg.IsDebug())
		if err != nil {
			return err
		}
		defer func() {
			if err := driver.CloseMySQL(legacyDB); err != nil {
				logger.Errorf(ctx, "關閉 MySQL 連接失敗: %v", err)
			}
		}()
	} else {
		logger.Warning(ctx, "未設定 MySQL DSN，詢價 API 停用")
	}

	repos, err := database.NewRepositories(ctx, mongoConn.DB, legacyDB, cfg.Database.MySQL.AutoMigrate)
	if err != nil {
		return err
	}
	if cfg.IsDebug() {
		if stats, err := conversation.GetIndexStats(ctx, mongoConn.DB); err == nil {
			logger.Debug(ctx, "MongoDB 索引", logger.WithDetails(stats))
		}
	}

	// 選用的基礎設施：不可用時對應通道停用.
	var redisClient radix.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = driver.ConnectRedis(cfg.Redis)
		if err != nil {
			logger.Error(ctx, "Redis 連接失敗，郵件偏好停用", logger.WithError(err))
		} else {
			defer redisClient.Close()
		}
	}

	var amqpConn *amqp.Connection
	var mailQueue *notify.MailQueue
	if cfg.Notifications.EmailEnabled && cfg.RabbitMQ.URL != "" {
		amqpConn, err = driver.ConnectRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			logger.Error(ctx, "RabbitMQ 連接失敗，郵件通知停用", logger.WithError(err))
		} else {
			defer amqpConn.Close()
			mailQueue, err = notify.NewMailQueue(amqpConn, cfg.RabbitMQ.Queue)
			if err != nil {
				logger.Error(ctx, "郵件佇列宣告失敗，郵件通知停用", logger.WithError(err))
				mailQueue = nil
			} else {
				defer mailQueue.Close()
			}
		}
	}

	// 指標與稽核.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	auditSvc := audit.NewAuditService(cfg.Security.Audit.Enabled)
	clock := clockwork.NewRealClock()

	attachments := attachment.NewStore(afero.NewOsFs(), cfg.Attachments.Root, cfg.Attachments.URLPrefix)

	// 通知 hook. 介面欄位只在實體存在時設定，避免 typed nil.
	hub := notify.NewConnectionHub(cfg.Limits.SSE.EventChannelBuffer, m)
	hookDeps := notify.HookDeps{Metrics: m, BaseURL: cfg.Notifications.BaseURL}
	if cfg.Notifications.PushEnabled {
		hookDeps.Pusher = hub
	}
	if mailQueue != nil {
		hookDeps.Mail = mailQueue
	}
	var prefs *notify.RedisPreferences
	if redisClient != nil {
		prefs = notify.NewRedisPreferences(redisClient, cfg.Redis.Prefix)
		hookDeps.Preferences = prefs
	}
	if repos.Legacy != nil {
		hookDeps.Users = repos.Legacy
	}
	hook := notify.NewHook(hookDeps)

	// 服務在此明確建立，不使用延遲初始化的全域單例.
	opts := messaging.OptionsFromConfig(cfg)
	msgDeps := messaging.Deps{
		Conversations: repos.Conversations,
		Messages:      repos.Messages,
		Attachments:   attachments,
		Notifier:      hook,
		Audit:         auditSvc,
		Metrics:       m,
		Clock:         clock,
	}
	if repos.Legacy != nil {
		msgDeps.Users = repos.Legacy
	}
	messages := messaging.NewMessageService(msgDeps, opts)
	conversations := messaging.NewConversationManager(msgDeps, messages)

	handlerDeps := handler.Deps{
		Conversations: conversations,
		Messages:      messages,
	}
	if prefs != nil {
		handlerDeps.Preferences = prefs
	}
	if repos.Legacy != nil {
		reconciler := reconcile.New(repos.Conversations, repos.Messages, repos.Legacy, m)
		handlerDeps.Enquiries = enquiry.NewService(enquiry.Deps{
			Store:      repos.Legacy,
			Reconciler: reconciler,
			Notifier:   hook,
			Scorer:     enquiry.NeutralScorer{},
			Captcha:    enquiry.NewCaptchaVerifier(cfg.Captcha),
			Audit:      auditSvc,
			Metrics:    m,
			Clock:      clock,
		}, opts)
	}
	h := handler.New(handlerDeps)

	checker := health.NewHealthHandler(cfg.App, dependencyChecks(mongoConn, repos, redisClient, amqpConn)...)

	expiration, err := time.ParseDuration(cfg.Security.Authentication.Expiration)
	if err != nil || expiration <= 0 {
		expiration = 24 * time.Hour
	}
	resolver := middleware.NewJWTManager(cfg.Security.Authentication.JWTSecret, cfg.Security.Authentication.Issuer, expiration)

	router, stopLimiters := server.Router(server.RouterDeps{
		Config:      cfg,
		Handler:     h,
		Health:      checker,
		Resolver:    resolver,
		Hub:         hub,
		Attachments: attachments.FileSystem(),
		Gatherer:    registry,
	})
	defer stopLimiters()

	httpTLS, err := server.LoadTLSConfig(cfg.Security.TLS)
	if err != nil {
		return err
	}

	logger.Info(ctx, "[System] 服務器啟動", logger.WithDetails(map[string]interface{}{
		"env":     config.GetEnv(),
		"version": cfg.App.Version,
		"legacy":  repos.Legacy != nil,
		"email":   mailQueue != nil,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, server.HTTPOptions{
			Addr:        cfg.ServerAddr(),
			ReadTimeout: time.Duration(cfg.Server.Timeout) * time.Second,
			TLS:         httpTLS,
		}, router)
	})
	if cfg.GRPC.Enabled {
		g.Go(func() error {
			return server.ServeGRPC(gctx, cfg.GRPC, cfg.Security.TLS, checker)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.Background(), "服務器已關閉", logger.WithAction("shutdown"))
	return nil
}

// dependencyChecks 健康檢查項目. 未啟用的依賴以 nil Pinger 標示為 disabled.
func dependencyChecks(mongoConn *driver.Mongo, repos *database.Repositories, redisClient radix.Client, amqpConn *amqp.Connection) []health.Check {
	checks := []health.Check{{Name: "mongodb", Pinger: mongoConn}}

	mysqlCheck := health.Check{Name: "mysql"}
	if repos.Legacy != nil {
		mysqlCheck.Pinger = repos.Legacy
	}
	checks = append(checks, mysqlCheck)

	redisCheck := health.Check{Name: "redis"}
	if redisClient != nil {
		redisCheck.Pinger = health.PingFunc(func(context.Context) error {
			return redisClient.Do(radix.Cmd(nil, "PING"))
		})
	}
	checks = append(checks, redisCheck)

	rabbitCheck := health.Check{Name: "rabbitmq"}
	if amqpConn != nil {
		rabbitCheck.Pinger = health.PingFunc(func(context.Context) error {
			if amqpConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		})
	}
	return append(checks, rabbitCheck)
}
