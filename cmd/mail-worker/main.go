package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/driver"
	"marketplace-chat/internal/platform/logger"
)

const prefetch = 10

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run 消費郵件佇列並經由 SMTP 寄出，直到收到中斷信號.
func run() error {
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

	conn, err := driver.ConnectRabbitMQ(cfg.RabbitMQ)
	if err != nil {
		return err
	}
	defer conn.Close()

	queue, err := notify.NewMailQueue(conn, cfg.RabbitMQ.Queue)
	if err != nil {
		return err
	}
	defer queue.Close()

	mailer := notify.NewSMTPMailer(cfg.Mail)
	logger.Info(ctx, "[MailWorker] 開始消費郵件佇列", logger.WithDetails(map[string]interface{}{
		"queue": cfg.RabbitMQ.Queue,
		"smtp":  cfg.Mail.Host,
	}))

	err = queue.Consume(ctx, prefetch, func(ctx context.Context, job notify.EmailJob) error {
		if err := mailer.Send(ctx, job); err != nil {
			return err
		}
		logger.Info(ctx, "通知郵件已寄出", logger.WithDetails(map[string]interface{}{
			"conversation_id": job.ConversationID,
		}))
		return nil
	})
	logger.Info(context.Background(), "[MailWorker] 已停止", logger.WithAction("shutdown"))
	return err
}
