package driver

import (
	"context"
	"fmt"

	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectRabbitMQ 連接郵件通知佇列.
func ConnectRabbitMQ(cfg config.RabbitMQConfig) (*amqp.Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url 未設定")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	logger.Info(context.Background(), "RabbitMQ connected successfully",
		logger.WithDetails(map[string]interface{}{"queue": cfg.Queue}))
	return conn, nil
}
