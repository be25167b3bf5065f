package driver

import (
	"context"
	"fmt"

	"marketplace-chat/internal/platform/config"
	"marketplace-chat/internal/platform/logger"

	"github.com/mediocregopher/radix/v3"
)

// ConnectRedis 建立 Redis 連接池（通知偏好使用）.
func ConnectRedis(cfg config.RedisConfig) (radix.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr 未設定")
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}

	pool, err := radix.NewPool("tcp", cfg.Addr, size)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	var pong string
	if err := pool.Do(radix.Cmd(&pong, "PING")); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info(context.Background(), "Redis connected successfully",
		logger.WithDetails(map[string]interface{}{"addr": cfg.Addr, "pool_size": size}))
	return pool, nil
}
