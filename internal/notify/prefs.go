package notify

import (
	"context"
	"fmt"

	"github.com/mediocregopher/radix/v3"
)

// RedisPreferences 以 Redis key 記錄郵件通知退訂
type RedisPreferences struct {
	client radix.Client
	prefix string
}

// NewRedisPreferences 創建偏好存取
func NewRedisPreferences(client radix.Client, prefix string) *RedisPreferences {
	if prefix == "" {
		prefix = "chat"
	}
	return &RedisPreferences{client: client, prefix: prefix}
}

func (p *RedisPreferences) optOutKey(userID string) string {
	return fmt.Sprintf("%s:email_optout:%s", p.prefix, userID)
}

// EmailOptedOut 用戶是否退訂郵件通知
func (p *RedisPreferences) EmailOptedOut(_ context.Context, userID string) (bool, error) {
	var exists int
	if err := p.client.Do(radix.Cmd(&exists, "EXISTS", p.optOutKey(userID))); err != nil {
		return false, fmt.Errorf("check email opt-out: %w", err)
	}
	return exists > 0, nil
}

// SetEmailOptOut 設定或取消郵件退訂
func (p *RedisPreferences) SetEmailOptOut(_ context.Context, userID string, optOut bool) error {
	var err error
	if optOut {
		err = p.client.Do(radix.Cmd(nil, "SET", p.optOutKey(userID), "1"))
	} else {
		err = p.client.Do(radix.Cmd(nil, "DEL", p.optOutKey(userID)))
	}
	if err != nil {
		return fmt.Errorf("update email opt-out: %w", err)
	}
	return nil
}
