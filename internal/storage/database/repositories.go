package database

import (
	"context"
	"fmt"

	"marketplace-chat/internal/platform/logger"
	"marketplace-chat/internal/storage/database/conversation"
	"marketplace-chat/internal/storage/database/enquiry"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"gorm.io/gorm"
)

// Repositories 倉儲集合. Legacy 在未設定 MySQL 時為 nil.
type Repositories struct {
	Conversations *conversation.ConversationStore
	Messages      *conversation.MessageStore
	Legacy        *enquiry.Store
}

// NewRepositories 創建倉儲集合並建立索引.
func NewRepositories(ctx context.Context, db *mongo.Database, legacyDB *gorm.DB, autoMigrate bool) (*Repositories, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo database is nil")
	}

	// 索引建立失敗不中斷啟動，但 pair_key 唯一索引缺失時併發建立可能產生重複對話
	if err := conversation.CreateIndexes(ctx, db); err != nil {
		logger.Error(ctx, "建立 MongoDB 索引失敗", logger.WithError(err))
	}

	repos := &Repositories{
		Conversations: conversation.NewConversationStore(db),
		Messages:      conversation.NewMessageStore(db),
	}

	if legacyDB != nil {
		repos.Legacy = enquiry.NewStore(legacyDB)
		if autoMigrate {
			if err := repos.Legacy.AutoMigrate(ctx); err != nil {
				return nil, fmt.Errorf("legacy auto migrate: %w", err)
			}
		}
	}

	return repos, nil
}
