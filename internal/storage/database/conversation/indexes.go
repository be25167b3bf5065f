package conversation

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建對話與訊息集合索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	// 訊息集合索引
	messages := db.Collection(messagesCollection)

	// 1. 公開 ID 唯一索引（鏡像 upsert 的鍵）
	messageIDIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetName("message_id_uniq").SetUnique(true),
	}

	// 2. 分頁索引：對話 + (created_at, id) 倒序
	pageIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "is_deleted", Value: 1},
			{Key: "created_at", Value: -1},
			{Key: "id", Value: -1},
		},
		Options: options.Index().SetName("conversation_page_idx"),
	}

	// 3. 發送者 + 創建時間
	senderTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "sender_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("sender_time_idx"),
	}

	if _, err := messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		messageIDIndex,
		pageIndex,
		senderTimeIndex,
	}); err != nil {
		return err
	}

	// 對話集合索引
	conversations := db.Collection(conversationsCollection)

	// 1. 公開 ID 唯一索引
	conversationIDIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetName("conversation_id_uniq").SetUnique(true),
	}

	// 2. 兩人對話唯一鍵，只約束帶 pair_key 的 active 對話，鏡像對話沒有 pair_key
	pairKeyIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "pair_key", Value: 1}},
		Options: options.Index().
			SetName("pair_key_active_uniq").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{
				"pair_key": bson.M{"$exists": true},
				"status":   StatusActive,
			}),
	}

	// 3. 參與者 + 最後訊息時間（對話列表）
	participantIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "participants", Value: 1},
			{Key: "last_message.timestamp", Value: -1},
		},
		Options: options.Index().SetName("participant_last_message_idx"),
	}

	if _, err := conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		conversationIDIndex,
		pairKeyIndex,
		participantIndex,
	}); err != nil {
		return err
	}

	return nil
}

// GetIndexStats 獲取索引統計信息
func GetIndexStats(ctx context.Context, db *mongo.Database) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	for _, name := range []string{messagesCollection, conversationsCollection} {
		cursor, err := db.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, err
		}

		var indexes []bson.M
		if err := cursor.All(ctx, &indexes); err != nil {
			return nil, err
		}
		stats[name+"_indexes"] = indexes
	}

	return stats, nil
}
