package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const messagesCollection = "messages"

// MessageStore 訊息存儲（MongoDB）
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore 創建訊息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection(messagesCollection),
	}
}

// Create 寫入新訊息
func (s *MessageStore) Create(ctx context.Context, msg *Message) error {
	_, err := s.collection.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetByID 根據公開 ID 獲取訊息（包含已刪除）
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListBefore 依 (created_at, id) 倒序取得游標之前的未刪除訊息
func (s *MessageStore) ListBefore(ctx context.Context, conversationID string, before *Position, limit int) ([]*Message, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"is_deleted":      false,
	}

	// 游標條件：嚴格早於游標位置
	if before != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": before.CreatedAt}},
			bson.M{"created_at": before.CreatedAt, "id": bson.M{"$lt": before.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// UpdateContent 更新未刪除訊息的內容
func (s *MessageStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (*Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg Message
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"id": id, "is_deleted": false},
		bson.M{"$set": bson.M{"content": content, "edited_at": editedAt}},
		opts,
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SoftDelete 軟刪除訊息，已刪除時回傳 false
func (s *MessageStore) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": id, "is_deleted": false},
		bson.M{"$set": bson.M{"is_deleted": true, "deleted_at": at}},
	)
	if err != nil {
		return false, err
	}
	return result.ModifiedCount > 0, nil
}

// ToggleReaction 切換 (userID, emoji) 表情回應.
// 先嘗試移除，未命中再嘗試加入；兩個條件互斥，因此每次呼叫只會生效一個.
func (s *MessageStore) ToggleReaction(ctx context.Context, id, userID, emoji string, at time.Time) (*Message, error) {
	match := bson.M{"user_id": userID, "emoji": emoji}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for attempt := 0; attempt < 3; attempt++ {
		var msg Message
		err := s.collection.FindOneAndUpdate(ctx,
			bson.M{"id": id, "is_deleted": false, "reactions": bson.M{"$elemMatch": match}},
			bson.M{"$pull": bson.M{"reactions": match}},
			opts,
		).Decode(&msg)
		if err == nil {
			return &msg, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		err = s.collection.FindOneAndUpdate(ctx,
			bson.M{"id": id, "is_deleted": false, "reactions": bson.M{"$not": bson.M{"$elemMatch": match}}},
			bson.M{"$push": bson.M{"reactions": Reaction{UserID: userID, Emoji: emoji, CreatedAt: at}}},
			opts,
		).Decode(&msg)
		if err == nil {
			return &msg, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		// 兩者都未命中：訊息不存在，或被併發切換，確認後重試
		count, err := s.collection.CountDocuments(ctx, bson.M{"id": id, "is_deleted": false})
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrNotFound
		}
	}

	return nil, fmt.Errorf("toggle reaction on %s: too much contention", id)
}

// UpsertMirror 以公開 ID 冪等寫入舊版訊息的鏡像
func (s *MessageStore) UpsertMirror(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("mirror message without id")
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"created_at": msg.CreatedAt,
			"source":     msg.Source,
		},
		"$set": bson.M{
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"content":         msg.Content,
			"is_deleted":      msg.IsDeleted,
			"edited_at":       msg.EditedAt,
		},
	}

	_, err := s.collection.UpdateOne(ctx, bson.M{"id": msg.ID}, update, options.UpdateOne().SetUpsert(true))
	return err
}
