package conversation

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const conversationsCollection = "conversations"

// ConversationStore 對話存儲（MongoDB）
type ConversationStore struct {
	collection *mongo.Collection
}

// NewConversationStore 創建對話存儲
func NewConversationStore(db *mongo.Database) *ConversationStore {
	return &ConversationStore{
		collection: db.Collection(conversationsCollection),
	}
}

// Create 創建對話. pair_key 衝突時回傳 ErrDuplicateKey.
func (s *ConversationStore) Create(ctx context.Context, conv *Conversation) error {
	_, err := s.collection.InsertOne(ctx, conv)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetByID 根據公開 ID 獲取對話
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindActiveByPairKey 查找兩人之間仍為 active 的對話
func (s *ConversationStore) FindActiveByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{
		"pair_key": pairKey,
		"status":   StatusActive,
	}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListForUser 列出用戶參與的對話，依最後訊息時間倒序.
// 封存與置頂條件在查詢內套用，limit 只作用於符合條件的對話.
func (s *ConversationStore) ListForUser(ctx context.Context, userID string, filter ListFilter, limit int) ([]*Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message.timestamp", Value: -1}, {Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, listQuery(userID, filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// listQuery 封存：整體封存或該用戶個人封存. 置頂只看該用戶的檢視.
func listQuery(userID string, filter ListFilter) bson.M {
	viewMatch := func(field string) bson.M {
		return bson.M{"$elemMatch": bson.M{"user_id": userID, field: true}}
	}

	conds := bson.A{bson.M{"participants": userID}}
	if filter.Archived {
		conds = append(conds, bson.M{"$or": bson.A{
			bson.M{"status": StatusArchived},
			bson.M{"views": viewMatch("is_archived")},
		}})
	} else {
		conds = append(conds,
			bson.M{"status": bson.M{"$ne": StatusArchived}},
			bson.M{"views": bson.M{"$not": viewMatch("is_archived")}},
		)
	}
	if filter.Pinned != nil {
		if *filter.Pinned {
			conds = append(conds, bson.M{"views": viewMatch("is_pinned")})
		} else {
			conds = append(conds, bson.M{"views": bson.M{"$not": viewMatch("is_pinned")}})
		}
	}
	return bson.M{"$and": conds}
}

// UpdateLastMessage 更新最後訊息摘要
func (s *ConversationStore) UpdateLastMessage(ctx context.Context, id string, lm LastMessage) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": id},
		bson.M{"$set": bson.M{
			"last_message": lm,
			"updated_at":   lm.Timestamp,
		}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetView 寫入單一參與者的檢視狀態，不影響其他參與者
func (s *ConversationStore) SetView(ctx context.Context, id string, view ParticipantView) error {
	// 先嘗試更新已存在的檢視
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": id, "views.user_id": view.UserID},
		bson.M{"$set": bson.M{"views.$": view}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount > 0 {
		return nil
	}

	// 不存在時附加（鏡像對話可能沒有 views）
	result, err = s.collection.UpdateOne(ctx,
		bson.M{"id": id, "views.user_id": bson.M{"$ne": view.UserID}},
		bson.M{"$push": bson.M{"views": view}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		// 可能是併發附加，重試一次位置更新
		retry, err := s.collection.UpdateOne(ctx,
			bson.M{"id": id, "views.user_id": view.UserID},
			bson.M{"$set": bson.M{"views.$": view}},
		)
		if err != nil {
			return err
		}
		if retry.MatchedCount == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// UpsertMirror 以公開 ID 冪等寫入舊版 thread 的鏡像.
// id 由 filter 的等值條件帶入；created_at 與 source 只在首次建立時寫入，其餘欄位每次覆蓋.
// views 不在此處寫入.
func (s *ConversationStore) UpsertMirror(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("mirror conversation without id")
	}

	set := bson.M{
		"participants": conv.Participants,
		"names":        conv.Names,
		"context":      conv.Context,
		"status":       conv.Status,
		"metadata":     conv.Metadata,
		"updated_at":   conv.UpdatedAt,
	}
	if conv.LastMessage != nil {
		set["last_message"] = conv.LastMessage
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"created_at": conv.CreatedAt,
			"source":     conv.Source,
		},
		"$set": set,
	}

	_, err := s.collection.UpdateOne(ctx, bson.M{"id": conv.ID}, update, options.UpdateOne().SetUpsert(true))
	return err
}
