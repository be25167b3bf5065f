package enquiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store 舊版詢價存儲（MySQL / gorm）
type Store struct {
	db *gorm.DB
}

// NewStore 創建舊版詢價存儲
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 建立或更新表結構（本地開發使用）
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Thread{}, &Message{}, &Supplier{}, &User{})
}

// CreateThreadWithMessage 在同一個事務中寫入 thread 與第一則訊息
func (s *Store) CreateThreadWithMessage(ctx context.Context, t *Thread, m *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(m).Error
	})
}

// AppendMessage 寫入訊息並更新 thread 的最後訊息摘要
func (s *Store) AppendMessage(ctx context.Context, t *Thread, m *Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Thread{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
			"last_message_id":        t.LastMessageID,
			"last_message_sender_id": t.LastMessageSenderID,
			"last_message_preview":   t.LastMessagePreview,
			"last_message_at":        t.LastMessageAt,
			"unread":                 t.Unread,
			"updated_at":             t.UpdatedAt,
		}).Error
	})
}

// GetThread 根據 ID 獲取 thread
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// updatableThreadFields 允許透過 UpdateThread 修改的欄位
var updatableThreadFields = map[string]bool{
	"status":     true,
	"unread":     true,
	"updated_at": true,
}

// UpdateThread 更新 thread 欄位，只接受白名單內的欄位
func (s *Store) UpdateThread(ctx context.Context, id string, fields map[string]interface{}) error {
	for key := range fields {
		if !updatableThreadFields[key] {
			return fmt.Errorf("不允許的更新欄位: %s", key)
		}
	}

	result := s.db.WithContext(ctx).Model(&Thread{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListThreadsForUser 列出用戶作為客戶、收件人或供應商擁有者的 thread
func (s *Store) ListThreadsForUser(ctx context.Context, userID string, supplierIDs []string, limit int) ([]Thread, error) {
	db := s.db.WithContext(ctx)
	query := db.Where("customer_id = ? OR recipient_id = ?", userID, userID)
	if len(supplierIDs) > 0 {
		query = db.Where("customer_id = ? OR recipient_id = ? OR supplier_id IN ?", userID, userID, supplierIDs)
	}

	var threads []Thread
	err := query.Order("updated_at DESC").Limit(limit).Find(&threads).Error
	return threads, err
}

// ListMessages 取得 thread 內未刪除的訊息，依時間正序
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND is_deleted = ?", threadID, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// GetSupplier 獲取供應商，不存在時回傳 (nil, nil)
func (s *Store) GetSupplier(ctx context.Context, id string) (*Supplier, error) {
	var supplier Supplier
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&supplier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

// SupplierIDsOwnedBy 取得用戶擁有的供應商 ID
func (s *Store) SupplierIDsOwnedBy(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Supplier{}).Where("owner_user_id = ?", userID).Pluck("id", &ids).Error
	return ids, err
}

// LookupContact 查詢用戶的郵件與名稱
func (s *Store) LookupContact(ctx context.Context, userID string) (email, name string, err error) {
	var user User
	err = s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return user.Email, user.Name, nil
}

// Ping 檢查連線（健康檢查使用）
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
