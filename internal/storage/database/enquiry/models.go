package enquiry

import (
	"errors"
	"time"
)

// ErrNotFound 記錄不存在
var ErrNotFound = errors.New("record not found")

// 舊版 thread 狀態
const (
	StatusOpen     = "open"
	StatusArchived = "archived"
)

// Thread 舊版詢價 thread，以 supplier/customer/recipient 為鍵的扁平記錄.
// 潛在客戶評分在建立時計算一次並保存，之後不再重算.
type Thread struct {
	ID                  string     `gorm:"primaryKey;size:36" json:"id"`
	SupplierID          string     `gorm:"size:64;index" json:"supplierId"`
	CustomerID          string     `gorm:"size:64;index" json:"customerId,omitempty"`
	RecipientID         string     `gorm:"size:64;index" json:"recipientId,omitempty"`
	CustomerName        string     `gorm:"size:255" json:"customerName"`
	CustomerEmail       string     `gorm:"size:255" json:"customerEmail"`
	CustomerPhone       string     `gorm:"size:64" json:"customerPhone,omitempty"`
	Subject             string     `gorm:"size:255" json:"subject"`
	ListingID           string     `gorm:"size:64" json:"listingId,omitempty"`
	Status              string     `gorm:"size:16;default:open" json:"status"`
	Unread              bool       `json:"unread"`
	LeadScore           int        `json:"leadScore"`
	LeadRating          string     `gorm:"size:16" json:"leadRating"`
	LeadFlags           []string   `gorm:"serializer:json;type:json" json:"leadFlags,omitempty"`
	LastMessageID       string     `gorm:"size:36" json:"lastMessageId,omitempty"`
	LastMessageSenderID string     `gorm:"size:64" json:"lastMessageSenderId,omitempty"`
	LastMessagePreview  string     `gorm:"size:255" json:"lastMessagePreview"`
	LastMessageAt       *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// TableName 表名
func (Thread) TableName() string { return "enquiry_threads" }

// Message 舊版詢價訊息
type Message struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	ThreadID   string     `gorm:"size:36;index:idx_thread_created,priority:1" json:"threadId"`
	SenderID   string     `gorm:"size:64" json:"senderId"`
	SenderName string     `gorm:"size:255" json:"senderName"`
	Body       string     `gorm:"type:text" json:"body"`
	IsDeleted  bool       `json:"isDeleted"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
	CreatedAt  time.Time  `gorm:"index:idx_thread_created,priority:2" json:"createdAt"`
}

// TableName 表名
func (Message) TableName() string { return "enquiry_messages" }

// Supplier 供應商（唯讀，用於推算參與者）
type Supplier struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	OwnerUserID string `gorm:"size:64;index" json:"ownerUserId"`
	Name        string `gorm:"size:255" json:"name"`
}

// TableName 表名
func (Supplier) TableName() string { return "suppliers" }

// User 用戶（唯讀，用於郵件通知）
type User struct {
	ID    string `gorm:"primaryKey;size:64"`
	Email string `gorm:"size:255"`
	Name  string `gorm:"size:255"`
}

// TableName 表名
func (User) TableName() string { return "users" }
