package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace-chat/internal/platform/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EmailJob 郵件通知工作
type EmailJob struct {
	ID             string    `json:"id"`
	To             string    `json:"to"`
	Name           string    `json:"name,omitempty"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MailQueue 以 RabbitMQ durable queue 傳遞郵件工作
type MailQueue struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex // amqp.Channel 不可併發發布
	ch *amqp.Channel
}

// NewMailQueue 開啟發布用 channel 並宣告佇列
func NewMailQueue(conn *amqp.Connection, queue string) (*MailQueue, error) {
	if queue == "" {
		queue = "chat.email_notifications"
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &MailQueue{conn: conn, queue: queue, ch: ch}, nil
}

// Enqueue 發布持久化的郵件工作
func (q *MailQueue) Enqueue(ctx context.Context, job EmailJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.CreatedAt,
		Body:         body,
	})
}

// Consume 手動確認模式消費郵件工作，直到 ctx 結束或連線關閉.
// 格式錯誤或處理失敗的工作直接丟棄（不重新入列）.
func (q *MailQueue) Consume(ctx context.Context, prefetch int, handle func(context.Context, EmailJob) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			handleDelivery(ctx, d, handle)
		}
	}
}

// Acknowledger 可確認的投遞，便於測試
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleDelivery(ctx context.Context, d amqp.Delivery, handle func(context.Context, EmailJob) error) {
	processDelivery(ctx, d.Body, d.MessageId, deliveryAcker{d}, handle)
}

type deliveryAcker struct{ d amqp.Delivery }

func (a deliveryAcker) Ack(multiple bool) error           { return a.d.Ack(multiple) }
func (a deliveryAcker) Nack(multiple, requeue bool) error { return a.d.Nack(multiple, requeue) }

func processDelivery(ctx context.Context, body []byte, messageID string, ack Acknowledger, handle func(context.Context, EmailJob) error) {
	var job EmailJob
	if err := json.Unmarshal(body, &job); err != nil || job.To == "" {
		logger.Warning(ctx, "丟棄格式錯誤的郵件工作",
			logger.WithDetails(map[string]interface{}{"delivery_id": messageID}),
			logger.WithError(err))
		_ = ack.Nack(false, false)
		return
	}

	if err := handle(ctx, job); err != nil {
		logger.Error(ctx, "寄送通知郵件失敗",
			logger.WithConversationID(job.ConversationID),
			logger.WithMessageID(job.MessageID),
			logger.WithError(err))
		_ = ack.Nack(false, false)
		return
	}
	_ = ack.Ack(false)
}

// Close 關閉發布用 channel
func (q *MailQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Close()
}
