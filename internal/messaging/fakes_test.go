package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketplace-chat/internal/storage/attachment"
	"marketplace-chat/internal/storage/database/conversation"

	"github.com/jonboulle/clockwork"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeConversations 以記憶體模擬 Mongo 對話集合. 讀取一律回傳副本.
type fakeConversations struct {
	mu          sync.Mutex
	items       map[string]*conversation.Conversation
	hidePairKey int // 前 N 次 FindActiveByPairKey 假裝找不到，模擬併發建立
	lastErr     error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{items: make(map[string]*conversation.Conversation)}
}

func cloneConversation(c *conversation.Conversation) *conversation.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Views = append([]conversation.ParticipantView(nil), c.Views...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

func (f *fakeConversations) Create(_ context.Context, conv *conversation.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.items {
		if conv.PairKey != "" && existing.PairKey == conv.PairKey && existing.Status == conversation.StatusActive {
			return conversation.ErrDuplicateKey
		}
	}
	f.items[conv.ID] = cloneConversation(conv)
	return nil
}

func (f *fakeConversations) GetByID(_ context.Context, id string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return cloneConversation(c), nil
}

func (f *fakeConversations) FindActiveByPairKey(_ context.Context, pairKey string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hidePairKey > 0 {
		f.hidePairKey--
		return nil, conversation.ErrNotFound
	}
	for _, c := range f.items {
		if c.PairKey == pairKey && c.Status == conversation.StatusActive {
			return cloneConversation(c), nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (f *fakeConversations) ListForUser(_ context.Context, userID string, filter conversation.ListFilter, limit int) ([]*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range f.items {
		if !c.HasParticipant(userID) || c.IsArchivedFor(userID) != filter.Archived {
			continue
		}
		if filter.Pinned != nil && c.ViewFor(userID).IsPinned != *filter.Pinned {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := activityTime(out[i]), activityTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeConversations) UpdateLastMessage(_ context.Context, id string, lm conversation.LastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		return f.lastErr
	}
	c, ok := f.items[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.LastMessage = &lm
	c.UpdatedAt = lm.Timestamp
	return nil
}

func (f *fakeConversations) SetView(_ context.Context, id string, view conversation.ParticipantView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.ApplyView(view)
	return nil
}

func (f *fakeConversations) stored(id string) *conversation.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.items[id]; ok {
		return cloneConversation(c)
	}
	return nil
}

// fakeMessages 以記憶體模擬 Mongo 訊息集合
type fakeMessages struct {
	mu    sync.Mutex
	items map[string]*conversation.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{items: make(map[string]*conversation.Message)}
}

func cloneMessage(m *conversation.Message) *conversation.Message {
	cp := *m
	cp.Attachments = append([]conversation.Attachment(nil), m.Attachments...)
	cp.Reactions = append([]conversation.Reaction(nil), m.Reactions...)
	return &cp
}

func (f *fakeMessages) Create(_ context.Context, msg *conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[msg.ID] = cloneMessage(msg)
	return nil
}

func (f *fakeMessages) GetByID(_ context.Context, id string) (*conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (f *fakeMessages) ListBefore(_ context.Context, conversationID string, before *conversation.Position, limit int) ([]*conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*conversation.Message
	for _, m := range f.items {
		if m.ConversationID != conversationID || m.IsDeleted {
			continue
		}
		if before != nil {
			older := m.CreatedAt.Before(before.CreatedAt) ||
				(m.CreatedAt.Equal(before.CreatedAt) && m.ID < before.ID)
			if !older {
				continue
			}
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) UpdateContent(_ context.Context, id, content string, editedAt time.Time) (*conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok || m.IsDeleted {
		return nil, conversation.ErrNotFound
	}
	m.Content = content
	m.EditedAt = &editedAt
	return cloneMessage(m), nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok || m.IsDeleted {
		return false, nil
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	return true, nil
}

func (f *fakeMessages) ToggleReaction(_ context.Context, id, userID, emoji string, at time.Time) (*conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	kept := m.Reactions[:0]
	removed := false
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	m.Reactions = kept
	if !removed {
		m.Reactions = append(m.Reactions, conversation.Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
	}
	return cloneMessage(m), nil
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type countingAttachments struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingAttachments) Store(_ context.Context, f attachment.File) (conversation.Attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return conversation.Attachment{}, c.err
	}
	return conversation.Attachment{Type: conversation.AttachmentDocument, URL: "/attachments/" + f.Name, Filename: f.Name, Size: f.Size}, nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	messages      []string
	conversations []string
}

func (r *recordingNotifier) OnNewMessage(_ context.Context, conv *conversation.Conversation, msg *conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg.ID)
}

func (r *recordingNotifier) OnNewConversation(_ context.Context, conv *conversation.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append(r.conversations, conv.ID)
}

type fixture struct {
	clock         *clockwork.FakeClock
	conversations *fakeConversations
	messages      *fakeMessages
	attachments   *countingAttachments
	notifier      *recordingNotifier
	msgs          *MessageService
	convs         *ConversationManager
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		clock:         clockwork.NewFakeClockAt(testEpoch),
		conversations: newFakeConversations(),
		messages:      newFakeMessages(),
		attachments:   &countingAttachments{},
		notifier:      &recordingNotifier{},
	}
	deps := Deps{
		Conversations: f.conversations,
		Messages:      f.messages,
		Attachments:   f.attachments,
		Notifier:      f.notifier,
		Clock:         f.clock,
	}
	f.msgs = NewMessageService(deps, opts)
	f.convs = NewConversationManager(deps, f.msgs)
	return f
}

// startConversation 建立兩人對話並回傳其 ID
func (f *fixture) startConversation(a, b string) string {
	res, err := f.convs.CreateOrGet(context.Background(), CreateInput{InitiatorID: a, RecipientID: b})
	if err != nil {
		panic(err)
	}
	return res.Conversation.ID
}

func errCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
