package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vestnik/internal/models"
)

const tempIDPrefix = "tmp-"

// Store owns the conversation slice of the engine state and advances
// every message through pending → sent → delivered → read. It merges
// optimistic local writes with server-confirmed truth: local sends get
// a temporary id which the server ack rewrites to the authoritative
// one, and replayed or out-of-order events never move state backwards.
type Store struct {
	mu            sync.RWMutex
	selfID        string
	conversations map[string]*models.Conversation
	tempConv      map[string]string // temp message id -> conversation id
	focused       string

	newTempID func() string
	now       func() time.Time

	// onChange fires per mutated message; msg is nil for
	// conversation-level changes (replace, unread reset).
	onChange func(conversationID string, msg *models.Message)
}

func New(selfID string, onChange func(conversationID string, msg *models.Message)) *Store {
	return &Store{
		selfID:        selfID,
		conversations: make(map[string]*models.Conversation),
		tempConv:      make(map[string]string),
		newTempID:     func() string { return tempIDPrefix + uuid.NewString() },
		now:           time.Now,
		onChange:      onChange,
	}
}

func (s *Store) notify(conversationID string, msg *models.Message) {
	if s.onChange != nil {
		s.onChange(conversationID, msg)
	}
}

// SendLocal appends an optimistic message under a freshly generated
// temporary id and returns it immediately. The caller emits the wire
// event with the same id as correlation token; nothing here waits for
// any acknowledgment.
func (s *Store) SendLocal(conversationID, content, contentHTML string, kind models.MessageKind, attachments []models.Attachment) (models.Message, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.ErrUnknownConversation
	}

	msg := models.Message{
		ID:             s.newTempID(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		ContentHTML:    contentHTML,
		Kind:           kind,
		CreatedAt:      s.now().UnixMilli(),
		Status:         models.StatusPending,
		LocalOnly:      true,
		Attachments:    attachments,
	}
	conv.Messages = append(conv.Messages, msg)
	s.tempConv[msg.ID] = conversationID
	s.mu.Unlock()

	s.notify(conversationID, &msg)
	return msg, nil
}

// ApplyServerAck reconciles a temporary id with the server-assigned
// one: the message loses LocalOnly, advances to sent, and takes the
// server timestamp for ordering. An unknown temp id (typically
// discarded by a resync) is a silent no-op; an ack never inserts a
// duplicate.
func (s *Store) ApplyServerAck(tempID, serverID string, createdAt int64) bool {
	s.mu.Lock()
	convID, ok := s.tempConv[tempID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tempConv, tempID)

	conv := s.conversations[convID]
	if conv == nil {
		s.mu.Unlock()
		return false
	}

	idx := indexOf(conv.Messages, tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	if indexOf(conv.Messages, serverID) >= 0 {
		// The server copy already arrived through another path; drop
		// the optimistic one so exactly one message keeps the id.
		conv.Messages = append(conv.Messages[:idx], conv.Messages[idx+1:]...)
		s.mu.Unlock()
		s.notify(convID, nil)
		return true
	}

	m := &conv.Messages[idx]
	m.ID = serverID
	m.LocalOnly = false
	m.Status = models.MaxStatus(m.Status, models.StatusSent)
	if createdAt > 0 {
		m.CreatedAt = createdAt
	}
	sortMessages(conv.Messages)
	msg := *m
	s.mu.Unlock()

	s.notify(convID, &msg)
	return true
}

// ApplyIncoming appends a server-delivered message. Re-receiving an id
// already present is a no-op (replay idempotence). The unread counter
// grows unless the conversation is focused or the message is our own
// echo from another device.
func (s *Store) ApplyIncoming(msg models.Message) error {
	s.mu.Lock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return models.ErrUnknownConversation
	}
	if indexOf(conv.Messages, msg.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}

	conv.Messages = append(conv.Messages, msg)
	sortMessages(conv.Messages)
	if msg.SenderID != s.selfID && s.focused != msg.ConversationID {
		conv.UnreadCount++
	}
	s.mu.Unlock()

	s.notify(msg.ConversationID, &msg)
	return nil
}

// ApplyReceipt advances a message status monotonically: the transition
// takes max(current, incoming) under pending < sent < delivered < read,
// so a stale delivered receipt never downgrades a read one.
func (s *Store) ApplyReceipt(conversationID, messageID string, status models.DeliveryStatus) bool {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := indexOf(conv.Messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	m := &conv.Messages[idx]
	next := models.MaxStatus(m.Status, status)
	if next == m.Status {
		s.mu.Unlock()
		return false
	}
	m.Status = next
	msg := *m
	s.mu.Unlock()

	s.notify(conversationID, &msg)
	return true
}

// Edit mutates content in place, preserving id and ordering position.
func (s *Store) Edit(conversationID, messageID, content, contentHTML string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return models.ErrUnknownConversation
	}
	idx := indexOf(conv.Messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	m := &conv.Messages[idx]
	m.Content = content
	m.ContentHTML = contentHTML
	m.Edited = true
	msg := *m
	s.mu.Unlock()

	s.notify(conversationID, &msg)
	return nil
}

// Delete tombstones a message in place; id and position survive.
func (s *Store) Delete(conversationID, messageID string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return models.ErrUnknownConversation
	}
	idx := indexOf(conv.Messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	m := &conv.Messages[idx]
	m.Deleted = true
	m.Content = ""
	m.ContentHTML = ""
	m.Attachments = nil
	msg := *m
	s.mu.Unlock()

	s.notify(conversationID, &msg)
	return nil
}

// Focus marks the conversation whose incoming messages do not count as
// unread.
func (s *Store) Focus(conversationID string) {
	s.mu.Lock()
	s.focused = conversationID
	s.mu.Unlock()
}

func (s *Store) Blur() {
	s.Focus("")
}

// MarkRead clears the unread counter and flips every message from
// other senders to read, returning the newly read ones so the caller
// can emit the receipts.
func (s *Store) MarkRead(conversationID string) []models.Message {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	conv.UnreadCount = 0
	var read []models.Message
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.SenderID == s.selfID || m.Deleted || m.Status == models.StatusRead {
			continue
		}
		m.Status = models.StatusRead
		read = append(read, *m)
	}
	s.mu.Unlock()

	s.notify(conversationID, nil)
	return read
}

// Upsert inserts a conversation if absent. Reports whether it was
// created.
func (s *Store) Upsert(conv models.Conversation) bool {
	s.mu.Lock()
	if _, ok := s.conversations[conv.ID]; ok {
		s.mu.Unlock()
		return false
	}
	c := conv
	sortMessages(c.Messages)
	s.conversations[conv.ID] = &c
	s.mu.Unlock()

	s.notify(conv.ID, nil)
	return true
}

// ReplaceAll swaps the whole conversation slice for the authoritative
// snapshot. Pending temp-id correlations are discarded with it, so a
// late ack for a discarded message lands as a silent no-op.
func (s *Store) ReplaceAll(convs []models.Conversation) {
	s.mu.Lock()
	s.conversations = make(map[string]*models.Conversation, len(convs))
	s.tempConv = make(map[string]string)
	for _, conv := range convs {
		c := conv
		sortMessages(c.Messages)
		s.conversations[c.ID] = &c
	}
	s.mu.Unlock()

	s.notify("", nil)
}

func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return copyConversation(conv), true
}

// Conversations returns all conversations, most recently active first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, copyConversation(conv))
	}
	sort.Slice(convs, func(i, j int) bool {
		return lastActivity(convs[i]) > lastActivity(convs[j])
	})
	return convs
}

// FindDirect returns the 1:1 conversation with a peer, if one exists.
func (s *Store) FindDirect(peerID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if !conv.IsGroup && conv.Peer(s.selfID) == peerID {
			return copyConversation(conv), true
		}
	}
	return models.Conversation{}, false
}

func indexOf(messages []models.Message, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

// sortMessages orders by server-assigned timestamp; the sort is stable
// so same-timestamp messages keep arrival order.
func sortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
}

func lastActivity(conv models.Conversation) int64 {
	if len(conv.Messages) == 0 {
		return 0
	}
	return conv.Messages[len(conv.Messages)-1].CreatedAt
}

func copyConversation(conv *models.Conversation) models.Conversation {
	c := *conv
	c.Messages = append([]models.Message(nil), conv.Messages...)
	c.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return c
}
