package engine

import "vestnik/internal/models"

type NotificationKind string

const (
	NoticeConnection   NotificationKind = "connection"
	NoticePresence     NotificationKind = "presence"
	NoticeTyping       NotificationKind = "typing"
	NoticeMessage      NotificationKind = "message"
	NoticeConversation NotificationKind = "conversation"
	NoticeCall         NotificationKind = "call"
	NoticeError        NotificationKind = "error"
)

// Notification is the tagged union subscribers observe. Only the
// fields relevant to the Kind are set.
type Notification struct {
	Kind NotificationKind

	State          models.ConnectionState
	ConversationID string
	UserID         string
	TypingActive   bool
	Message        *models.Message
	Presence       []models.PresenceRecord
	Call           *models.CallSession
	Err            error
}

// Subscribe registers a notification channel. Slow subscribers lose
// notifications rather than stalling the engine; state accessors let
// them catch up.
func (e *Engine) Subscribe() <-chan Notification {
	ch := make(chan Notification, 64)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

func (e *Engine) Unsubscribe(ch <-chan Notification) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for sub := range e.subs {
		if sub == ch {
			delete(e.subs, sub)
			close(sub)
			return
		}
	}
}

func (e *Engine) publish(n Notification) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for sub := range e.subs {
		select {
		case sub <- n:
		default:
		}
	}
}
