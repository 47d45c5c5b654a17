package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrCallBusy            = errors.New("another call is already active")
	ErrNoCallIdentity      = errors.New("incoming call has no resolvable caller identity")
	ErrNoActiveCall        = errors.New("no active call")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrDisconnected        = errors.New("relay connection unavailable")
)

// ConnectionState is the lifecycle of the relay connection. Transitions
// happen only inside the transport; everyone else observes it read-only.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Session is the authenticated identity driving the relay handshake.
type Session struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Token       string `json:"-"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is one row of the presence table. Records are upserted
// from snapshots and deltas, never deleted.
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
}

// TypingEntry marks the single tracked typist of a conversation.
type TypingEntry struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// UserProfile is the minimal contact shape used for caller resolution
// and rendering. Incoming call offers may embed one as a fallback.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses: pending < sent < delivered < read.
// Unknown statuses rank below pending so they never advance anything.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// MaxStatus returns the further-advanced of two statuses. Receipts apply
// through this so an out-of-order "delivered" never downgrades a "read".
func MaxStatus(a, b DeliveryStatus) DeliveryStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type MessageKind string

const (
	KindText       MessageKind = "text"
	KindMedia      MessageKind = "media"
	KindCallRecord MessageKind = "call-record"
)

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	FileID   string `json:"fileId"`
}

// Message is one entry of a conversation. A locally sent message starts
// as {Status: pending, LocalOnly: true} under a temporary id and is
// reconciled to the server id when the ack arrives.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	ContentHTML    string         `json:"contentHtml,omitempty"`
	Kind           MessageKind    `json:"kind"`
	CreatedAt      int64          `json:"createdAt"` // Unix timestamp (milliseconds), server-assigned
	Status         DeliveryStatus `json:"status"`
	LocalOnly      bool           `json:"localOnly"`
	Edited         bool           `json:"edited,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
}

// Conversation groups messages with their participants. Message order is
// by server-assigned CreatedAt, not client send time.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	IsGroup        bool      `json:"isGroup"`
	Messages       []Message `json:"messages"`
	UnreadCount    int       `json:"unreadCount"`
}

// Peer returns the other participant of a 1:1 conversation.
func (c *Conversation) Peer(selfID string) string {
	if c.IsGroup {
		return ""
	}
	for _, id := range c.ParticipantIDs {
		if id != selfID {
			return id
		}
	}
	return ""
}

type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

type CallDirection string

const (
	CallIncoming CallDirection = "incoming"
	CallOutgoing CallDirection = "outgoing"
)

type CallState string

const (
	CallIdle      CallState = "idle"
	CallDialing   CallState = "dialing"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnding    CallState = "ending"
	CallEnded     CallState = "ended"
)

type CallEndReason string

const (
	CallCompleted CallEndReason = "completed"
	CallMissed    CallEndReason = "missed"
	CallCancelled CallEndReason = "cancelled"
	CallFailed    CallEndReason = "failed"
)

// CallSession is the single live call. At most one non-Ended session
// exists at any time.
type CallSession struct {
	ID                string        `json:"id"`
	PeerID            string        `json:"peerId"`
	PeerProfile       UserProfile   `json:"peerProfile"`
	Kind              CallKind      `json:"kind"`
	Direction         CallDirection `json:"direction"`
	State             CallState     `json:"state"`
	LocalDescription  string        `json:"-"`
	RemoteDescription string        `json:"-"`
	StartedAt         int64         `json:"startedAt,omitempty"` // Unix ms
	EndedAt           int64         `json:"endedAt,omitempty"`   // Unix ms
	EndReason         CallEndReason `json:"endReason,omitempty"`
}

// Duration is the connected time of an ended call, zero if never connected.
func (c *CallSession) Duration() time.Duration {
	if c.StartedAt == 0 || c.EndedAt == 0 {
		return 0
	}
	return time.Duration(c.EndedAt-c.StartedAt) * time.Millisecond
}

// Active reports whether the session still occupies the single call slot.
func (c *CallSession) Active() bool {
	return c != nil && c.State != CallIdle && c.State != CallEnded
}
