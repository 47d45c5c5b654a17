package wire

import (
	"encoding/json"
	"fmt"

	"vestnik/internal/models"
)

// Event names are fixed by the relay protocol. Renaming any of them
// breaks interoperability with deployed relays.
const (
	EventHello        = "hello"
	EventUserOnline   = "user:online"
	EventUserOffline  = "user:offline"
	EventOnlineList   = "users:online-list"
	EventStatusChange = "user:status-change"

	EventMessageSend      = "message:send"
	EventMessageSent      = "message:sent"
	EventMessageReceive   = "message:receive"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventTypingShow  = "typing:show"
	EventTypingHide  = "typing:hide"

	EventCallOffer    = "call:offer"
	EventCallIncoming = "call:incoming"
	EventCallAnswer   = "call:answer"
	EventCallHangup   = "call:hangup"
	EventCallReject   = "call:reject"
)

// Envelope frames every event on the relay channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a payload into an Envelope for sending.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payloads built from our own structs,
// which cannot fail to marshal.
func MustEnvelope(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Hello is the authenticated handshake, sent first after dialing.
// The relay answers with users:online-list.
type Hello struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Token  string `json:"token"`
}

type UserOnline struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type PresenceItem struct {
	UserID   string                `json:"userId"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen int64                 `json:"lastSeen"`
}

type StatusChange struct {
	UserID   string                `json:"userId"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen int64                 `json:"lastSeen"`
}

// MessageBody is the message shape on the wire. For outbound sends the
// id carries the local temporary id as a correlation token.
type MessageBody struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	Content     string              `json:"content"`
	Kind        models.MessageKind  `json:"kind"`
	CreatedAt   int64               `json:"createdAt"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

type MessageSend struct {
	RecipientID string      `json:"recipientId"`
	ChatID      string      `json:"chatId"`
	Message     MessageBody `json:"message"`
}

// MessageSent acknowledges a message:send, mapping the temporary id to
// the server-assigned one.
type MessageSent struct {
	TempID    string `json:"tempId"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	CreatedAt int64  `json:"createdAt"`
}

type MessageReceive struct {
	ChatID  string      `json:"chatId"`
	Message MessageBody `json:"message"`
}

type MessageDelivered struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type MessageRead struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// TypingCommand is the outbound typing:start / typing:stop payload.
type TypingCommand struct {
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId"`
}

// TypingNotice is the inbound typing:show / typing:hide payload.
type TypingNotice struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type CallOffer struct {
	To       string          `json:"to"`
	Offer    string          `json:"offer"`
	CallType models.CallKind `json:"callType"`
}

// CallIncoming may embed a fallback caller profile for peers absent
// from local contact state.
type CallIncoming struct {
	From     string              `json:"from"`
	Offer    string              `json:"offer"`
	CallType models.CallKind     `json:"callType"`
	Caller   *models.UserProfile `json:"caller,omitempty"`
}

type CallAnswer struct {
	PeerID string `json:"peerId"`
	Answer string `json:"answer"`
}

type CallHangup struct {
	PeerID string `json:"peerId"`
}

type CallReject struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}
