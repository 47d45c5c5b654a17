package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vestnik/internal/content"
	"vestnik/internal/dataapi"
	"vestnik/internal/delivery"
	"vestnik/internal/models"
	"vestnik/internal/presence"
	"vestnik/internal/signaling"
	"vestnik/internal/transport"
	"vestnik/internal/typing"
	"vestnik/internal/wire"
)

// Transport is the live relay channel the engine consumes.
type Transport interface {
	Run(ctx context.Context) error
	Send(env wire.Envelope)
	Events() <-chan wire.Envelope
	States() <-chan models.ConnectionState
	State() models.ConnectionState
	Disconnect()
}

// DataAPI is the request/response collaborator holding authoritative
// state; resync replaces local slices with what it returns.
type DataAPI interface {
	FetchSnapshot(ctx context.Context) (dataapi.Snapshot, error)
	CreateDirectConversation(ctx context.Context, selfID, peerID string) (models.Conversation, error)
	CachedProfile(userID string) (models.UserProfile, bool)
}

// SnapshotCache persists the last known state across restarts.
// Optional; a nil cache just skips seeding.
type SnapshotCache interface {
	SaveSnapshot(convs []models.Conversation, presence []models.PresenceRecord) error
	LoadSnapshot() ([]models.Conversation, []models.PresenceRecord, error)
}

type Config struct {
	Session     models.Session
	Transport   Transport
	API         DataAPI
	Cache       SnapshotCache
	Media       signaling.Media
	TypingTTL   time.Duration
	RingTimeout time.Duration
	Logger      *slog.Logger
}

// Engine is the single owned state store behind the messaging client:
// commands are the only mutation entry point, subscribers observe the
// resulting notifications, and one dispatch goroutine consumes relay
// events in arrival order.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	session models.Session

	transport Transport
	api       DataAPI
	cache     SnapshotCache

	presence *presence.Tracker
	typing   *typing.Coordinator
	delivery *delivery.Store
	calls    *signaling.Orchestrator

	commands  chan func()
	reconnect chan struct{}

	subMu sync.RWMutex
	subs  map[chan Notification]struct{}
}

// New wires the engine components. ctx bounds all background work the
// engine owns, typing expiry janitor included.
func New(ctx context.Context, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TypingTTL == 0 {
		cfg.TypingTTL = 6 * time.Second
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		session:   cfg.Session,
		transport: cfg.Transport,
		api:       cfg.API,
		cache:     cfg.Cache,
		commands:  make(chan func(), 256),
		reconnect: make(chan struct{}, 1),
		subs:      make(map[chan Notification]struct{}),
	}

	e.presence = presence.New(func(changed []models.PresenceRecord) {
		e.publish(Notification{Kind: NoticePresence, Presence: changed})
	})
	e.typing = typing.New(ctx, cfg.TypingTTL, func(conversationID, userID string, active bool) {
		e.publish(Notification{
			Kind:           NoticeTyping,
			ConversationID: conversationID,
			UserID:         userID,
			TypingActive:   active,
		})
	})
	e.delivery = delivery.New(cfg.Session.UserID, func(conversationID string, msg *models.Message) {
		if msg != nil {
			e.publish(Notification{Kind: NoticeMessage, ConversationID: conversationID, Message: msg})
			return
		}
		e.publish(Notification{Kind: NoticeConversation, ConversationID: conversationID})
	})
	e.calls = signaling.New(signaling.Config{
		RingTimeout: cfg.RingTimeout,
		Media:       cfg.Media,
		Logger:      cfg.Logger,
		Send:        e.transport.Send,
		OnState: func(call models.CallSession) {
			e.publish(Notification{Kind: NoticeCall, Call: &call})
		},
		OnEnded: e.appendCallRecord,
	})
	e.calls.SetRingExpired(func(callID string) {
		e.enqueue(func() { e.calls.HandleRingTimeout(callID) })
	})

	return e
}

// enqueue hands work to the dispatch goroutine; if the mailbox is full
// the work runs inline (every component guards its own state, so this
// only relaxes ordering, never safety).
func (e *Engine) enqueue(fn func()) {
	select {
	case e.commands <- fn:
	default:
		fn()
	}
}

// Run seeds state from the cache, then drives the transport and the
// dispatch loop until ctx is cancelled. A spent reconnect budget is
// surfaced to subscribers, not returned as a fatal error: the engine
// stays Disconnected until Reconnect restarts the relay loop.
func (e *Engine) Run(ctx context.Context) error {
	e.seedFromCache()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			err := e.transport.Run(gCtx)
			if !errors.Is(err, transport.ErrRetriesExhausted) {
				return err
			}
			e.log.Warn("relay connection lost, awaiting explicit reconnect", "error", err)
			e.publish(Notification{Kind: NoticeError, Err: err})
			select {
			case <-e.reconnect:
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return e.dispatchLoop(gCtx)
	})

	err := g.Wait()

	e.calls.Shutdown()
	e.saveToCache()
	return err
}

// Close tears the relay connection down. Idempotent.
func (e *Engine) Close() {
	e.transport.Disconnect()
}

// Reconnect restarts the relay loop with a fresh retry budget after a
// spent one left the engine disconnected.
func (e *Engine) Reconnect() {
	select {
	case e.reconnect <- struct{}{}:
	default:
	}
}

func (e *Engine) seedFromCache() {
	if e.cache == nil {
		return
	}
	convs, pres, err := e.cache.LoadSnapshot()
	if err != nil {
		e.log.Warn("snapshot cache load failed", "error", err)
		return
	}
	if len(convs) > 0 {
		e.delivery.ReplaceAll(convs)
	}
	if len(pres) > 0 {
		e.presence.ApplySnapshot(pres)
	}
}

func (e *Engine) saveToCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveSnapshot(e.delivery.Conversations(), e.presence.All()); err != nil {
		e.log.Warn("snapshot cache save failed", "error", err)
	}
}

// SendMessage appends an optimistic text message and emits the send
// event with the temporary id as correlation token. Returns the
// temporary id immediately; the ack is observed asynchronously.
func (e *Engine) SendMessage(conversationID, text string) (string, error) {
	return e.send(conversationID, text, models.KindText, nil)
}

// SendMedia is SendMessage for an uploaded attachment. The mime type
// is sniffed from the leading bytes, never taken from the caller.
func (e *Engine) SendMedia(conversationID, caption, name, fileID string, head []byte) (string, error) {
	att := []models.Attachment{{
		Name:     name,
		MimeType: content.SniffMime(head),
		FileID:   fileID,
	}}
	return e.send(conversationID, caption, models.KindMedia, att)
}

func (e *Engine) send(conversationID, text string, kind models.MessageKind, atts []models.Attachment) (string, error) {
	conv, ok := e.delivery.Conversation(conversationID)
	if !ok {
		return "", models.ErrUnknownConversation
	}

	msg, err := e.delivery.SendLocal(conversationID, text, content.Render(text), kind, atts)
	if err != nil {
		return "", err
	}

	e.transport.Send(wire.MustEnvelope(wire.EventMessageSend, wire.MessageSend{
		RecipientID: conv.Peer(e.session.UserID),
		ChatID:      conversationID,
		Message: wire.MessageBody{
			ID:          msg.ID,
			SenderID:    msg.SenderID,
			Content:     msg.Content,
			Kind:        msg.Kind,
			CreatedAt:   msg.CreatedAt,
			Attachments: msg.Attachments,
		},
	}))
	return msg.ID, nil
}

// StartConversation returns the 1:1 conversation with a peer, creating
// it through the data API when absent.
func (e *Engine) StartConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	if conv, ok := e.delivery.FindDirect(peerID); ok {
		return conv, nil
	}
	conv, err := e.api.CreateDirectConversation(ctx, e.session.UserID, peerID)
	if err != nil {
		return models.Conversation{}, err
	}
	e.delivery.Upsert(conv)
	return conv, nil
}

// StartTyping announces that the local user is typing.
func (e *Engine) StartTyping(conversationID string) {
	e.emitTyping(wire.EventTypingStart, conversationID)
}

func (e *Engine) StopTyping(conversationID string) {
	e.emitTyping(wire.EventTypingStop, conversationID)
}

func (e *Engine) emitTyping(event, conversationID string) {
	conv, ok := e.delivery.Conversation(conversationID)
	if !ok {
		return
	}
	e.transport.Send(wire.MustEnvelope(event, wire.TypingCommand{
		ChatID:      conversationID,
		RecipientID: conv.Peer(e.session.UserID),
	}))
}

// Focus marks a conversation as the one on screen: its incoming
// messages stop counting as unread and everything in it is read.
func (e *Engine) Focus(conversationID string) {
	e.delivery.Focus(conversationID)
	e.MarkRead(conversationID)
}

func (e *Engine) Blur() {
	e.delivery.Blur()
}

// MarkRead clears the unread counter and emits read receipts for every
// newly read message.
func (e *Engine) MarkRead(conversationID string) {
	for _, msg := range e.delivery.MarkRead(conversationID) {
		e.transport.Send(wire.MustEnvelope(wire.EventMessageRead, wire.MessageRead{
			ChatID:    conversationID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
		}))
	}
}

func (e *Engine) EditMessage(conversationID, messageID, text string) error {
	return e.delivery.Edit(conversationID, messageID, text, content.Render(text))
}

func (e *Engine) DeleteMessage(conversationID, messageID string) error {
	return e.delivery.Delete(conversationID, messageID)
}

// PlaceCall starts an outgoing voice or video call to a peer.
func (e *Engine) PlaceCall(ctx context.Context, peerID string, kind models.CallKind) (models.CallSession, error) {
	profile, ok := e.api.CachedProfile(peerID)
	if !ok {
		profile = models.UserProfile{ID: peerID}
	}
	return e.calls.Place(ctx, profile, kind)
}

func (e *Engine) AcceptCall(ctx context.Context) error {
	return e.calls.Accept(ctx)
}

func (e *Engine) RejectCall() error {
	return e.calls.Reject()
}

func (e *Engine) HangUp() error {
	return e.calls.HangUp()
}

func (e *Engine) Conversations() []models.Conversation {
	return e.delivery.Conversations()
}

func (e *Engine) Conversation(id string) (models.Conversation, bool) {
	return e.delivery.Conversation(id)
}

func (e *Engine) Presence() []models.PresenceRecord {
	return e.presence.All()
}

func (e *Engine) Typist(conversationID string) (string, bool) {
	return e.typing.Typist(conversationID)
}

func (e *Engine) ConnectionState() models.ConnectionState {
	return e.transport.State()
}

func (e *Engine) ActiveCall() (models.CallSession, bool) {
	return e.calls.Current()
}

// appendCallRecord is the call-completion side effect: every ended
// call leaves a call-record message in the peer's 1:1 conversation,
// which is created first when it does not exist yet.
func (e *Engine) appendCallRecord(call models.CallSession) {
	conv, ok := e.delivery.FindDirect(call.PeerID)
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		created, err := e.api.CreateDirectConversation(ctx, e.session.UserID, call.PeerID)
		if err != nil {
			e.log.Warn("call record conversation create failed", "peer", call.PeerID, "error", err)
			return
		}
		e.delivery.Upsert(created)
		conv = created
	}

	sender := e.session.UserID
	if call.Direction == models.CallIncoming {
		sender = call.PeerID
	}
	text := callRecordText(call)
	err := e.delivery.ApplyIncoming(models.Message{
		ID:             "call-" + uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender,
		Content:        text,
		ContentHTML:    content.Escape(text),
		Kind:           models.KindCallRecord,
		CreatedAt:      call.EndedAt,
		Status:         models.StatusSent,
	})
	if err != nil {
		e.log.Warn("call record append failed", "conversation", conv.ID, "error", err)
	}
}

func callRecordText(call models.CallSession) string {
	kind := "Voice call"
	if call.Kind == models.CallVideo {
		kind = "Video call"
	}
	switch call.EndReason {
	case models.CallCompleted:
		return kind + ", " + call.Duration().Round(time.Second).String()
	case models.CallMissed:
		return "Missed " + lower(kind)
	case models.CallCancelled:
		return "Cancelled " + lower(kind)
	default:
		return kind + " failed"
	}
}

func lower(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}
