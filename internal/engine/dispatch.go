package engine

import (
	"context"
	"errors"
	"time"

	"vestnik/internal/content"
	"vestnik/internal/models"
	"vestnik/internal/wire"
)

const resyncTimeout = 15 * time.Second

// dispatchLoop is the single mutation pipeline: relay events, state
// transitions, and deferred commands are consumed one at a time in
// arrival order. No other goroutine routes events to components.
func (e *Engine) dispatchLoop(ctx context.Context) error {
	events := e.transport.Events()
	states := e.transport.States()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleEvent(ctx, env)
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			e.handleState(ctx, state)
		case fn := <-e.commands:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) handleState(ctx context.Context, state models.ConnectionState) {
	e.publish(Notification{Kind: NoticeConnection, State: state})

	// Events missed while disconnected are not replayed by the relay,
	// so every completed (re)connect handshake heals through a full
	// resync.
	if state == models.StateConnected {
		e.resync(ctx)
	}
}

// handleEvent routes one inbound envelope to its owning component. A
// malformed payload drops that single event; nothing restarts.
func (e *Engine) handleEvent(ctx context.Context, env wire.Envelope) {
	switch env.Event {
	case wire.EventOnlineList:
		var items []wire.PresenceItem
		if !e.decode(env, &items) {
			return
		}
		records := make([]models.PresenceRecord, 0, len(items))
		for _, it := range items {
			records = append(records, models.PresenceRecord{
				UserID:   it.UserID,
				Status:   it.Status,
				LastSeen: it.LastSeen,
			})
		}
		e.presence.ApplySnapshot(records)

	case wire.EventStatusChange:
		var p wire.StatusChange
		if !e.decode(env, &p) {
			return
		}
		e.presence.ApplyDelta(models.PresenceRecord{
			UserID:   p.UserID,
			Status:   p.Status,
			LastSeen: p.LastSeen,
		})

	case wire.EventMessageSent:
		var p wire.MessageSent
		if !e.decode(env, &p) {
			return
		}
		if !e.delivery.ApplyServerAck(p.TempID, p.MessageID, p.CreatedAt) {
			// Usually a temp id discarded by a resync; the snapshot
			// already contains the server copy.
			e.log.Debug("ack for unknown temp id ignored", "temp_id", p.TempID)
		}

	case wire.EventMessageReceive:
		var p wire.MessageReceive
		if !e.decode(env, &p) {
			return
		}
		e.applyIncoming(ctx, p)

	case wire.EventMessageDelivered:
		var p wire.MessageDelivered
		if !e.decode(env, &p) {
			return
		}
		e.delivery.ApplyReceipt(p.ChatID, p.MessageID, models.StatusDelivered)

	case wire.EventMessageRead:
		var p wire.MessageRead
		if !e.decode(env, &p) {
			return
		}
		e.delivery.ApplyReceipt(p.ChatID, p.MessageID, models.StatusRead)

	case wire.EventTypingShow:
		var p wire.TypingNotice
		if !e.decode(env, &p) {
			return
		}
		e.typing.Start(p.ChatID, p.UserID)

	case wire.EventTypingHide:
		var p wire.TypingNotice
		if !e.decode(env, &p) {
			return
		}
		e.typing.Stop(p.ChatID, p.UserID)

	case wire.EventCallIncoming:
		var p wire.CallIncoming
		if !e.decode(env, &p) {
			return
		}
		if err := e.calls.HandleIncoming(p, e.api.CachedProfile); err != nil {
			if errors.Is(err, models.ErrNoCallIdentity) {
				e.log.Warn("incoming call dropped", "from", p.From, "error", err)
				e.publish(Notification{Kind: NoticeError, Err: err})
			}
		}

	case wire.EventCallAnswer:
		var p wire.CallAnswer
		if !e.decode(env, &p) {
			return
		}
		_ = e.calls.HandleAnswer(p)

	case wire.EventCallHangup:
		var p wire.CallHangup
		if !e.decode(env, &p) {
			return
		}
		e.calls.HandleHangup(p.PeerID)

	case wire.EventCallReject:
		var p wire.CallReject
		if !e.decode(env, &p) {
			return
		}
		e.calls.HandleReject(p.PeerID)

	default:
		e.log.Warn("unexpected relay event dropped", "event", env.Event)
	}
}

func (e *Engine) decode(env wire.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		e.log.Warn("malformed relay event dropped", "event", env.Event, "error", err)
		return false
	}
	return true
}

// applyIncoming lands a received message. A reference to a locally
// unknown conversation is a state gap: the event is dropped only after
// a full resync is triggered, whose snapshot includes this message.
func (e *Engine) applyIncoming(ctx context.Context, p wire.MessageReceive) {
	kind := p.Message.Kind
	if kind == "" {
		kind = models.KindText
	}
	msg := models.Message{
		ID:             p.Message.ID,
		ConversationID: p.ChatID,
		SenderID:       p.Message.SenderID,
		Content:        p.Message.Content,
		Kind:           kind,
		CreatedAt:      p.Message.CreatedAt,
		Status:         models.StatusDelivered,
		Attachments:    p.Message.Attachments,
	}
	if msg.Content != "" {
		msg.ContentHTML = content.Render(msg.Content)
	}

	err := e.delivery.ApplyIncoming(msg)
	if errors.Is(err, models.ErrUnknownConversation) {
		e.log.Info("message for unknown conversation, resyncing", "conversation", p.ChatID)
		e.resync(ctx)
	}

	// A typist who just sent stops typing, with or without an explicit
	// typing:hide.
	e.typing.Stop(p.ChatID, msg.SenderID)
}

// resync fetches the full authoritative snapshot and replaces the
// affected local slices, trading efficiency for correctness: after an
// unknown gap size, partial merges are not attempted.
func (e *Engine) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	snap, err := e.api.FetchSnapshot(ctx)
	if err != nil {
		e.log.Warn("resync failed", "error", err)
		e.publish(Notification{Kind: NoticeError, Err: err})
		return
	}

	e.delivery.ReplaceAll(snap.Conversations)
	e.presence.ApplySnapshot(snap.Presence)
	e.saveToCache()
}
