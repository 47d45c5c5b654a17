package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vestnik/internal/models"
	"vestnik/internal/wire"
)

// Media is the peer-media capability the orchestrator instructs but
// does not implement. Session descriptions are opaque here.
type Media interface {
	CreateOffer(ctx context.Context, kind models.CallKind) (string, error)
	CreateAnswer(ctx context.Context, kind models.CallKind, remoteOffer string) (string, error)
	Accept(remoteAnswer string) error
	Close() error
}

type Config struct {
	RingTimeout time.Duration
	Media       Media
	Logger      *slog.Logger

	// Send emits an outbound signaling event.
	Send func(wire.Envelope)
	// OnState observes every state transition of the active session.
	OnState func(models.CallSession)
	// OnEnded fires exactly once per session from the single cleanup
	// path, whatever transition ended it. The engine appends the
	// call-record message here.
	OnEnded func(models.CallSession)
}

// Orchestrator drives the single active call through its lifecycle by
// exchanging session descriptions and control events. A second call
// while one is live is rejected as busy, never silently replaced.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	current *models.CallSession
	timer   *time.Timer

	newID func() string
	now   func() time.Time

	// ringExpired is swappable so the engine can route timer fire
	// through its mailbox.
	ringExpired func(callID string)
}

func New(cfg Config) *Orchestrator {
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:   cfg,
		log:   cfg.Logger,
		newID: uuid.NewString,
		now:   time.Now,
	}
	o.ringExpired = o.HandleRingTimeout
	return o
}

// SetRingExpired redirects ring-timeout delivery, e.g. through the
// engine mailbox. Must be called before the first call.
func (o *Orchestrator) SetRingExpired(fn func(callID string)) {
	o.ringExpired = fn
}

// Current returns a copy of the active session.
func (o *Orchestrator) Current() (models.CallSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current.Active() {
		return models.CallSession{}, false
	}
	return *o.current, true
}

// Place starts an outgoing call: Idle → Dialing, emits call:offer with
// a fresh session description, and starts the ring timeout.
func (o *Orchestrator) Place(ctx context.Context, peer models.UserProfile, kind models.CallKind) (models.CallSession, error) {
	o.mu.Lock()
	if o.current.Active() {
		o.mu.Unlock()
		return models.CallSession{}, models.ErrCallBusy
	}
	call := &models.CallSession{
		ID:          o.newID(),
		PeerID:      peer.ID,
		PeerProfile: peer,
		Kind:        kind,
		Direction:   models.CallOutgoing,
		State:       models.CallDialing,
	}
	o.current = call
	o.mu.Unlock()

	offer, err := o.cfg.Media.CreateOffer(ctx, kind)
	if err != nil {
		o.Fail(fmt.Errorf("create offer: %w", err))
		return models.CallSession{}, err
	}

	o.mu.Lock()
	if o.current != call || call.State != models.CallDialing {
		// Ended while the offer was being built.
		o.mu.Unlock()
		return models.CallSession{}, models.ErrNoActiveCall
	}
	call.LocalDescription = offer
	o.armRingTimer(call.ID)
	snapshot := *call
	o.mu.Unlock()

	o.send(wire.MustEnvelope(wire.EventCallOffer, wire.CallOffer{
		To:       peer.ID,
		Offer:    offer,
		CallType: kind,
	}))
	o.notifyState(snapshot)
	return snapshot, nil
}

// HandleIncoming processes an inbound call:offer. Caller identity is
// resolved from local contact state first, then from the embedded
// fallback profile; with neither the event is a signaling error and no
// session is created. A busy slot answers with call:reject.
func (o *Orchestrator) HandleIncoming(inc wire.CallIncoming, resolve func(userID string) (models.UserProfile, bool)) error {
	profile, ok := resolve(inc.From)
	if !ok && inc.Caller != nil && inc.Caller.ID != "" {
		profile = *inc.Caller
	} else if !ok {
		return fmt.Errorf("call from %q: %w", inc.From, models.ErrNoCallIdentity)
	}

	o.mu.Lock()
	if o.current.Active() {
		o.mu.Unlock()
		o.send(wire.MustEnvelope(wire.EventCallReject, wire.CallReject{
			PeerID: inc.From,
			Reason: "busy",
		}))
		return models.ErrCallBusy
	}
	call := &models.CallSession{
		ID:                o.newID(),
		PeerID:            inc.From,
		PeerProfile:       profile,
		Kind:              inc.CallType,
		Direction:         models.CallIncoming,
		State:             models.CallRinging,
		RemoteDescription: inc.Offer,
	}
	o.current = call
	o.armRingTimer(call.ID)
	snapshot := *call
	o.mu.Unlock()

	o.notifyState(snapshot)
	return nil
}

// Accept answers the ringing incoming call: Ringing → Connected.
func (o *Orchestrator) Accept(ctx context.Context) error {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.State != models.CallRinging {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	remote := call.RemoteDescription
	kind := call.Kind
	o.mu.Unlock()

	answer, err := o.cfg.Media.CreateAnswer(ctx, kind, remote)
	if err != nil {
		o.Fail(fmt.Errorf("create answer: %w", err))
		return err
	}

	o.mu.Lock()
	if o.current != call || call.State != models.CallRinging {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	call.LocalDescription = answer
	call.State = models.CallConnected
	call.StartedAt = o.now().UnixMilli()
	o.disarmRingTimer()
	snapshot := *call
	o.mu.Unlock()

	o.send(wire.MustEnvelope(wire.EventCallAnswer, wire.CallAnswer{
		PeerID: call.PeerID,
		Answer: answer,
	}))
	o.notifyState(snapshot)
	return nil
}

// HandleAnswer processes the peer answering our outgoing call:
// Dialing → Connected.
func (o *Orchestrator) HandleAnswer(ans wire.CallAnswer) error {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.State != models.CallDialing || call.PeerID != ans.PeerID {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	o.mu.Unlock()

	if err := o.cfg.Media.Accept(ans.Answer); err != nil {
		o.Fail(fmt.Errorf("accept answer: %w", err))
		return err
	}

	o.mu.Lock()
	if o.current != call || call.State != models.CallDialing {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	call.RemoteDescription = ans.Answer
	call.State = models.CallConnected
	call.StartedAt = o.now().UnixMilli()
	o.disarmRingTimer()
	snapshot := *call
	o.mu.Unlock()

	o.notifyState(snapshot)
	return nil
}

// HangUp ends the call from our side: a connected call completes, an
// outgoing ring is cancelled.
func (o *Orchestrator) HangUp() error {
	o.mu.Lock()
	call := o.current
	if !call.Active() {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	state := call.State
	peer := call.PeerID
	o.mu.Unlock()

	switch state {
	case models.CallConnected:
		o.send(wire.MustEnvelope(wire.EventCallHangup, wire.CallHangup{PeerID: peer}))
		o.end(call, models.CallCompleted)
	case models.CallDialing:
		o.send(wire.MustEnvelope(wire.EventCallHangup, wire.CallHangup{PeerID: peer}))
		o.end(call, models.CallCancelled)
	case models.CallRinging:
		return o.Reject()
	}
	return nil
}

// Reject declines the ringing incoming call.
func (o *Orchestrator) Reject() error {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.State != models.CallRinging {
		o.mu.Unlock()
		return models.ErrNoActiveCall
	}
	peer := call.PeerID
	o.mu.Unlock()

	o.send(wire.MustEnvelope(wire.EventCallReject, wire.CallReject{PeerID: peer}))
	o.end(call, models.CallCancelled)
	return nil
}

// HandleHangup processes a remote hang-up or cancellation.
func (o *Orchestrator) HandleHangup(peerID string) {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.PeerID != peerID {
		o.mu.Unlock()
		return
	}
	state := call.State
	o.mu.Unlock()

	switch state {
	case models.CallConnected:
		o.end(call, models.CallCompleted)
	case models.CallRinging:
		// Caller gave up before we answered.
		o.end(call, models.CallMissed)
	default:
		o.end(call, models.CallCancelled)
	}
}

// HandleReject processes the peer declining our outgoing call.
func (o *Orchestrator) HandleReject(peerID string) {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.State != models.CallDialing || call.PeerID != peerID {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.end(call, models.CallCancelled)
}

// HandleRingTimeout fires when nobody answered in time. A stale timeout
// for a call that already progressed or ended is ignored.
func (o *Orchestrator) HandleRingTimeout(callID string) {
	o.mu.Lock()
	call := o.current
	if !call.Active() || call.ID != callID {
		o.mu.Unlock()
		return
	}
	state := call.State
	peer := call.PeerID
	o.mu.Unlock()

	switch state {
	case models.CallDialing:
		o.send(wire.MustEnvelope(wire.EventCallHangup, wire.CallHangup{PeerID: peer}))
		o.end(call, models.CallCancelled)
	case models.CallRinging:
		o.end(call, models.CallMissed)
	}
}

// Fail terminates the session on an unrecoverable signaling or
// transport error, from any state.
func (o *Orchestrator) Fail(err error) {
	o.mu.Lock()
	call := o.current
	if !call.Active() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.log.Warn("call failed", "call_id", call.ID, "error", err)
	o.end(call, models.CallFailed)
}

// end is the single cleanup path. Whatever transition got us here, the
// ring timer is cleared, session descriptions are released, the media
// capability is closed, and the slot frees up.
func (o *Orchestrator) end(call *models.CallSession, reason models.CallEndReason) {
	o.mu.Lock()
	if o.current != call || call.State == models.CallEnded {
		o.mu.Unlock()
		return
	}
	o.disarmRingTimer()
	if call.State == models.CallConnected {
		call.State = models.CallEnding
		o.notifyStateLocked(*call)
	}
	call.State = models.CallEnded
	call.EndedAt = o.now().UnixMilli()
	call.EndReason = reason
	call.LocalDescription = ""
	call.RemoteDescription = ""
	snapshot := *call
	o.current = nil
	o.mu.Unlock()

	if err := o.cfg.Media.Close(); err != nil {
		o.log.Warn("media close failed", "call_id", snapshot.ID, "error", err)
	}
	o.notifyState(snapshot)
	if o.cfg.OnEnded != nil {
		o.cfg.OnEnded(snapshot)
	}
}

func (o *Orchestrator) armRingTimer(callID string) {
	o.disarmRingTimer()
	o.timer = time.AfterFunc(o.cfg.RingTimeout, func() {
		o.ringExpired(callID)
	})
}

func (o *Orchestrator) disarmRingTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// Shutdown cancels any pending ring timer and fails the live call, so
// no timer outlives a logout.
func (o *Orchestrator) Shutdown() {
	o.Fail(fmt.Errorf("engine shutting down"))
	o.mu.Lock()
	o.disarmRingTimer()
	o.mu.Unlock()
}

func (o *Orchestrator) send(env wire.Envelope) {
	if o.cfg.Send != nil {
		o.cfg.Send(env)
	}
}

func (o *Orchestrator) notifyState(call models.CallSession) {
	if o.cfg.OnState != nil {
		o.cfg.OnState(call)
	}
}

// notifyStateLocked is notifyState for callers already holding mu; the
// callback must not reenter the orchestrator.
func (o *Orchestrator) notifyStateLocked(call models.CallSession) {
	if o.cfg.OnState != nil {
		o.cfg.OnState(call)
	}
}
