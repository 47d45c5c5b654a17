package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vestnik/internal/models"
	"vestnik/internal/wire"
)

type mockMedia struct {
	offerErr  error
	answerErr error
	closed    int
}

func (m *mockMedia) CreateOffer(ctx context.Context, kind models.CallKind) (string, error) {
	if m.offerErr != nil {
		return "", m.offerErr
	}
	return "offer-sdp", nil
}

func (m *mockMedia) CreateAnswer(ctx context.Context, kind models.CallKind, remote string) (string, error) {
	if m.answerErr != nil {
		return "", m.answerErr
	}
	return "answer-sdp", nil
}

func (m *mockMedia) Accept(remote string) error { return nil }

func (m *mockMedia) Close() error {
	m.closed++
	return nil
}

type harness struct {
	o     *Orchestrator
	media *mockMedia

	mu    sync.Mutex
	sent  []wire.Envelope
	ended []models.CallSession
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{media: &mockMedia{}}
	h.o = New(Config{
		RingTimeout: time.Hour, // tests fire timeouts by hand
		Media:       h.media,
		Send: func(env wire.Envelope) {
			h.mu.Lock()
			h.sent = append(h.sent, env)
			h.mu.Unlock()
		},
		OnEnded: func(call models.CallSession) {
			h.mu.Lock()
			h.ended = append(h.ended, call)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) sentEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, env := range h.sent {
		names = append(names, env.Event)
	}
	return names
}

func (h *harness) lastEnded() (models.CallSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ended) == 0 {
		return models.CallSession{}, false
	}
	return h.ended[len(h.ended)-1], true
}

func peer(id string) models.UserProfile {
	return models.UserProfile{ID: id, DisplayName: "Peer " + id}
}

func TestPlace_EmitsOfferAndDials(t *testing.T) {
	h := newHarness(t)

	call, err := h.o.Place(context.Background(), peer("u9"), models.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	if call.State != models.CallDialing || call.Direction != models.CallOutgoing {
		t.Errorf("unexpected session: %+v", call)
	}

	events := h.sentEvents()
	if len(events) != 1 || events[0] != wire.EventCallOffer {
		t.Errorf("expected call:offer, got %v", events)
	}
}

func TestPlace_BusyRejected(t *testing.T) {
	h := newHarness(t)
	_, _ = h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	if _, err := h.o.Place(context.Background(), peer("u5"), models.CallVideo); !errors.Is(err, models.ErrCallBusy) {
		t.Errorf("expected ErrCallBusy, got %v", err)
	}

	// Still exactly one non-ended session, with the original peer.
	call, ok := h.o.Current()
	if !ok || call.PeerID != "u9" {
		t.Errorf("active call replaced: %+v %v", call, ok)
	}
}

func TestIncoming_BusyAnswersReject(t *testing.T) {
	h := newHarness(t)
	_, _ = h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	err := h.o.HandleIncoming(wire.CallIncoming{From: "u5", Offer: "o", CallType: models.CallVoice},
		func(string) (models.UserProfile, bool) { return peer("u5"), true })
	if !errors.Is(err, models.ErrCallBusy) {
		t.Fatalf("expected ErrCallBusy, got %v", err)
	}

	events := h.sentEvents()
	if events[len(events)-1] != wire.EventCallReject {
		t.Errorf("busy offer must be answered with call:reject, got %v", events)
	}
}

func TestIncoming_FallbackProfile(t *testing.T) {
	h := newHarness(t)

	unknown := func(string) (models.UserProfile, bool) { return models.UserProfile{}, false }
	err := h.o.HandleIncoming(wire.CallIncoming{
		From:     "u7",
		Offer:    "offer-sdp",
		CallType: models.CallVideo,
		Caller:   &models.UserProfile{ID: "u7", DisplayName: "Stranger"},
	}, unknown)
	if err != nil {
		t.Fatal(err)
	}

	call, ok := h.o.Current()
	if !ok || call.State != models.CallRinging {
		t.Fatalf("expected ringing, got %+v %v", call, ok)
	}
	if call.PeerProfile.DisplayName != "Stranger" {
		t.Errorf("fallback profile not used: %+v", call.PeerProfile)
	}
}

func TestIncoming_NoIdentity(t *testing.T) {
	h := newHarness(t)

	unknown := func(string) (models.UserProfile, bool) { return models.UserProfile{}, false }
	err := h.o.HandleIncoming(wire.CallIncoming{From: "u7", Offer: "o", CallType: models.CallVoice}, unknown)
	if !errors.Is(err, models.ErrNoCallIdentity) {
		t.Fatalf("expected ErrNoCallIdentity, got %v", err)
	}
	if _, ok := h.o.Current(); ok {
		t.Error("no session may exist without a resolvable identity")
	}
}

func TestOutgoing_AnswerConnects(t *testing.T) {
	h := newHarness(t)
	call, _ := h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	if err := h.o.HandleAnswer(wire.CallAnswer{PeerID: "u9", Answer: "answer-sdp"}); err != nil {
		t.Fatal(err)
	}

	got, _ := h.o.Current()
	if got.State != models.CallConnected || got.StartedAt == 0 {
		t.Errorf("expected connected, got %+v", got)
	}
	if got.ID != call.ID {
		t.Errorf("session replaced")
	}
}

func TestIncoming_AcceptEmitsAnswer(t *testing.T) {
	h := newHarness(t)
	resolve := func(string) (models.UserProfile, bool) { return peer("u5"), true }
	_ = h.o.HandleIncoming(wire.CallIncoming{From: "u5", Offer: "o", CallType: models.CallVoice}, resolve)

	if err := h.o.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}

	events := h.sentEvents()
	if events[len(events)-1] != wire.EventCallAnswer {
		t.Errorf("expected call:answer, got %v", events)
	}
	got, _ := h.o.Current()
	if got.State != models.CallConnected {
		t.Errorf("expected connected, got %s", got.State)
	}
}

func TestHangUp_Completes(t *testing.T) {
	h := newHarness(t)
	h.o.now = func() time.Time { return time.UnixMilli(1000) }
	_, _ = h.o.Place(context.Background(), peer("u9"), models.CallVoice)
	_ = h.o.HandleAnswer(wire.CallAnswer{PeerID: "u9", Answer: "a"})

	h.o.now = func() time.Time { return time.UnixMilli(61000) }
	if err := h.o.HangUp(); err != nil {
		t.Fatal(err)
	}

	ended, ok := h.lastEnded()
	if !ok {
		t.Fatal("OnEnded not called")
	}
	if ended.EndReason != models.CallCompleted {
		t.Errorf("expected completed, got %s", ended.EndReason)
	}
	if ended.Duration() != time.Minute {
		t.Errorf("expected 1m duration, got %s", ended.Duration())
	}
	if ended.LocalDescription != "" || ended.RemoteDescription != "" {
		t.Error("descriptions must be released on end")
	}
	if h.media.closed != 1 {
		t.Errorf("media closed %d times, want 1", h.media.closed)
	}
	if _, active := h.o.Current(); active {
		t.Error("slot must be free after end")
	}
}

func TestRingTimeout_OutgoingCancelled(t *testing.T) {
	h := newHarness(t)
	call, _ := h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	h.o.HandleRingTimeout(call.ID)

	ended, _ := h.lastEnded()
	if ended.EndReason != models.CallCancelled {
		t.Errorf("expected cancelled, got %s", ended.EndReason)
	}
}

func TestRingTimeout_IncomingMissed(t *testing.T) {
	h := newHarness(t)
	resolve := func(string) (models.UserProfile, bool) { return peer("u5"), true }
	_ = h.o.HandleIncoming(wire.CallIncoming{From: "u5", Offer: "o", CallType: models.CallVoice}, resolve)
	call, _ := h.o.Current()

	h.o.HandleRingTimeout(call.ID)

	ended, _ := h.lastEnded()
	if ended.EndReason != models.CallMissed {
		t.Errorf("expected missed, got %s", ended.EndReason)
	}
}

func TestRingTimeout_StaleIgnored(t *testing.T) {
	h := newHarness(t)
	call, _ := h.o.Place(context.Background(), peer("u9"), models.CallVoice)
	_ = h.o.HandleAnswer(wire.CallAnswer{PeerID: "u9", Answer: "a"})

	// The timer from the dialing phase fires late; the connected call
	// must not be torn down.
	h.o.HandleRingTimeout(call.ID)

	got, ok := h.o.Current()
	if !ok || got.State != models.CallConnected {
		t.Errorf("stale timeout ended the call: %+v %v", got, ok)
	}
}

func TestRemoteReject_CancelsDialing(t *testing.T) {
	h := newHarness(t)
	_, _ = h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	h.o.HandleReject("u9")

	ended, _ := h.lastEnded()
	if ended.EndReason != models.CallCancelled {
		t.Errorf("expected cancelled, got %s", ended.EndReason)
	}
}

func TestRemoteHangup_RingingIsMissed(t *testing.T) {
	h := newHarness(t)
	resolve := func(string) (models.UserProfile, bool) { return peer("u5"), true }
	_ = h.o.HandleIncoming(wire.CallIncoming{From: "u5", Offer: "o", CallType: models.CallVoice}, resolve)

	h.o.HandleHangup("u5")

	ended, _ := h.lastEnded()
	if ended.EndReason != models.CallMissed {
		t.Errorf("expected missed, got %s", ended.EndReason)
	}
}

func TestMediaFailure_EndsFailed(t *testing.T) {
	h := newHarness(t)
	h.media.offerErr = errors.New("no camera")

	if _, err := h.o.Place(context.Background(), peer("u9"), models.CallVideo); err == nil {
		t.Fatal("expected error")
	}

	ended, ok := h.lastEnded()
	if !ok || ended.EndReason != models.CallFailed {
		t.Errorf("expected failed end, got %+v %v", ended, ok)
	}
	if _, active := h.o.Current(); active {
		t.Error("slot must be free after failure")
	}
}

func TestRingTimer_FiresForReal(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.RingTimeout = 20 * time.Millisecond

	done := make(chan struct{})
	h.o.SetRingExpired(func(callID string) {
		h.o.HandleRingTimeout(callID)
		close(done)
	})

	_, _ = h.o.Place(context.Background(), peer("u9"), models.CallVoice)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ring timer never fired")
	}
	ended, _ := h.lastEnded()
	if ended.EndReason != models.CallCancelled {
		t.Errorf("expected cancelled, got %s", ended.EndReason)
	}
}
