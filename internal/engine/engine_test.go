package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vestnik/internal/dataapi"
	"vestnik/internal/models"
	"vestnik/internal/transport"
	"vestnik/internal/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	events  chan wire.Envelope
	states  chan models.ConnectionState
	state   models.ConnectionState
	runs    int
	runErrs chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan wire.Envelope, 64),
		states:  make(chan models.ConnectionState, 16),
		state:   models.StateDisconnected,
		runErrs: make(chan error, 1),
	}
}

func (f *fakeTransport) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	select {
	case err := <-f.runErrs:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (f *fakeTransport) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeTransport) Send(env wire.Envelope) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
}

func (f *fakeTransport) Events() <-chan wire.Envelope          { return f.events }
func (f *fakeTransport) States() <-chan models.ConnectionState { return f.states }
func (f *fakeTransport) Disconnect()                           {}

func (f *fakeTransport) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.state = models.StateConnected
	f.mu.Unlock()
	f.states <- models.StateConnected
}

func (f *fakeTransport) deliver(event string, payload any) {
	f.events <- wire.MustEnvelope(event, payload)
}

func (f *fakeTransport) sentEnvelopes(event string) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type fakeAPI struct {
	mu       sync.Mutex
	snapshot dataapi.Snapshot
	fetches  int
	profiles map[string]models.UserProfile
}

func (f *fakeAPI) FetchSnapshot(ctx context.Context) (dataapi.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.snapshot, nil
}

func (f *fakeAPI) CreateDirectConversation(ctx context.Context, selfID, peerID string) (models.Conversation, error) {
	return models.Conversation{
		ID:             "d-" + peerID,
		ParticipantIDs: []string{selfID, peerID},
	}, nil
}

func (f *fakeAPI) CachedProfile(userID string) (models.UserProfile, bool) {
	p, ok := f.profiles[userID]
	return p, ok
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeMedia struct{}

func (fakeMedia) CreateOffer(context.Context, models.CallKind) (string, error) {
	return "offer-sdp", nil
}

func (fakeMedia) CreateAnswer(context.Context, models.CallKind, string) (string, error) {
	return "answer-sdp", nil
}

func (fakeMedia) Accept(string) error { return nil }
func (fakeMedia) Close() error        { return nil }

func startEngine(t *testing.T, api *fakeAPI) (*Engine, *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := newFakeTransport()
	eng := New(ctx, Config{
		Session:     models.Session{UserID: "me", DisplayName: "Me"},
		Transport:   tr,
		API:         api,
		Media:       fakeMedia{},
		RingTimeout: time.Hour,
	})

	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("engine did not stop")
		}
	})
	return eng, tr
}

func directSnapshot() dataapi.Snapshot {
	return dataapi.Snapshot{
		Conversations: []models.Conversation{{
			ID:             "c1",
			ParticipantIDs: []string{"me", "u2"},
		}},
		Presence: []models.PresenceRecord{
			{UserID: "u2", Status: models.PresenceOnline, LastSeen: 100},
		},
	}
}

func waitConversation(t *testing.T, eng *Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := eng.Conversation(id)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestOfflineSendFlushAck(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)

	tr.connect()
	waitConversation(t, eng, "c1")

	// Send while the relay link is (logically) down: the message shows
	// up immediately as pending/localOnly.
	tempID, err := eng.SendMessage("c1", "hello")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(tempID, "tmp-"))

	conv, _ := eng.Conversation("c1")
	require.Len(t, conv.Messages, 1)
	require.Equal(t, models.StatusPending, conv.Messages[0].Status)
	require.True(t, conv.Messages[0].LocalOnly)

	sends := tr.sentEnvelopes(wire.EventMessageSend)
	require.Len(t, sends, 1)
	var payload wire.MessageSend
	require.NoError(t, sends[0].Decode(&payload))
	require.Equal(t, tempID, payload.Message.ID, "send event must carry the temp id as correlation token")
	require.Equal(t, "u2", payload.RecipientID)

	// The relay acks with the server id.
	tr.deliver(wire.EventMessageSent, wire.MessageSent{
		TempID: tempID, MessageID: "m-42", ChatID: "c1", CreatedAt: 500,
	})

	require.Eventually(t, func() bool {
		conv, _ := eng.Conversation("c1")
		return len(conv.Messages) == 1 && conv.Messages[0].ID == "m-42"
	}, time.Second, 5*time.Millisecond)

	conv, _ = eng.Conversation("c1")
	require.Equal(t, models.StatusSent, conv.Messages[0].Status)
	require.False(t, conv.Messages[0].LocalOnly)
}

func TestReceiptsNeverRegress(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	tempID, err := eng.SendMessage("c1", "hello")
	require.NoError(t, err)
	tr.deliver(wire.EventMessageSent, wire.MessageSent{TempID: tempID, MessageID: "m-42", ChatID: "c1"})

	tr.deliver(wire.EventMessageDelivered, wire.MessageDelivered{MessageID: "m-42", ChatID: "c1"})
	tr.deliver(wire.EventMessageRead, wire.MessageRead{ChatID: "c1", MessageID: "m-42", SenderID: "me"})
	// Stale delivered receipt straggles in after the read one.
	tr.deliver(wire.EventMessageDelivered, wire.MessageDelivered{MessageID: "m-42", ChatID: "c1"})

	require.Eventually(t, func() bool {
		conv, _ := eng.Conversation("c1")
		return len(conv.Messages) == 1 && conv.Messages[0].Status == models.StatusRead
	}, time.Second, 5*time.Millisecond)

	// Give the stale receipt time to (not) do damage.
	time.Sleep(20 * time.Millisecond)
	conv, _ := eng.Conversation("c1")
	require.Equal(t, models.StatusRead, conv.Messages[0].Status)
}

func TestUnknownConversationTriggersResync(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")
	before := api.fetchCount()

	// The snapshot the resync will fetch already includes c2 with the
	// message that triggered the gap.
	api.mu.Lock()
	api.snapshot.Conversations = append(api.snapshot.Conversations, models.Conversation{
		ID:             "c2",
		ParticipantIDs: []string{"me", "u3"},
		Messages: []models.Message{
			{ID: "m-7", ConversationID: "c2", SenderID: "u3", Content: "psst", Kind: models.KindText, CreatedAt: 900, Status: models.StatusDelivered},
		},
	})
	api.mu.Unlock()

	tr.deliver(wire.EventMessageReceive, wire.MessageReceive{
		ChatID:  "c2",
		Message: wire.MessageBody{ID: "m-7", SenderID: "u3", Content: "psst", CreatedAt: 900},
	})

	waitConversation(t, eng, "c2")
	require.Greater(t, api.fetchCount(), before, "state gap must trigger a full refetch")

	conv, _ := eng.Conversation("c2")
	require.Len(t, conv.Messages, 1, "the fetch itself carries the message")
	require.Equal(t, "m-7", conv.Messages[0].ID)
}

func TestReconnectResyncsWholesale(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	// Local optimistic leftovers from the disconnected stretch.
	_, err := eng.SendMessage("c1", "will be replaced")
	require.NoError(t, err)

	before := api.fetchCount()
	tr.connect() // reconnect handshake completed

	require.Eventually(t, func() bool {
		return api.fetchCount() > before
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		conv, ok := eng.Conversation("c1")
		return ok && len(conv.Messages) == 0
	}, time.Second, 5*time.Millisecond, "resync replaces, not merges")
}

func TestLateAckAfterResyncIsNoop(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	tempID, err := eng.SendMessage("c1", "hello")
	require.NoError(t, err)

	tr.connect() // resync discards the optimistic message
	require.Eventually(t, func() bool {
		conv, _ := eng.Conversation("c1")
		return len(conv.Messages) == 0
	}, time.Second, 5*time.Millisecond)

	tr.deliver(wire.EventMessageSent, wire.MessageSent{TempID: tempID, MessageID: "m-9", ChatID: "c1"})

	time.Sleep(20 * time.Millisecond)
	conv, _ := eng.Conversation("c1")
	require.Empty(t, conv.Messages, "a late ack must never insert a message")
}

func TestReconnectAfterSpentBudget(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	sub := eng.Subscribe()
	defer eng.Unsubscribe(sub)

	// The relay loop gives up; the engine must surface the failure and
	// park instead of dying or spinning.
	tr.runErrs <- transport.ErrRetriesExhausted

	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-sub:
				if n.Kind == NoticeError && errors.Is(n.Err, transport.ErrRetriesExhausted) {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond, "exhausted budget must reach subscribers")
	require.Equal(t, 1, tr.runCount())

	// An explicit reconnect restarts the relay loop.
	eng.Reconnect()
	require.Eventually(t, func() bool {
		return tr.runCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTypingShowHide(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	tr.deliver(wire.EventTypingShow, wire.TypingNotice{ChatID: "c1", UserID: "u2"})
	require.Eventually(t, func() bool {
		typist, ok := eng.Typist("c1")
		return ok && typist == "u2"
	}, time.Second, 5*time.Millisecond)

	tr.deliver(wire.EventTypingHide, wire.TypingNotice{ChatID: "c1", UserID: "u2"})
	require.Eventually(t, func() bool {
		_, ok := eng.Typist("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestIncomingCallWithFallbackProfile(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot()} // u9 unknown to contacts
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	tr.deliver(wire.EventCallIncoming, wire.CallIncoming{
		From:     "u9",
		Offer:    "offer-sdp",
		CallType: models.CallVoice,
		Caller:   &models.UserProfile{ID: "u9", DisplayName: "Stranger"},
	})

	require.Eventually(t, func() bool {
		call, ok := eng.ActiveCall()
		return ok && call.State == models.CallRinging
	}, time.Second, 5*time.Millisecond)

	call, _ := eng.ActiveCall()
	require.Equal(t, "Stranger", call.PeerProfile.DisplayName)
}

func TestCompletedCallLeavesRecord(t *testing.T) {
	api := &fakeAPI{snapshot: directSnapshot(), profiles: map[string]models.UserProfile{
		"u9": {ID: "u9", DisplayName: "Niner"},
	}}
	eng, tr := startEngine(t, api)
	tr.connect()
	waitConversation(t, eng, "c1")

	_, err := eng.PlaceCall(context.Background(), "u9", models.CallVoice)
	require.NoError(t, err)

	tr.deliver(wire.EventCallAnswer, wire.CallAnswer{PeerID: "u9", Answer: "answer-sdp"})
	require.Eventually(t, func() bool {
		call, ok := eng.ActiveCall()
		return ok && call.State == models.CallConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.HangUp())

	// No 1:1 conversation with u9 existed: one is created for the
	// call-record message.
	require.Eventually(t, func() bool {
		conv, ok := eng.Conversation("d-u9")
		return ok && len(conv.Messages) == 1 && conv.Messages[0].Kind == models.KindCallRecord
	}, time.Second, 5*time.Millisecond)

	_, active := eng.ActiveCall()
	require.False(t, active, "call slot must be free")
}
