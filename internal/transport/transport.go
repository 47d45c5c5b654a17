package transport

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vestnik/internal/models"
	"vestnik/internal/wire"
)

// ErrRetriesExhausted is returned by Run after the reconnect budget is
// spent. The engine surfaces it as a degraded-connectivity signal; it is
// never fatal to the process.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

type wsConn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type Config struct {
	URL         string
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Transport owns the single long-lived event channel to the relay:
// dial, authenticated handshake, reconnect with bounded backoff, and
// FIFO buffering of outbound events while disconnected. Every inbound
// event is handed to the engine exactly once, in receipt order.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	session models.Session

	// dial is swappable in tests.
	dial func(ctx context.Context) (wsConn, error)

	mu     sync.Mutex
	conn   wsConn
	state  models.ConnectionState
	queue  []wire.Envelope
	closed bool

	events chan wire.Envelope
	states chan models.ConnectionState
}

func New(cfg Config, session models.Session) *Transport {
	cfg.defaults()
	t := &Transport{
		cfg:     cfg,
		log:     cfg.Logger,
		session: session,
		state:   models.StateDisconnected,
		events:  make(chan wire.Envelope, 64),
		states:  make(chan models.ConnectionState, 16),
	}
	t.dial = t.dialWebsocket
	return t
}

func (t *Transport) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.session.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Events delivers inbound envelopes in arrival order.
func (t *Transport) Events() <-chan wire.Envelope {
	return t.events
}

// States delivers ConnectionState transitions. Every transition to
// Connected means a completed handshake; the engine resyncs on each.
func (t *Transport) States() <-chan models.ConnectionState {
	return t.states
}

func (t *Transport) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s models.ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	select {
	case t.states <- s:
	default:
		t.log.Warn("state channel full, dropping transition", "state", s)
	}
}

// Send enqueues an outbound event. While disconnected the event is
// buffered, not dropped, and flushed in FIFO order on reconnect.
func (t *Transport) Send(env wire.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == models.StateConnected && t.conn != nil {
		if err := t.conn.WriteJSON(env); err == nil {
			return
		}
		// Write failed; the read pump notices the dead conn and
		// reconnects. Keep the event for the flush.
	}
	t.queue = append(t.queue, env)
}

// Disconnect tears the connection down for good. Idempotent and
// reachable from any state. A best-effort offline announce goes out
// before the close.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(wire.Envelope{Event: wire.EventUserOffline})
		_ = conn.Close()
	}
	t.setState(models.StateDisconnected)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Run drives the connect/read/reconnect loop until ctx is cancelled,
// Disconnect is called, or the retry budget runs out. After an
// ErrRetriesExhausted return the transport stays Disconnected; calling
// Run again starts over with a fresh budget. The events channel closes
// once Run returns for good.
func (t *Transport) Run(ctx context.Context) error {
	err := t.run(ctx)
	if err == nil {
		close(t.events)
	}
	return err
}

func (t *Transport) run(ctx context.Context) error {
	bo := &backoff{base: t.cfg.BackoffBase, cap: t.cfg.BackoffCap}
	first := true

	for {
		if t.isClosed() || ctx.Err() != nil {
			return nil
		}

		if first {
			t.setState(models.StateConnecting)
		} else {
			t.setState(models.StateReconnecting)
		}

		conn, err := t.connect(ctx)
		if err != nil {
			if t.isClosed() || ctx.Err() != nil {
				return nil
			}
			t.log.Warn("relay connect failed", "attempt", bo.attempt+1, "error", err)
			if bo.attempt+1 >= t.cfg.MaxRetries {
				t.setState(models.StateDisconnected)
				return ErrRetriesExhausted
			}
			select {
			case <-time.After(bo.next()):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		bo.connected()
		first = false
		t.setState(models.StateConnected)
		t.flush(conn)

		err = t.readPump(ctx, conn)
		_ = conn.Close()
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()

		if t.isClosed() || ctx.Err() != nil {
			return nil
		}

		// A connection that stayed up past the stability window earns a
		// fresh budget and an immediate redial. One that died right away
		// is charged like a failed dial, so a relay rejecting at or
		// after the handshake cannot spin the loop.
		if bo.stable() {
			bo.reset()
			t.log.Info("relay connection dropped", "error", err)
			continue
		}
		t.log.Warn("relay connection dropped early", "attempt", bo.attempt+1, "error", err)
		if bo.attempt+1 >= t.cfg.MaxRetries {
			t.setState(models.StateDisconnected)
			return ErrRetriesExhausted
		}
		select {
		case <-time.After(bo.next()):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect dials and performs the authenticated handshake: the hello
// doubles as the presence snapshot request (the relay answers with
// users:online-list), followed by the online announce.
func (t *Transport) connect(ctx context.Context) (wsConn, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}

	hello := wire.MustEnvelope(wire.EventHello, wire.Hello{
		UserID: t.session.UserID,
		Name:   t.session.DisplayName,
		Avatar: t.session.AvatarURL,
		Token:  t.session.Token,
	})
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	online := wire.MustEnvelope(wire.EventUserOnline, wire.UserOnline{
		UserID: t.session.UserID,
		Name:   t.session.DisplayName,
		Avatar: t.session.AvatarURL,
	})
	if err := conn.WriteJSON(online); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// flush drains the outbound queue in FIFO order. Events that fail to
// write go back to the head of the queue.
func (t *Transport) flush(conn wsConn) {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	for i, env := range pending {
		if err := conn.WriteJSON(env); err != nil {
			t.mu.Lock()
			t.queue = append(pending[i:], t.queue...)
			t.mu.Unlock()
			return
		}
	}
}

func (t *Transport) readPump(ctx context.Context, conn wsConn) error {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case t.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stableWindow is how long a connection must live before its loss stops
// counting against the retry budget.
const stableWindow = time.Minute

// backoff implements capped exponential backoff with jitter. Attempts
// are charged for failed dials and for connections that die inside the
// stability window; a connection that outlives it resets the counter,
// so a flaky-but-working link does not creep toward the retry limit.
type backoff struct {
	base        time.Duration
	cap         time.Duration
	attempt     int
	connectedAt time.Time
}

func (b *backoff) next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	d := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.cap),
	))
	b.attempt++
	return d
}

func (b *backoff) connected() {
	b.connectedAt = time.Now()
}

// stable reports whether the last connection outlived the stability
// window.
func (b *backoff) stable() bool {
	return !b.connectedAt.IsZero() && time.Since(b.connectedAt) > stableWindow
}

func (b *backoff) reset() {
	b.attempt = 0
}
