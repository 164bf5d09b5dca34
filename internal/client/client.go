// Package client is the client half of the real-time protocol: the connection manager with its
// handshake, heartbeat and bounded reconnection, the event dispatcher, the request/acknowledge
// pattern and the projection of the joined session.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeat        = 30 * time.Second
	defaultMissedHeartbeats = 2
	defaultMaxReconnects    = 5
	defaultBackoff          = 500 * time.Millisecond
	maxBackoff              = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	writeWait               = 10 * time.Second
)

type Signal string

const (
	SignalConnected       Signal = "connected"
	SignalDisconnected    Signal = "disconnected"
	SignalReconnected     Signal = "reconnected"
	SignalReconnectFailed Signal = "reconnect-failed"
	SignalConnectionLost  Signal = "connection-lost"
	SignalFailed          Signal = "failed"
)

// Lifecycle is one connection state change. On SignalReconnected, Err reports a failed session
// resynchronization: the connection is back but the session could not be rejoined.
type Lifecycle struct {
	Signal Signal
	Reason string
	Err    error
}

type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	Identity protocol.Authenticate

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	MaxReconnects     int
	// ReconnectBackoff is the first retry delay; it doubles on every failed attempt.
	ReconnectBackoff time.Duration
	RequestTimeout   time.Duration

	// Lifecycle, when set, is subscribed before the first connection attempt.
	Lifecycle func(Lifecycle)
	Dialer    *websocket.Dialer
}

type pending struct {
	cont  func(protocol.Envelope, error)
	timer *time.Timer
}

type Client struct {
	c      Config
	dialer *websocket.Dialer

	events    *dispatcher
	projector *Projector

	lmu       sync.RWMutex
	lseq      uint64
	listeners map[uint64]func(Lifecycle)

	mu       sync.Mutex
	ws       *websocket.Conn
	pending  map[string]*pending
	identity protocol.Authenticated
	session  string
	closed   bool

	wmu       sync.Mutex
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and authenticates. A handshake that times out or is rejected emits SignalFailed
// and returns the error.
func Dial(ctx context.Context, c Config) (*Client, error) {
	cl := &Client{
		c:         c,
		dialer:    c.Dialer,
		events:    newDispatcher(),
		projector: NewProjector(),
		listeners: make(map[uint64]func(Lifecycle)),
		pending:   make(map[string]*pending),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if cl.dialer == nil {
		cl.dialer = websocket.DefaultDialer
	}
	if cl.c.HandshakeTimeout <= 0 {
		cl.c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cl.c.HeartbeatInterval <= 0 {
		cl.c.HeartbeatInterval = defaultHeartbeat
	}
	if cl.c.MissedHeartbeats <= 0 {
		cl.c.MissedHeartbeats = defaultMissedHeartbeats
	}
	if cl.c.MaxReconnects <= 0 {
		cl.c.MaxReconnects = defaultMaxReconnects
	}
	if cl.c.ReconnectBackoff <= 0 {
		cl.c.ReconnectBackoff = defaultBackoff
	}
	if cl.c.RequestTimeout <= 0 {
		cl.c.RequestTimeout = defaultRequestTimeout
	}
	if c.Lifecycle != nil {
		cl.OnLifecycle(c.Lifecycle)
	}

	ws, who, err := cl.handshake(ctx)
	if err != nil {
		cl.signal(Lifecycle{Signal: SignalFailed, Reason: err.Error(), Err: err})
		cl.finish()
		return nil, err
	}

	cl.attach(ws, who)
	cl.signal(Lifecycle{Signal: SignalConnected})

	return cl, nil
}

// On subscribes h to a broadcast event.
func (c *Client) On(name string, h Handler) *Subscription {
	return c.events.on(name, h)
}

func (c *Client) OnLifecycle(fn func(Lifecycle)) (off func()) {
	c.lmu.Lock()
	c.lseq++
	id := c.lseq
	c.listeners[id] = fn
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.PlayerID
}

// Session is the id of the session this client is a member of, if any.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State is the local projection of the joined session.
func (c *Client) State() (protocol.Snapshot, bool) {
	return c.projector.State()
}

// Done is closed once the client is disconnected for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects without reconnecting. SignalDisconnected follows.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })

	if ws == nil {
		return
	}

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = ws.Close()
}

// Request sends a command. cont is invoked exactly once: with the ack, with the server's error,
// or with a local error on timeout or connection loss. It never runs before Request returns:
// replies and connection loss are delivered on the read goroutine, timeouts and send failures
// on a goroutine of their own.
func (c *Client) Request(name string, payload any, cont func(protocol.Envelope, error)) {
	id := uuid.NewString()

	var once sync.Once
	call := func(env protocol.Envelope, err error) {
		once.Do(func() { cont(env, err) })
	}

	env, err := protocol.NewEnvelope(name, payload, id)
	if err != nil {
		go call(protocol.Envelope{}, err)
		return
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		go call(protocol.Envelope{}, connectionLost("not connected"))
		return
	}
	p := &pending{cont: call}
	p.timer = time.AfterFunc(c.c.RequestTimeout, func() {
		if c.take(id) != nil {
			call(protocol.Envelope{}, errors.Rejected(errors.CodeDeadlineExceeded, "", "%s timed out", name))
		}
	})
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(ws, env); err != nil {
		if p := c.take(id); p != nil {
			p.timer.Stop()
			go call(protocol.Envelope{}, connectionLost(err.Error()))
		}
	}
}

// Do is the blocking form of Request. The ack payload is decoded into out when out is not nil.
func (c *Client) Do(ctx context.Context, name string, payload, out any) error {
	env, err := c.await(ctx, name, payload, nil)
	if err != nil {
		return err
	}
	if out != nil {
		return env.Decode(out)
	}
	return nil
}

func (c *Client) await(ctx context.Context, name string, payload any, onAck func(protocol.Envelope) error) (protocol.Envelope, error) {
	type result struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan result, 1)

	c.Request(name, payload, func(env protocol.Envelope, err error) {
		if err == nil && onAck != nil {
			err = onAck(env)
		}
		ch <- result{env: env, err: err}
	})

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) handshake(ctx context.Context) (*websocket.Conn, protocol.Authenticated, error) {
	var who protocol.Authenticated

	ctx, cancel := context.WithTimeout(ctx, c.c.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.c.URL, nil)
	if err != nil {
		return nil, who, fmt.Errorf("dial %s: %w", c.c.URL, err)
	}

	fail := func(err error) (*websocket.Conn, protocol.Authenticated, error) {
		_ = ws.Close()
		return nil, who, err
	}

	deadline, _ := ctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)

	env, err := protocol.NewEnvelope(protocol.CmdAuthenticate, c.c.Identity, uuid.NewString())
	if err != nil {
		return fail(err)
	}
	if err := ws.WriteJSON(env); err != nil {
		return fail(fmt.Errorf("send handshake: %w", err))
	}

	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}

	switch reply.EventName {
	case protocol.NameAck:
		if err := reply.Decode(&who); err != nil {
			return fail(err)
		}
	case protocol.NameError:
		var e protocol.ErrorEvent
		if err := reply.Decode(&e); err != nil {
			return fail(err)
		}
		return fail(e.Err())
	default:
		return fail(fmt.Errorf("handshake: unexpected %q", reply.EventName))
	}

	_ = ws.SetWriteDeadline(time.Time{})
	return ws, who, nil
}

func (c *Client) attach(ws *websocket.Conn, who protocol.Authenticated) {
	c.mu.Lock()
	c.ws = ws
	c.identity = who
	c.mu.Unlock()

	go c.run(ws)
}

func (c *Client) run(ws *websocket.Conn) {
	stop := make(chan struct{})
	go c.heartbeat(ws, stop)

	err := c.read(ws)
	close(stop)

	c.lost(ws, err)
}

func (c *Client) heartbeat(ws *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.c.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) read(ws *websocket.Conn) error {
	wait := c.c.HeartbeatInterval * time.Duration(c.c.MissedHeartbeats)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(wait)) }
	extend()

	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if stderrors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			slog.Warn("client: malformed envelope", "error", err)
			continue
		}

		c.deliver(env)
	}
}

func (c *Client) deliver(env protocol.Envelope) {
	if env.CorrelationID != "" && (env.EventName == protocol.NameAck || env.EventName == protocol.NameError) {
		p := c.take(env.CorrelationID)
		if p == nil {
			return
		}
		p.timer.Stop()

		if env.EventName == protocol.NameError {
			var e protocol.ErrorEvent
			if err := env.Decode(&e); err != nil {
				p.cont(env, err)
				return
			}
			p.cont(env, e.Err())
			return
		}
		p.cont(env, nil)
		return
	}

	e, err := protocol.DecodeEvent(env)
	if err != nil {
		slog.Warn("client: drop event", "event", env.EventName, "error", err)
		return
	}

	c.projector.Apply(e)
	if ended, ok := e.(protocol.GameEnded); ok && ended.SessionID == c.Session() {
		slog.Info("client: session ended", "session", ended.SessionID, "state", ended.State)
	}
	c.events.emit(e)
}

// lost runs once per connection after its read loop ends.
func (c *Client) lost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	closed := c.closed
	ps := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range ps {
		p.timer.Stop()
		p.cont(protocol.Envelope{}, connectionLost(cause.Error()))
	}

	if closed {
		c.signal(Lifecycle{Signal: SignalDisconnected})
		c.finish()
		return
	}

	slog.Warn("client: connection lost", "player", c.PlayerID(), "error", cause)
	c.signal(Lifecycle{Signal: SignalConnectionLost, Reason: cause.Error(), Err: cause})
	c.reconnect()
}

// reconnect retries with exponential backoff. A successful attempt re-authenticates and rejoins
// the last session so that the projection is rebuilt from a fresh snapshot.
func (c *Client) reconnect() {
	backoff := c.c.ReconnectBackoff

	var last error
	for attempt := 1; attempt <= c.c.MaxReconnects; attempt++ {
		select {
		case <-c.quit:
			c.signal(Lifecycle{Signal: SignalDisconnected})
			c.finish()
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxBackoff)

		ws, who, err := c.handshake(context.Background())
		if err != nil {
			last = err
			slog.Info("client: reconnect attempt failed", "attempt", attempt, "error", err)
			if errors.Convert(err).Code == errors.CodeUnauthenticated {
				break
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			c.signal(Lifecycle{Signal: SignalDisconnected})
			c.finish()
			return
		}
		c.mu.Unlock()

		c.attach(ws, who)
		c.signal(Lifecycle{Signal: SignalReconnected, Err: c.resync()})
		return
	}

	reason := "retries exhausted"
	if last != nil {
		reason = last.Error()
	}
	c.signal(Lifecycle{Signal: SignalReconnectFailed, Reason: reason, Err: last})
	c.finish()
}

func (c *Client) resync() error {
	sid := c.Session()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.c.RequestTimeout)
	defer cancel()

	if _, err := c.JoinSession(ctx, sid); err != nil {
		c.forget(sid)
		return fmt.Errorf("rejoin %s: %w", sid, err)
	}
	return nil
}

func (c *Client) write(ws *websocket.Conn, env protocol.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(env)
}

func (c *Client) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) signal(l Lifecycle) {
	c.lmu.RLock()
	fns := make([]func(Lifecycle), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		fn(l)
	}
}

func (c *Client) finish() {
	c.closeOnce.Do(func() { close(c.done) })
}

func connectionLost(reason string) error {
	return errors.Rejected(errors.CodeUnavailable, errors.ReasonConnectionLost, "connection lost: %s", reason)
}
