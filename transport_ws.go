package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is a server-to-client frame on the push channel.
//
//	authenticated  first frame after dial
//	subscribed     scope is live
//	event          payload is an Event for scope
//	closed         server ended the scope's channel
//	error          payload is {"message"}; with a scope, that channel is degraded
//	pong           answer to ping, matched by requestId
type Envelope struct {
	Type      string          `json:"type"`
	Scope     string          `json:"scope,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame: subscribe, unsubscribe, broadcast,
// presence.track, presence.untrack or ping.
type Command struct {
	Type      string      `json:"type"`
	Scope     string      `json:"scope,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ConnState is the state of the shared connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const pingTimeout = 10 * time.Second

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport multiplexes every scope channel over one WebSocket. It
// implements Transport, Broadcaster and PresenceTracker.
//
// Subscriptions outlive the connection: when it drops, every scope is
// reported degraded, and after a reconnect each one is subscribed again.
// Frames are dispatched on the read goroutine, so events of a scope reach
// its handler in the order the server sent them.
type WSTransport struct {
	url   string
	token string
	cfg   Config
	log   zerolog.Logger
	recon *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	retry            Timer
	subs             map[string]*wsSub

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

type wsSub struct {
	t     *WSTransport
	scope Scope
	h     ChannelHandler
}

// NewWSTransport creates a transport for the endpoint at wsURL.
func NewWSTransport(wsURL, token string, cfg Config) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		url:          wsURL,
		token:        token,
		cfg:          cfg,
		log:          cfg.Logger.With().Str("module", "sync.transport").Logger(),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		subs:         make(map[string]*wsSub),
		pendingPings: make(map[string]chan struct{}),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the endpoint and subscribes every registered scope. When
// the attempt fails, a reconnect is scheduled with backoff before the
// error is returned, so scopes come back to push once the endpoint is up.
func (t *WSTransport) Connect(ctx context.Context) error {
	err := t.connect(ctx)
	if err != nil {
		t.mu.Lock()
		intentional := t.intentionalClose
		t.mu.Unlock()
		if !intentional {
			t.scheduleReconnect()
		}
	}
	return err
}

func (t *WSTransport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.url+"?token="+url.QueryEscape(t.token), nil)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	if env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	subs := make([]*wsSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	t.recon.markConnected()
	t.log.Info().Str("url", t.url).Int("scopes", len(subs)).Msg("connected")

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)

	for _, s := range subs {
		t.sendSubscribe(ctx, s)
	}
	return nil
}

// Close shuts the connection down without reconnecting.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	t.recon.reset()
	t.mu.Unlock()

	t.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers h for scope. Without a live connection the scope is
// reported degraded and is subscribed on the next successful connect.
func (t *WSTransport) Subscribe(ctx context.Context, scope Scope, h ChannelHandler) (Subscription, error) {
	key := scope.Key()
	t.mu.Lock()
	if _, ok := t.subs[key]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrScopeOpen, key)
	}
	s := &wsSub{t: t, scope: scope, h: h}
	t.subs[key] = s
	t.mu.Unlock()

	t.sendSubscribe(ctx, s)
	return s, nil
}

func (t *WSTransport) sendSubscribe(ctx context.Context, s *wsSub) {
	s.status(HealthConnecting)
	err := t.Send(ctx, &Command{Type: "subscribe", Scope: s.scope.Key()})
	if err != nil {
		t.log.Debug().Err(err).Str("scope", s.scope.Key()).Msg("subscribe deferred")
		s.status(HealthDegraded)
	}
}

// Close unsubscribes the scope.
func (s *wsSub) Close() error {
	t := s.t
	key := s.scope.Key()
	t.mu.Lock()
	if t.subs[key] != s {
		t.mu.Unlock()
		return nil
	}
	delete(t.subs, key)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := t.Send(ctx, &Command{Type: "unsubscribe", Scope: key}); err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

func (s *wsSub) status(h Health) {
	if s.h.OnStatus != nil {
		s.h.OnStatus(h)
	}
}

func (s *wsSub) event(ev Event) {
	if s.h.OnEvent != nil {
		s.h.OnEvent(ev)
	}
}

// Broadcast implements Broadcaster.
func (t *WSTransport) Broadcast(ctx context.Context, scope Scope, payload any) error {
	return t.Send(ctx, &Command{Type: "broadcast", Scope: scope.Key(), Payload: payload})
}

// Track implements PresenceTracker.
func (t *WSTransport) Track(ctx context.Context, scope Scope, state PresenceState) error {
	return t.Send(ctx, &Command{Type: "presence.track", Scope: scope.Key(), Payload: state})
}

// Untrack implements PresenceTracker.
func (t *WSTransport) Untrack(ctx context.Context, scope Scope) error {
	return t.Send(ctx, &Command{Type: "presence.untrack", Scope: scope.Key()})
}

// Send writes a raw command.
func (t *WSTransport) Send(ctx context.Context, cmd *Command) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, cmd)
}

// Ping sends a ping and waits for the pong.
func (t *WSTransport) Ping(ctx context.Context) error {
	requestID := uuid.NewString()
	ch := make(chan struct{}, 1)
	t.pendingMu.Lock()
	t.pendingPings[requestID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pendingPings, requestID)
		t.pendingMu.Unlock()
	}()

	if err := t.Send(ctx, &Command{Type: "ping", RequestID: requestID}); err != nil {
		return err
	}
	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Read side
// ============================================================================

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err == nil {
			t.dispatch(env)
			continue
		}
		if ctx.Err() == nil && isDecodeError(err) {
			t.log.Warn().Err(err).Msg("skipping undecodable frame")
			continue
		}

		t.mu.Lock()
		intentional := t.intentionalClose
		if t.conn == conn {
			t.conn = nil
			t.state = StateDisconnected
		}
		subs := make([]*wsSub, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.Unlock()
		if intentional {
			return
		}

		t.log.Warn().Err(err).Msg("connection lost")
		t.clearPendingPings()
		for _, s := range subs {
			s.status(HealthDegraded)
		}
		t.scheduleReconnect()
		return
	}
}

func isDecodeError(err error) bool {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typ)
}

func (t *WSTransport) dispatch(env Envelope) {
	if env.Type == "pong" {
		t.pendingMu.Lock()
		if ch, ok := t.pendingPings[env.RequestID]; ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		t.pendingMu.Unlock()
		return
	}

	t.mu.Lock()
	s := t.subs[env.Scope]
	t.mu.Unlock()

	switch env.Type {
	case "subscribed":
		if s != nil {
			s.status(HealthHealthy)
		}
	case "event":
		if s == nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			// A zero Event fails validation downstream, which triggers a refetch.
			t.log.Warn().Err(err).Str("scope", env.Scope).Msg("undecodable event")
			ev = Event{}
		}
		s.event(ev)
	case "closed":
		if s != nil {
			s.status(HealthClosed)
		}
	case "error":
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		t.log.Warn().Str("scope", env.Scope).Str("error", p.Message).Msg("server error")
		if s != nil {
			s.status(HealthDegraded)
		}
	default:
		t.log.Debug().Str("type", env.Type).Msg("ignoring frame")
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if err := t.Ping(ctx); err != nil {
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// scheduleReconnect arms a single reconnect attempt; a call while one is
// already pending is a no-op.
func (t *WSTransport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intentionalClose {
		return
	}
	if t.retry != nil {
		t.state = StateReconnecting
		return
	}
	if !t.recon.shouldReconnect() {
		t.log.Warn().Msg("giving up reconnecting, scopes stay on polling")
		return
	}
	delay := t.recon.nextDelay()
	t.state = StateReconnecting
	t.log.Info().Dur("delay", delay).Int("attempt", t.recon.attempt).Msg("reconnecting")

	t.retry = t.cfg.Clock.AfterFunc(delay, func() {
		t.mu.Lock()
		t.retry = nil
		intentional := t.intentionalClose
		if !intentional {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		if intentional {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := t.Connect(ctx); err != nil {
			t.log.Warn().Err(err).Msg("reconnect failed")
		}
	})
}

func (t *WSTransport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *WSTransport) clearPendingPings() {
	t.pendingMu.Lock()
	for k, ch := range t.pendingPings {
		close(ch)
		delete(t.pendingPings, k)
	}
	t.pendingMu.Unlock()
}
