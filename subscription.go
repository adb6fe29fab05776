package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// ChannelHandler receives what the transport delivers for one subscription.
// Events for a scope must be delivered in transport order, one at a time.
type ChannelHandler struct {
	OnEvent  func(Event)
	OnStatus func(Health)
}

// Subscription is the handle returned by Transport.Subscribe.
type Subscription interface {
	Close() error
}

// Transport is the push channel abstraction.
type Transport interface {
	Subscribe(ctx context.Context, scope Scope, h ChannelHandler) (Subscription, error)
}

// Source fetches the full state of a scope from the data source.
type Source interface {
	Fetch(ctx context.Context, scope Scope) (*Snapshot, error)
}

// Sink consumes the events and snapshots of a scope. Calls for one scope
// never overlap. An error wrapping ErrRefetch or ErrMalformedEvent makes
// the manager replace the scope with a fresh snapshot.
type Sink interface {
	Apply(scope Scope, ev Event) error
}

// ScopeForgetter is implemented by sinks holding per-scope timers or state
// that must be released when the scope closes.
type ScopeForgetter interface {
	Forget(scope Scope)
}

// CloseFunc closes a scope. After it returns the channel is closed, the
// poller is cancelled and the sink receives nothing more for the scope.
type CloseFunc func()

// HealthNotice reports a scope's channel health and whether it is polling.
type HealthNotice struct {
	Scope   Scope
	Health  Health
	Polling bool
}

const fetchTimeout = 30 * time.Second

// ============================================================================
// Manager
// ============================================================================

// Manager owns one logical channel per scope. It keeps exactly one poller
// running for a pollable scope whose channel is not healthy, and none while
// it is healthy. Channel open failures degrade to polling with backoff
// re-subscription rather than surfacing to the caller.
type Manager struct {
	cfg       Config
	transport Transport
	source    Source
	poller    *Poller
	clock     Clock
	log       zerolog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeEntry

	health emitter[HealthNotice]
}

type scopeEntry struct {
	scope Scope
	sink  Sink

	// deliverMu serializes sink calls and lets close wait out an in-flight one.
	deliverMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	health        Health
	gen           uint64
	sub           Subscription
	recon         *reconnector
	retry         Timer
	refetch       Timer
	refetchQueued bool
}

// NewManager creates a manager over transport and source.
func NewManager(transport Transport, source Source, cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		source:    source,
		poller:    NewPoller(cfg.Clock, *cfg.Logger),
		clock:     cfg.Clock,
		log:       cfg.Logger.With().Str("module", "sync.manager").Logger(),
		scopes:    make(map[string]*scopeEntry),
	}
	m.health.log = m.log
	return m
}

// OnHealth registers an observer for health transitions.
func (m *Manager) OnHealth(h func(HealthNotice)) { m.health.on(h) }

// Open subscribes scope and routes its events to sink. Opening a key that
// is already open returns ErrScopeOpen.
func (m *Manager) Open(scope Scope, sink Sink) (CloseFunc, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("open %s: nil sink", scope)
	}

	key := scope.Key()
	m.mu.Lock()
	if _, ok := m.scopes[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrScopeOpen, key)
	}
	e := &scopeEntry{
		scope:  scope,
		sink:   sink,
		health: HealthConnecting,
		recon:  newReconnector(&m.cfg),
	}
	// Scope channels retry for as long as the scope is open; the attempt
	// limit only bounds the shared connection.
	e.recon.maxAttempts = 0
	m.scopes[key] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.reactLocked(e, HealthConnecting, HealthConnecting)
	e.mu.Unlock()
	m.log.Debug().Str("scope", key).Msg("scope opened")

	m.subscribe(e)

	var once sync.Once
	return func() { once.Do(func() { m.close(e) }) }, nil
}

// Health returns the current channel health of an open scope.
func (m *Manager) Health(scope Scope) (Health, bool) {
	e := m.entry(scope)
	if e == nil {
		return HealthClosed, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

// Polling reports whether the fallback poller is running for scope.
func (m *Manager) Polling(scope Scope) bool {
	return m.poller.Active(scope.Key())
}

// Scopes lists the keys of open scopes, sorted.
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.scopes))
	for k := range m.scopes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Refetch schedules a snapshot refetch of an open scope.
func (m *Manager) Refetch(scope Scope) {
	e := m.entry(scope)
	if e == nil {
		return
	}
	e.mu.Lock()
	m.queueRefetchLocked(e)
	e.mu.Unlock()
}

// CloseAll closes every open scope.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*scopeEntry, 0, len(m.scopes))
	for _, e := range m.scopes {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.close(e)
	}
}

func (m *Manager) entry(scope Scope) *scopeEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopes[scope.Key()]
}

// ============================================================================
// Channel lifecycle
// ============================================================================

func (m *Manager) subscribe(e *scopeEntry) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	sub, err := m.transport.Subscribe(context.Background(), e.scope, ChannelHandler{
		OnEvent:  func(ev Event) { m.onEvent(e, gen, ev) },
		OnStatus: func(h Health) { m.setHealth(e, gen, h) },
	})

	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	if err != nil {
		e.mu.Unlock()
		m.log.Warn().Err(err).Str("scope", e.scope.Key()).Msg("channel open failed, polling")
		m.setHealth(e, gen, HealthDegraded)
		m.scheduleResubscribe(e)
		return
	}
	e.sub = sub
	e.mu.Unlock()
}

func (m *Manager) setHealth(e *scopeEntry, gen uint64, h Health) {
	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return
	}
	prev := e.health
	e.health = h
	m.reactLocked(e, prev, h)
	if h == HealthHealthy {
		e.recon.markConnected()
	}
	e.mu.Unlock()

	if prev != h {
		m.log.Info().Str("scope", e.scope.Key()).Str("from", string(prev)).Str("to", string(h)).Msg("channel health changed")
		m.health.emit(HealthNotice{Scope: e.scope, Health: h, Polling: m.poller.Active(e.scope.Key())})
	}
	if h == HealthClosed {
		m.scheduleResubscribe(e)
	}
}

// reactLocked starts or stops the poller to match h. Callers hold e.mu, so
// the poller state changes in step with the status callback.
func (m *Manager) reactLocked(e *scopeEntry, prev, h Health) {
	if !e.scope.Pollable() {
		return
	}
	key := e.scope.Key()
	if h == HealthHealthy {
		m.poller.Stop(key)
		if prev != HealthHealthy {
			m.queueRefetchLocked(e)
		}
		return
	}
	m.poller.Start(key, m.cfg.PollInterval, func(ctx context.Context) error {
		return m.fetchAndApply(ctx, e)
	})
}

func (m *Manager) scheduleResubscribe(e *scopeEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.retry != nil {
		return
	}
	if !e.recon.shouldReconnect() {
		m.log.Warn().Str("scope", e.scope.Key()).Msg("giving up on channel, staying on polling")
		return
	}
	delay := e.recon.nextDelay()
	e.retry = m.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		e.retry = nil
		closed := e.closed
		old := e.sub
		e.sub = nil
		e.mu.Unlock()
		if closed {
			return
		}
		if old != nil {
			_ = old.Close()
		}
		m.subscribe(e)
	})
}

func (m *Manager) close(e *scopeEntry) {
	key := e.scope.Key()
	m.mu.Lock()
	if m.scopes[key] == e {
		delete(m.scopes, key)
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.health = HealthClosed
	sub := e.sub
	e.sub = nil
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	if e.refetch != nil {
		e.refetch.Stop()
		e.refetch = nil
	}
	m.poller.Stop(key)
	e.mu.Unlock()

	// Wait out a delivery that started before closed was set.
	e.deliverMu.Lock()
	e.deliverMu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			m.log.Warn().Err(err).Str("scope", key).Msg("unsubscribe failed")
		}
	}
	if f, ok := e.sink.(ScopeForgetter); ok {
		f.Forget(e.scope)
	}
	m.log.Debug().Str("scope", key).Msg("scope closed")
	m.health.emit(HealthNotice{Scope: e.scope, Health: HealthClosed})
}

// ============================================================================
// Delivery
// ============================================================================

func (m *Manager) onEvent(e *scopeEntry, gen uint64, ev Event) {
	e.mu.Lock()
	stale := gen != e.gen
	e.mu.Unlock()
	if stale {
		return
	}
	m.apply(e, ev)
}

func (m *Manager) apply(e *scopeEntry, ev Event) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	err := e.sink.Apply(e.scope, ev)
	if err == nil {
		return
	}
	m.log.Warn().Err(err).Str("scope", e.scope.Key()).Str("event", string(ev.Type)).Msg("event not applied")
	// A rejected snapshot is retried by the next poll, not by another refetch.
	if ev.Type != EventSnapshot && (errors.Is(err, ErrRefetch) || errors.Is(err, ErrMalformedEvent)) {
		e.mu.Lock()
		m.queueRefetchLocked(e)
		e.mu.Unlock()
	}
}

func (m *Manager) fetchAndApply(ctx context.Context, e *scopeEntry) error {
	if m.source == nil {
		return fmt.Errorf("fetch %s: no data source", e.scope)
	}
	snap, err := m.source.Fetch(ctx, e.scope)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.scope, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		snap = &Snapshot{}
	}
	m.apply(e, SnapshotEvent(snap))
	return nil
}

// queueRefetchLocked schedules one snapshot refetch; repeated requests
// before it runs coalesce. Callers hold e.mu.
func (m *Manager) queueRefetchLocked(e *scopeEntry) {
	if e.closed || e.refetchQueued || !e.scope.Pollable() {
		return
	}
	e.refetchQueued = true
	e.refetch = m.clock.AfterFunc(0, func() {
		e.mu.Lock()
		e.refetchQueued = false
		e.refetch = nil
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := m.fetchAndApply(ctx, e); err != nil {
			m.log.Warn().Err(err).Str("scope", e.scope.Key()).Msg("refetch failed")
		}
	})
}
