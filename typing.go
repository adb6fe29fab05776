package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster sends an ephemeral, non-persisted payload on a scope.
type Broadcaster interface {
	Broadcast(ctx context.Context, scope Scope, payload any) error
}

// TypingNotice carries the display names typing in a room, in arrival order.
type TypingNotice struct {
	RoomID string
	Names  []string
}

const sendTimeout = 5 * time.Second

// TypingTracker runs both halves of the typing protocol for one user.
//
// Locally, each room is idle or announcing. Input with content announces
// "typing=true" at most once per throttle window; emptied content, a sent
// message, blur or the inactivity timeout return the room to idle and send
// a single "typing=false".
//
// Remotely, it is the Sink of typing scopes: every "typing=true" re-arms the
// sender's expiry timer and "typing=false" or expiry removes the sender.
type TypingTracker struct {
	self       Identity
	out        Broadcaster
	clock      Clock
	throttle   time.Duration
	inactivity time.Duration
	expiry     time.Duration
	log        zerolog.Logger

	// sendMu orders broadcasts the same way as the transitions producing
	// them. It is taken before mu is released.
	sendMu sync.Mutex

	mu     sync.Mutex
	local  map[string]*announcer
	remote map[string]*typingRoom
	closed bool

	notices emitter[TypingNotice]
}

type announcer struct {
	announcing bool
	lastTrue   time.Time
	idle       Timer
	gen        uint64
}

type typingRoom struct {
	order   []string
	entries map[string]*typingEntry
}

type typingEntry struct {
	name  string
	timer Timer
	gen   uint64
}

// NewTypingTracker creates a tracker announcing as self through out.
func NewTypingTracker(self Identity, out Broadcaster, cfg Config) *TypingTracker {
	cfg.defaults()
	t := &TypingTracker{
		self:       self,
		out:        out,
		clock:      cfg.Clock,
		throttle:   cfg.TypingThrottle,
		inactivity: cfg.TypingInactivity,
		expiry:     cfg.TypingExpiry,
		log:        cfg.Logger.With().Str("module", "sync.typing").Logger(),
		local:      make(map[string]*announcer),
		remote:     make(map[string]*typingRoom),
	}
	t.notices.log = t.log
	return t
}

// OnTyping registers an observer for changes to a room's typing set.
func (t *TypingTracker) OnTyping(h func(TypingNotice)) { t.notices.on(h) }

// ============================================================================
// Local announcer
// ============================================================================

// Input reports the composer content of roomID after a local change.
func (t *TypingTracker) Input(ctx context.Context, roomID, content string) {
	if strings.TrimSpace(content) == "" {
		t.Stop(ctx, roomID)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	a := t.local[roomID]
	if a == nil {
		a = &announcer{}
		t.local[roomID] = a
	}
	now := t.clock.Now()
	send := a.lastTrue.IsZero() || now.Sub(a.lastTrue) >= t.throttle
	if send {
		a.lastTrue = now
	}
	a.announcing = true
	a.gen++
	gen := a.gen
	if a.idle != nil {
		a.idle.Stop()
	}
	a.idle = t.clock.AfterFunc(t.inactivity, func() { t.expireLocal(roomID, gen) })

	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()
	if send {
		t.send(ctx, roomID, true)
	}
}

// Sent marks the composed message for roomID as sent.
func (t *TypingTracker) Sent(ctx context.Context, roomID string) { t.Stop(ctx, roomID) }

// Blur marks the composer for roomID as no longer focused.
func (t *TypingTracker) Blur(ctx context.Context, roomID string) { t.Stop(ctx, roomID) }

// Stop returns roomID to idle, sending "typing=false" if it was announcing.
func (t *TypingTracker) Stop(ctx context.Context, roomID string) {
	t.mu.Lock()
	if !t.stopLocked(roomID, 0) {
		t.mu.Unlock()
		return
	}
	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()
	t.send(ctx, roomID, false)
}

// Announcing reports whether the local user is announcing in roomID.
func (t *TypingTracker) Announcing(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.local[roomID]
	return a != nil && a.announcing
}

func (t *TypingTracker) expireLocal(roomID string, gen uint64) {
	t.mu.Lock()
	if !t.stopLocked(roomID, gen) {
		t.mu.Unlock()
		return
	}
	t.log.Debug().Str("room", roomID).Msg("typing inactive")
	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	t.send(ctx, roomID, false)
}

// stopLocked moves an announcing room to idle and reports whether it did.
// A non-zero gen only matches the inactivity timer armed with it.
func (t *TypingTracker) stopLocked(roomID string, gen uint64) bool {
	a := t.local[roomID]
	if a == nil || !a.announcing || (gen != 0 && gen != a.gen) {
		return false
	}
	a.announcing = false
	a.gen++
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
	return true
}

func (t *TypingTracker) send(ctx context.Context, roomID string, typing bool) {
	if t.out == nil {
		return
	}
	payload := TypingPayload{UserID: t.self.UserID, DisplayName: t.self.DisplayName, Typing: typing}
	if err := t.out.Broadcast(ctx, TypingScope(roomID), payload); err != nil {
		t.log.Warn().Err(err).Str("room", roomID).Bool("typing", typing).Msg("typing broadcast failed")
	}
}

// ============================================================================
// Remote typing sets
// ============================================================================

// Apply handles a typing broadcast received on a typing scope.
func (t *TypingTracker) Apply(scope Scope, ev Event) error {
	if scope.Kind != ScopeTyping {
		return fmt.Errorf("%w: typing tracker cannot apply %s", ErrMalformedEvent, scope)
	}
	if err := ev.validate(scope); err != nil {
		return err
	}
	if ev.Type != EventBroadcast {
		return fmt.Errorf("%w: %s on typing scope", ErrMalformedEvent, ev.Type)
	}
	var p TypingPayload
	if err := json.Unmarshal(ev.Record, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: typing payload without user", ErrMalformedEvent)
	}
	if p.UserID == t.self.UserID {
		return nil
	}

	roomID := scope.Target
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	var changed bool
	if p.Typing {
		changed = t.refreshLocked(roomID, p)
	} else {
		changed = t.removeLocked(roomID, p.UserID, 0)
	}
	names := t.namesLocked(roomID)
	t.mu.Unlock()

	if changed {
		t.notices.emit(TypingNotice{RoomID: roomID, Names: names})
	}
	return nil
}

func (t *TypingTracker) refreshLocked(roomID string, p TypingPayload) bool {
	r := t.remote[roomID]
	if r == nil {
		r = &typingRoom{entries: make(map[string]*typingEntry)}
		t.remote[roomID] = r
	}
	name := p.DisplayName
	if name == "" {
		name = p.UserID
	}
	e, ok := r.entries[p.UserID]
	changed := !ok || e.name != name
	if !ok {
		e = &typingEntry{}
		r.entries[p.UserID] = e
		r.order = append(r.order, p.UserID)
	} else {
		e.timer.Stop()
	}
	e.name = name
	e.gen++
	gen := e.gen
	userID := p.UserID
	e.timer = t.clock.AfterFunc(t.expiry, func() { t.expireRemote(roomID, userID, gen) })
	return changed
}

// removeLocked drops userID from roomID's set. A non-zero gen only matches
// the expiry timer armed with it.
func (t *TypingTracker) removeLocked(roomID, userID string, gen uint64) bool {
	r := t.remote[roomID]
	if r == nil {
		return false
	}
	e, ok := r.entries[userID]
	if !ok || (gen != 0 && gen != e.gen) {
		return false
	}
	e.timer.Stop()
	delete(r.entries, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.entries) == 0 {
		delete(t.remote, roomID)
	}
	return true
}

func (t *TypingTracker) expireRemote(roomID, userID string, gen uint64) {
	t.mu.Lock()
	removed := t.removeLocked(roomID, userID, gen)
	names := t.namesLocked(roomID)
	t.mu.Unlock()
	if removed {
		t.log.Debug().Str("room", roomID).Str("user", userID).Msg("typing expired")
		t.notices.emit(TypingNotice{RoomID: roomID, Names: names})
	}
}

func (t *TypingTracker) namesLocked(roomID string) []string {
	r := t.remote[roomID]
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, r.entries[id].name)
	}
	return names
}

// Typing returns the display names typing in roomID, in arrival order.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesLocked(roomID)
}

// Forget releases the timers of a closed typing scope. A room still
// announcing sends its final "typing=false".
func (t *TypingTracker) Forget(scope Scope) {
	if scope.Kind != ScopeTyping {
		return
	}
	roomID := scope.Target
	t.mu.Lock()
	var hadNames bool
	if r := t.remote[roomID]; r != nil {
		for _, e := range r.entries {
			e.timer.Stop()
		}
		delete(t.remote, roomID)
		hadNames = true
	}
	stopped := t.stopLocked(roomID, 0)
	delete(t.local, roomID)
	t.sendMu.Lock()
	t.mu.Unlock()

	if stopped {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		t.send(ctx, roomID, false)
		cancel()
	}
	t.sendMu.Unlock()
	if hadNames {
		t.notices.emit(TypingNotice{RoomID: roomID})
	}
}

// Close stops every timer. Rooms still announcing send "typing=false".
func (t *TypingTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var rooms []string
	for roomID := range t.local {
		if t.stopLocked(roomID, 0) {
			rooms = append(rooms, roomID)
		}
	}
	for _, r := range t.remote {
		for _, e := range r.entries {
			e.timer.Stop()
		}
	}
	t.remote = make(map[string]*typingRoom)
	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, roomID := range rooms {
		t.send(ctx, roomID, false)
	}
}
