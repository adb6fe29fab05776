package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// PresenceTracker publishes the local user's state on a presence channel.
type PresenceTracker interface {
	Track(ctx context.Context, scope Scope, state PresenceState) error
	Untrack(ctx context.Context, scope Scope) error
}

// PresenceNotice reports a user's new effective status.
type PresenceNotice struct {
	UserID string
	Status PresenceStatus
}

// PresenceSet is the Sink of the presence scope. Sync and snapshot events
// replace the tracked set; join and leave apply deltas. A user absent from
// the set is offline.
type PresenceSet struct {
	self  Identity
	out   PresenceTracker
	clock Clock
	log   zerolog.Logger

	mu     sync.RWMutex
	states map[string]PresenceState
	own    PresenceStatus

	changes emitter[PresenceNotice]
}

// NewPresenceSet creates an empty set for self. out may be nil when the
// local user never advertises a status.
func NewPresenceSet(self Identity, out PresenceTracker, cfg Config) *PresenceSet {
	cfg.defaults()
	p := &PresenceSet{
		self:   self,
		out:    out,
		clock:  cfg.Clock,
		log:    cfg.Logger.With().Str("module", "sync.presence").Logger(),
		states: make(map[string]PresenceState),
		own:    StatusOffline,
	}
	p.changes.log = p.log
	return p
}

// OnPresence registers an observer for status changes.
func (p *PresenceSet) OnPresence(h func(PresenceNotice)) { p.changes.on(h) }

// Apply handles sync, snapshot, join and leave events on a presence scope.
func (p *PresenceSet) Apply(scope Scope, ev Event) error {
	if scope.Kind != ScopePresence {
		return fmt.Errorf("%w: presence set cannot apply %s", ErrMalformedEvent, scope)
	}
	if err := ev.validate(scope); err != nil {
		return err
	}

	var notices []PresenceNotice
	switch ev.Type {
	case EventSnapshot, EventPresenceSync:
		if ev.Snapshot.unavailable(KindPresence) {
			return nil
		}
		next := make(map[string]PresenceState)
		for _, raw := range ev.Snapshot.Records[KindPresence] {
			st, err := decodePresence(raw)
			if err != nil {
				p.log.Warn().Err(err).Msg("skipping presence row")
				continue
			}
			next[st.UserID] = st
		}
		p.mu.Lock()
		notices = diffPresence(p.states, next)
		p.states = next
		p.mu.Unlock()
	case EventPresenceJoin:
		st, err := decodePresence(ev.Record)
		if err != nil {
			return err
		}
		p.mu.Lock()
		prev := effectiveStatus(p.states, st.UserID)
		p.states[st.UserID] = st
		if cur := effectiveStatus(p.states, st.UserID); cur != prev {
			notices = append(notices, PresenceNotice{UserID: st.UserID, Status: cur})
		}
		p.mu.Unlock()
	case EventPresenceLeave:
		st, err := decodePresence(ev.Record)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if _, ok := p.states[st.UserID]; ok {
			prev := effectiveStatus(p.states, st.UserID)
			delete(p.states, st.UserID)
			if prev != StatusOffline {
				notices = append(notices, PresenceNotice{UserID: st.UserID, Status: StatusOffline})
			}
		}
		p.mu.Unlock()
	default:
		return fmt.Errorf("%w: %s on presence scope", ErrMalformedEvent, ev.Type)
	}

	for _, n := range notices {
		p.changes.emit(n)
	}
	return nil
}

// Status returns userID's status, offline when the user is not tracked.
func (p *PresenceSet) Status(userID string) PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return effectiveStatus(p.states, userID)
}

// Online lists users with a status other than offline, sorted.
func (p *PresenceSet) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var users []string
	for id := range p.states {
		if effectiveStatus(p.states, id) != StatusOffline {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Own returns the status last advertised by SetStatus.
func (p *PresenceSet) Own() PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.own
}

// SetStatus advertises the local user's status. Offline untracks.
func (p *PresenceSet) SetStatus(ctx context.Context, status PresenceStatus) error {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
	default:
		return fmt.Errorf("unknown presence status %q", status)
	}
	if p.out == nil {
		return ErrNotConnected
	}
	scope := PresenceScope(p.self.UserID)
	var err error
	if status == StatusOffline {
		err = p.out.Untrack(ctx, scope)
	} else {
		err = p.out.Track(ctx, scope, PresenceState{UserID: p.self.UserID, Status: status, OnlineAt: p.clock.Now()})
	}
	if err != nil {
		return fmt.Errorf("set presence %s: %w", status, err)
	}
	p.mu.Lock()
	p.own = status
	p.mu.Unlock()
	return nil
}

// Forget drops the tracked set when the presence scope closes.
func (p *PresenceSet) Forget(scope Scope) {
	if scope.Kind != ScopePresence {
		return
	}
	p.mu.Lock()
	p.states = make(map[string]PresenceState)
	p.mu.Unlock()
}

func decodePresence(raw json.RawMessage) (PresenceState, error) {
	var st PresenceState
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if st.UserID == "" {
		return st, fmt.Errorf("%w: presence without user", ErrMalformedEvent)
	}
	return st, nil
}

// effectiveStatus treats a tracked user without a status as online.
func effectiveStatus(states map[string]PresenceState, userID string) PresenceStatus {
	st, ok := states[userID]
	if !ok {
		return StatusOffline
	}
	if st.Status == "" {
		return StatusOnline
	}
	return st.Status
}

func diffPresence(prev, next map[string]PresenceState) []PresenceNotice {
	var notices []PresenceNotice
	for id := range next {
		if s := effectiveStatus(next, id); s != effectiveStatus(prev, id) {
			notices = append(notices, PresenceNotice{UserID: id, Status: s})
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok && effectiveStatus(prev, id) != StatusOffline {
			notices = append(notices, PresenceNotice{UserID: id, Status: StatusOffline})
		}
	}
	sort.Slice(notices, func(i, j int) bool { return notices[i].UserID < notices[j].UserID })
	return notices
}
