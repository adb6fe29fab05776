package roomsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrScopeOpen is returned when a scope is opened twice without closing it first.
	ErrScopeOpen = errors.New("scope already open")
	// ErrClosed is returned by components used after teardown.
	ErrClosed = errors.New("closed")
	// ErrNotConnected is returned when the push channel has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrMalformedEvent marks a payload that failed validation at the reconciliation boundary.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrRefetch asks the owner of a scope to replace it with a fresh snapshot.
	ErrRefetch = errors.New("scope needs refetch")
)

// ============================================================================
// Scopes
// ============================================================================

// ScopeKind names the kind of synchronization unit.
type ScopeKind string

const (
	ScopeRooms    ScopeKind = "rooms"    // rooms visible to a user
	ScopeFriends  ScopeKind = "friends"  // relationships of a user
	ScopeMessages ScopeKind = "messages" // messages, reactions, embeds and pins of a room
	ScopeTyping   ScopeKind = "typing"   // typing broadcasts of a room
	ScopePresence ScopeKind = "presence" // global presence, tracked as a user
)

// Scope is a named synchronization unit. Its Key is stable for the same
// parameters and unique per logical target.
type Scope struct {
	Kind   ScopeKind
	Target string
}

func RoomsScope(userID string) Scope    { return Scope{Kind: ScopeRooms, Target: userID} }
func FriendsScope(userID string) Scope  { return Scope{Kind: ScopeFriends, Target: userID} }
func MessagesScope(roomID string) Scope { return Scope{Kind: ScopeMessages, Target: roomID} }
func TypingScope(roomID string) Scope   { return Scope{Kind: ScopeTyping, Target: roomID} }
func PresenceScope(userID string) Scope { return Scope{Kind: ScopePresence, Target: userID} }

// Key returns the registry key, e.g. "messages:roomA".
func (s Scope) Key() string { return string(s.Kind) + ":" + s.Target }

func (s Scope) String() string { return s.Key() }

// Validate checks the kind is known and the target is set.
func (s Scope) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("scope %q: empty target", s.Kind)
	}
	if _, ok := scopeKinds[s.Kind]; !ok {
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

// Pollable reports whether the scope has fetchable state. Typing is a
// pure broadcast and cannot be recovered by polling.
func (s Scope) Pollable() bool { return s.Kind != ScopeTyping }

// Kinds lists the entity kinds carried by the scope.
func (s Scope) Kinds() []EntityKind { return scopeKinds[s.Kind] }

// Carries reports whether events of the given entity kind belong to the scope.
func (s Scope) Carries(kind EntityKind) bool {
	for _, k := range scopeKinds[s.Kind] {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseScope parses a key produced by Scope.Key.
func ParseScope(key string) (Scope, error) {
	kind, target, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope key %q", key)
	}
	s := Scope{Kind: ScopeKind(kind), Target: target}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

var scopeKinds = map[ScopeKind][]EntityKind{
	ScopeRooms:    {KindRoom},
	ScopeFriends:  {KindRelationship},
	ScopeMessages: {KindMessage, KindReaction, KindEmbed, KindPin},
	ScopeTyping:   {KindTyping},
	ScopePresence: {KindPresence},
}

// ============================================================================
// Channel health
// ============================================================================

// Health is the state of a scope's push channel as reported by the transport.
type Health string

const (
	HealthConnecting Health = "connecting"
	HealthHealthy    Health = "healthy"
	HealthDegraded   Health = "degraded"
	HealthClosed     Health = "closed"
)

// ============================================================================
// Events
// ============================================================================

// EntityKind tags the payload carried by an Event.
type EntityKind string

const (
	KindRoom         EntityKind = "room"
	KindMessage      EntityKind = "message"
	KindRelationship EntityKind = "relationship"
	KindReaction     EntityKind = "reaction"
	KindEmbed        EntityKind = "embed"
	KindPin          EntityKind = "pin"
	KindTyping       EntityKind = "typing"
	KindPresence     EntityKind = "presence"
)

// EventType tags the variant of an Event.
type EventType string

const (
	EventInsert        EventType = "insert"
	EventUpdate        EventType = "update"
	EventDelete        EventType = "delete"
	EventSnapshot      EventType = "snapshot"
	EventBroadcast     EventType = "broadcast"
	EventPresenceSync  EventType = "presence_sync"
	EventPresenceJoin  EventType = "presence_join"
	EventPresenceLeave EventType = "presence_leave"
)

// Event is one inbound item on a scope: a row change, a full snapshot,
// an ephemeral broadcast or a presence delta.
type Event struct {
	Type     EventType       `json:"type"`
	Kind     EntityKind      `json:"kind,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
	Old      json.RawMessage `json:"old,omitempty"`
	Snapshot *Snapshot       `json:"snapshot,omitempty"`
}

// Snapshot is the full state of a scope, keyed by entity kind. Kinds the
// data source could not serve are listed in Unavailable and keep their
// previous local state.
type Snapshot struct {
	Records     map[EntityKind][]json.RawMessage `json:"records"`
	Unavailable []EntityKind                     `json:"unavailable,omitempty"`
}

// SnapshotEvent wraps a snapshot as an Event.
func SnapshotEvent(snap *Snapshot) Event {
	return Event{Type: EventSnapshot, Snapshot: snap}
}

func (s *Snapshot) unavailable(kind EntityKind) bool {
	for _, k := range s.Unavailable {
		if k == kind {
			return true
		}
	}
	return false
}

// validate checks the variant is well formed for the scope it arrived on.
func (e Event) validate(scope Scope) error {
	switch e.Type {
	case EventSnapshot, EventPresenceSync:
		if e.Snapshot == nil {
			return fmt.Errorf("%w: %s without snapshot", ErrMalformedEvent, e.Type)
		}
		return nil
	case EventInsert, EventUpdate, EventBroadcast, EventPresenceJoin, EventPresenceLeave:
		if len(e.Record) == 0 {
			return fmt.Errorf("%w: %s without record", ErrMalformedEvent, e.Type)
		}
	case EventDelete:
		if len(e.Old) == 0 && len(e.Record) == 0 {
			return fmt.Errorf("%w: delete without old record", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	if !scope.Carries(e.Kind) {
		return fmt.Errorf("%w: kind %q on scope %s", ErrMalformedEvent, e.Kind, scope)
	}
	return nil
}
