package roomsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the data source.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic data-source response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Identity is the signed-in user shared by every component of a session.
type Identity struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// ============================================================================
// Entities
// ============================================================================

// Entity is anything stored in a canonical collection.
type Entity interface {
	EntityID() string
}

// Room is a conversation: a direct message or a group.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (r Room) EntityID() string { return r.ID }

// Message is a chat message in a room.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomId"`
	AuthorID  string     `json:"authorId"`
	Content   string     `json:"content"`
	ReplyToID string     `json:"replyToId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

func (m Message) EntityID() string { return m.ID }

// Relationship statuses.
const (
	RelationshipPending  = "pending"
	RelationshipAccepted = "accepted"
	RelationshipBlocked  = "blocked"
)

// Relationship is a friendship edge between two users.
type Relationship struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PeerID    string    `json:"peerId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r Relationship) EntityID() string { return r.ID }

// Reaction is an emoji reaction on a message.
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

func (r Reaction) EntityID() string { return r.ID }

// Embed is a link preview attached to a message.
type Embed struct {
	ID          string `json:"id"`
	MessageID   string `json:"messageId"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

func (e Embed) EntityID() string { return e.ID }

// Pin marks a message as pinned in its room.
type Pin struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	PinnedBy  string    `json:"pinnedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p Pin) EntityID() string { return p.ID }

// ============================================================================
// Ephemeral payloads
// ============================================================================

// PresenceStatus is a user's advertised availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusDND     PresenceStatus = "dnd"
	StatusOffline PresenceStatus = "offline"
)

// PresenceState is what a client tracks on the presence channel.
type PresenceState struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	OnlineAt time.Time      `json:"onlineAt,omitempty"`
}

// TypingPayload is the broadcast sent while composing.
type TypingPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Typing      bool   `json:"typing"`
}
