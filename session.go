package roomsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// MessageSender creates messages on the data source.
type MessageSender interface {
	SendMessage(ctx context.Context, msg Message) (*Message, error)
}

// Deps are the external collaborators of a Session. Transport is required.
// Broadcaster and Presence default to Transport, and Voice and Sender to
// Source, when those implement the interfaces. Storage defaults to memory.
type Deps struct {
	Transport   Transport
	Source      Source
	Broadcaster Broadcaster
	Presence    PresenceTracker
	Voice       VoiceMembership
	Sender      MessageSender
	Storage     Storage
}

// Session wires every component for one signed-in user. The components
// share only the identity; each owns its own state.
type Session struct {
	self Identity
	cfg  Config
	log  zerolog.Logger

	manager    *Manager
	reconciler *Reconciler
	typing     *TypingTracker
	presence   *PresenceSet
	voice      *VoiceTracker
	drafts     *LocalCache
	peers      *LocalCache
	search     *LocalCache
	sender     MessageSender

	mu      sync.Mutex
	closed  bool
	closers map[string]CloseFunc
}

// NewSession builds a session for self.
func NewSession(self Identity, cfg Config, deps Deps) (*Session, error) {
	if self.UserID == "" {
		return nil, errors.New("session: identity without user id")
	}
	if deps.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	cfg.defaults()

	if deps.Broadcaster == nil {
		deps.Broadcaster, _ = deps.Transport.(Broadcaster)
	}
	if deps.Presence == nil {
		deps.Presence, _ = deps.Transport.(PresenceTracker)
	}
	if deps.Voice == nil {
		deps.Voice, _ = deps.Source.(VoiceMembership)
	}
	if deps.Sender == nil {
		deps.Sender, _ = deps.Source.(MessageSender)
	}
	if deps.Storage == nil {
		deps.Storage = NewMemoryStorage()
	}

	return &Session{
		self:       self,
		cfg:        cfg,
		log:        cfg.Logger.With().Str("module", "sync.session").Str("user", self.UserID).Logger(),
		manager:    NewManager(deps.Transport, deps.Source, cfg),
		reconciler: NewReconciler(self.UserID, *cfg.Logger),
		typing:     NewTypingTracker(self, deps.Broadcaster, cfg),
		presence:   NewPresenceSet(self, deps.Presence, cfg),
		voice:      NewVoiceTracker(self, deps.Storage, deps.Voice, cfg),
		drafts:     NewDraftCache(deps.Storage, cfg),
		peers:      NewPeerCache(deps.Storage, cfg),
		search:     NewSearchHistory(deps.Storage, cfg),
		sender:     deps.Sender,
		closers:    make(map[string]CloseFunc),
	}, nil
}

func (s *Session) Identity() Identity        { return s.self }
func (s *Session) Manager() *Manager          { return s.manager }
func (s *Session) Reconciler() *Reconciler    { return s.reconciler }
func (s *Session) Typing() *TypingTracker     { return s.typing }
func (s *Session) Presence() *PresenceSet     { return s.presence }
func (s *Session) Voice() *VoiceTracker       { return s.voice }
func (s *Session) Drafts() *LocalCache        { return s.drafts }
func (s *Session) Peers() *LocalCache         { return s.peers }
func (s *Session) SearchHistory() *LocalCache { return s.search }

// Start cleans up a voice session left by a previous run and opens the
// user's rooms, relationships and presence scopes.
func (s *Session) Start(ctx context.Context) error {
	s.voice.Recover(ctx)
	scopes := []struct {
		scope Scope
		sink  Sink
	}{
		{RoomsScope(s.self.UserID), s.reconciler},
		{FriendsScope(s.self.UserID), s.reconciler},
		{PresenceScope(s.self.UserID), s.presence},
	}
	for _, sc := range scopes {
		if err := s.open(sc.scope, sc.sink); err != nil {
			return err
		}
	}
	s.log.Info().Msg("session started")
	return nil
}

// OpenRoom opens the messages and typing scopes of roomID.
func (s *Session) OpenRoom(roomID string) error {
	if err := s.open(MessagesScope(roomID), s.reconciler); err != nil {
		return err
	}
	if err := s.open(TypingScope(roomID), s.typing); err != nil {
		s.close(MessagesScope(roomID))
		return err
	}
	return nil
}

// CloseRoom closes the scopes opened by OpenRoom.
func (s *Session) CloseRoom(roomID string) {
	s.close(TypingScope(roomID))
	s.close(MessagesScope(roomID))
}

// FocusRoom marks roomID as viewed, clearing its unread counter.
func (s *Session) FocusRoom(roomID string) { s.reconciler.Focus(roomID) }

// BlurRoom marks no room as viewed and stops announcing typing in roomID.
func (s *Session) BlurRoom(ctx context.Context, roomID string) {
	s.reconciler.Blur()
	s.typing.Blur(ctx, roomID)
}

// Resync refetches the scopes named by keys from the data source, or every
// open scope when keys is empty. Scopes without fetchable state are skipped.
func (s *Session) Resync(keys ...string) error {
	if len(keys) == 0 {
		keys = s.manager.Scopes()
	}
	for _, key := range keys {
		scope, err := ParseScope(key)
		if err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		s.manager.Refetch(scope)
	}
	return nil
}

// Draft returns the saved composer content of roomID.
func (s *Session) Draft(ctx context.Context, roomID string) string {
	return s.drafts.Get(ctx, s.self.UserID, roomID)
}

// SetDraft saves the composer content of roomID and drives typing.
func (s *Session) SetDraft(ctx context.Context, roomID, content string) {
	s.drafts.Set(ctx, s.self.UserID, roomID, content)
	s.typing.Input(ctx, roomID, content)
}

// PruneDrafts drops drafts of rooms the user no longer sees.
func (s *Session) PruneDrafts(ctx context.Context) {
	rooms := s.reconciler.Rooms()
	known := make([]string, 0, len(rooms))
	for _, r := range rooms {
		known = append(known, r.ID)
	}
	s.drafts.Prune(ctx, s.self.UserID, known)
}

// SendMessage inserts the message optimistically, then creates it on the
// data source. A rejected message is discarded from the local view.
func (s *Session) SendMessage(ctx context.Context, roomID, content, replyTo string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, errors.New("send message: empty content")
	}
	if s.sender == nil {
		return Message{}, errors.New("send message: no message sender")
	}
	msg := Message{
		ID:        NewMessageID(),
		RoomID:    roomID,
		AuthorID:  s.self.UserID,
		Content:   content,
		ReplyToID: replyTo,
		CreatedAt: s.cfg.Clock.Now(),
	}
	if err := s.reconciler.ApplyLocal(MessagesScope(roomID), msg); err != nil {
		return Message{}, err
	}
	s.typing.Sent(ctx, roomID)
	s.drafts.Clear(ctx, s.self.UserID, roomID)

	if _, err := s.sender.SendMessage(ctx, msg); err != nil {
		s.reconciler.Discard(roomID, msg.ID)
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Teardown closes every scope, stops typing and leaves any voice call. The
// hosting application calls it on shutdown or navigation.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closers = make(map[string]CloseFunc)
	s.mu.Unlock()

	s.manager.CloseAll()
	s.typing.Close()
	s.voice.Teardown()
	s.log.Info().Msg("session torn down")
}

func (s *Session) open(scope Scope, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	closeFn, err := s.manager.Open(scope, sink)
	if err != nil {
		return err
	}
	s.closers[scope.Key()] = closeFn
	return nil
}

func (s *Session) close(scope Scope) {
	s.mu.Lock()
	closeFn, ok := s.closers[scope.Key()]
	delete(s.closers, scope.Key())
	s.mu.Unlock()
	if ok {
		closeFn()
	}
}
