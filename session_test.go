package roomsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, m Message) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, m)
	return &m, nil
}

type sessionFixture struct {
	clock     *ManualClock
	transport *fakeTransport
	source    *fakeSource
	out       *recordingBroadcaster
	voice     *fakeVoice
	sender    *fakeSender
	store     *MemoryStorage
	session   *Session
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		clock:     NewManualClock(t0),
		transport: newFakeTransport(),
		source:    newFakeSource(),
		out:       &recordingBroadcaster{},
		voice:     &fakeVoice{},
		sender:    &fakeSender{},
		store:     NewMemoryStorage(),
	}
	s, err := NewSession(Identity{UserID: "me", DisplayName: "Me"}, testConfig(f.clock), Deps{
		Transport:   f.transport,
		Source:      f.source,
		Broadcaster: f.out,
		Presence:    &fakePresence{},
		Voice:       f.voice,
		Sender:      f.sender,
		Storage:     f.store,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	f.session = s
	return f
}

func TestNewSession_Validation(t *testing.T) {
	if _, err := NewSession(Identity{}, Config{}, Deps{Transport: newFakeTransport()}); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if _, err := NewSession(Identity{UserID: "me"}, Config{}, Deps{}); err == nil {
		t.Fatal("expected error for missing transport")
	}
}

func TestSession_StartAndRooms(t *testing.T) {
	f := newSessionFixture(t)
	putVoiceRecord(t, f.store, VoiceRecord{RoomID: "old", UserID: "me", ClientID: "crashed", HeartbeatAt: t0.Add(-time.Hour)})

	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"friends:me", "presence:me", "rooms:me"}
	got := f.session.Manager().Scopes()
	if len(got) != len(want) {
		t.Fatalf("scopes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scopes = %v, want %v", got, want)
		}
	}
	if len(f.store.Keys("voice:")) != 0 {
		t.Fatal("stale voice record survived start")
	}

	if err := f.session.OpenRoom("roomA"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	if err := f.session.OpenRoom("roomA"); !errors.Is(err, ErrScopeOpen) {
		t.Fatalf("reopen err = %v", err)
	}
	if n := len(f.session.Manager().Scopes()); n != 5 {
		t.Fatalf("scopes after open = %d", n)
	}
	f.session.CloseRoom("roomA")
	if n := len(f.session.Manager().Scopes()); n != 3 {
		t.Fatalf("scopes after close = %d", n)
	}
}

func TestSession_SendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("optimistic insert", func(t *testing.T) {
		f := newSessionFixture(t)
		s := f.session
		s.SetDraft(ctx, "roomA", "hello")
		if s.Draft(ctx, "roomA") != "hello" {
			t.Fatal("draft not saved")
		}

		m, err := s.SendMessage(ctx, "roomA", "hello", "")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if m.AuthorID != "me" || !m.CreatedAt.Equal(t0) {
			t.Fatalf("message = %+v", m)
		}
		if !s.Reconciler().Pending("roomA", m.ID) {
			t.Fatal("message should stay pending until the echo")
		}
		if s.Draft(ctx, "roomA") != "" {
			t.Fatal("draft survived send")
		}
		if n := countTyping(f.out.payloads(), false); n != 1 {
			t.Fatalf("typing=false sends = %d", n)
		}

		if err := s.Reconciler().Apply(MessagesScope("roomA"), insertEv(t, KindMessage, m)); err != nil {
			t.Fatalf("echo: %v", err)
		}
		if s.Reconciler().Pending("roomA", m.ID) || len(s.Reconciler().Messages("roomA")) != 1 {
			t.Fatal("echo did not confirm the optimistic message")
		}
	})

	t.Run("rejected message is discarded", func(t *testing.T) {
		f := newSessionFixture(t)
		f.sender.err = errors.New("403")
		if _, err := f.session.SendMessage(ctx, "roomA", "hello", ""); err == nil {
			t.Fatal("expected error")
		}
		if n := len(f.session.Reconciler().Messages("roomA")); n != 0 {
			t.Fatalf("messages = %d, want the rejected one removed", n)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		f := newSessionFixture(t)
		if _, err := f.session.SendMessage(ctx, "roomA", "   ", ""); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSession_PruneDrafts(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t)
	f.source.set(RoomsScope("me"), snapshotOf(t, map[EntityKind][]any{
		KindRoom: {Room{ID: "roomA", Type: "group", CreatedAt: t0}},
	}))
	f.session.Start(ctx)
	f.clock.Advance(0)
	if len(f.session.Reconciler().Rooms()) != 1 {
		t.Fatal("room snapshot not applied")
	}

	f.session.Drafts().Set(ctx, "me", "roomA", "keep")
	f.session.Drafts().Set(ctx, "me", "roomGone", "drop")
	f.session.PruneDrafts(ctx)

	if f.session.Draft(ctx, "roomA") != "keep" || f.session.Draft(ctx, "roomGone") != "" {
		t.Fatalf("drafts = %v", f.session.Drafts().Entries(ctx, "me"))
	}
}

func TestSession_Resync(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session
	s.Start(context.Background())
	s.OpenRoom("roomA")
	f.clock.Advance(0)

	fetches := func() map[string]int {
		f.source.mu.Lock()
		defer f.source.mu.Unlock()
		out := make(map[string]int, len(f.source.calls))
		for k, v := range f.source.calls {
			out[k] = v
		}
		return out
	}
	before := fetches()

	if err := s.Resync(); err != nil {
		t.Fatalf("resync: %v", err)
	}
	f.clock.Advance(0)
	after := fetches()
	for _, key := range []string{"friends:me", "messages:roomA", "presence:me", "rooms:me"} {
		if after[key] != before[key]+1 {
			t.Fatalf("%s fetched %d times, want %d", key, after[key], before[key]+1)
		}
	}
	if after["typing:roomA"] != 0 {
		t.Fatal("typing scope was fetched")
	}

	if err := s.Resync("rooms:me"); err != nil {
		t.Fatalf("resync rooms: %v", err)
	}
	f.clock.Advance(0)
	if got := fetches(); got["rooms:me"] != after["rooms:me"]+1 || got["friends:me"] != after["friends:me"] {
		t.Fatalf("fetches = %v", got)
	}

	if err := s.Resync("nonsense"); err == nil {
		t.Fatal("expected error for an invalid scope key")
	}
}

func TestSession_Teardown(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t)
	s := f.session
	s.Start(ctx)
	s.OpenRoom("roomA")
	s.SetDraft(ctx, "roomA", "typing away")
	if err := s.Voice().Join(ctx, "roomA"); err != nil {
		t.Fatalf("join: %v", err)
	}

	s.Teardown()
	s.Teardown()

	for _, key := range []string{"rooms:me", "messages:roomA", "typing:roomA"} {
		f.transport.mu.Lock()
		sub := f.transport.subs[key]
		f.transport.mu.Unlock()
		if sub == nil || !sub.isClosed() {
			t.Fatalf("%s not closed", key)
		}
	}
	if len(f.store.Keys("voice:")) != 0 {
		t.Fatal("voice record survived teardown")
	}
	if len(f.voice.leaves) != 1 {
		t.Fatalf("voice leaves = %v", f.voice.leaves)
	}
	if n := countTyping(f.out.payloads(), false); n != 1 {
		t.Fatalf("typing=false sends = %d", n)
	}
	if err := s.OpenRoom("roomB"); !errors.Is(err, ErrClosed) {
		t.Fatalf("open after teardown err = %v", err)
	}
	if f.session.Draft(ctx, "roomA") != "typing away" {
		t.Fatal("teardown must not drop drafts")
	}
}
