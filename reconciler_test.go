package roomsync

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestReconciler() *Reconciler {
	return NewReconciler("me", zerolog.Nop())
}

func TestReconciler_Insert(t *testing.T) {
	roomA := MessagesScope("roomA")

	t.Run("duplicate then delete", func(t *testing.T) {
		r := newTestReconciler()
		m := msg("1", "roomA", "bob", t0)
		for _, ev := range []Event{insertEv(t, KindMessage, m), insertEv(t, KindMessage, m), deleteEv(t, KindMessage, "1")} {
			if err := r.Apply(roomA, ev); err != nil {
				t.Fatalf("apply %s: %v", ev.Type, err)
			}
		}
		if _, ok := r.Message("roomA", "1"); ok {
			t.Fatal("message 1 should be gone")
		}
		if n := len(r.Messages("roomA")); n != 0 {
			t.Fatalf("messages = %d, want 0", n)
		}
	})

	t.Run("duplicate insert does not overwrite", func(t *testing.T) {
		r := newTestReconciler()
		m := msg("1", "roomA", "bob", t0)
		r.Apply(roomA, insertEv(t, KindMessage, m))
		m.Content = "rewritten"
		r.Apply(roomA, insertEv(t, KindMessage, m))
		if got, _ := r.Message("roomA", "1"); got.Content != "hi 1" {
			t.Fatalf("content = %q", got.Content)
		}
	})

	t.Run("message for another room is malformed", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomB", "bob", t0)))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v, want ErrMalformedEvent", err)
		}
	})

	t.Run("kind not carried by scope is malformed", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(RoomsScope("me"), insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v, want ErrMalformedEvent", err)
		}
	})

	t.Run("reaction on unknown message asks for refetch", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(roomA, insertEv(t, KindReaction, Reaction{ID: "x", MessageID: "nope", UserID: "bob", Emoji: "+1"}))
		if !errors.Is(err, ErrRefetch) {
			t.Fatalf("err = %v, want ErrRefetch", err)
		}
	})

	t.Run("messages ordered by creation time", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(roomA, insertEv(t, KindMessage, msg("2", "roomA", "bob", t0.Add(time.Second))))
		r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
		if got := ids(r.Messages("roomA")); !equalIDs(got, "1", "2") {
			t.Fatalf("order = %v", got)
		}
	})
}

func TestReconciler_Update(t *testing.T) {
	roomA := MessagesScope("roomA")

	t.Run("shallow merge keeps other fields", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
		if err := r.Apply(roomA, updateEv(t, KindMessage, map[string]any{"id": "1", "content": "edited"})); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ := r.Message("roomA", "1")
		if got.Content != "edited" || got.AuthorID != "bob" || !got.CreatedAt.Equal(t0) {
			t.Fatalf("merged = %+v", got)
		}
	})

	t.Run("unknown entity asks for refetch", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(roomA, updateEv(t, KindMessage, map[string]any{"id": "ghost", "content": "x"}))
		if !errors.Is(err, ErrRefetch) {
			t.Fatalf("err = %v, want ErrRefetch", err)
		}
		if len(r.Messages("roomA")) != 0 {
			t.Fatal("update fabricated an entity")
		}
	})

	t.Run("room change is refetched without moving the message", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
		err := r.Apply(roomA, updateEv(t, KindMessage, map[string]any{"id": "1", "roomId": "roomB"}))
		if !errors.Is(err, ErrRefetch) {
			t.Fatalf("err = %v, want ErrRefetch", err)
		}
		if got, _ := r.Message("roomA", "1"); got.RoomID != "roomA" {
			t.Fatalf("room view holds %+v", got)
		}
	})

	t.Run("update without id is malformed", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(roomA, updateEv(t, KindMessage, map[string]any{"content": "x"}))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v, want ErrMalformedEvent", err)
		}
	})

	t.Run("room update", func(t *testing.T) {
		r := newTestReconciler()
		rooms := RoomsScope("me")
		r.Apply(rooms, insertEv(t, KindRoom, Room{ID: "roomA", Name: "old", Type: "group"}))
		r.Apply(rooms, updateEv(t, KindRoom, map[string]any{"id": "roomA", "name": "new"}))
		got, _ := r.Room("roomA")
		if got.Name != "new" || got.Type != "group" {
			t.Fatalf("room = %+v", got)
		}
	})
}

func TestReconciler_DeleteCascades(t *testing.T) {
	roomA := MessagesScope("roomA")
	r := newTestReconciler()

	r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
	reply := msg("2", "roomA", "bob", t0.Add(time.Second))
	reply.ReplyToID = "1"
	r.Apply(roomA, insertEv(t, KindMessage, reply))
	r.Apply(roomA, insertEv(t, KindReaction, Reaction{ID: "re1", MessageID: "1", UserID: "bob", Emoji: "+1"}))
	r.Apply(roomA, insertEv(t, KindEmbed, Embed{ID: "em1", MessageID: "1", URL: "https://example.com"}))
	r.Apply(roomA, insertEv(t, KindPin, Pin{ID: "p1", RoomID: "roomA", MessageID: "1", CreatedAt: t0}))

	if err := r.Apply(roomA, deleteEv(t, KindMessage, "1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(r.Reactions("1")) != 0 || len(r.Embeds("1")) != 0 {
		t.Fatal("children of deleted message survived")
	}
	if len(r.Pins("roomA")) != 0 {
		t.Fatal("pin of deleted message survived")
	}
	if got, _ := r.Message("roomA", "2"); got.ReplyToID != "" {
		t.Fatalf("reply target not cleared: %q", got.ReplyToID)
	}

	t.Run("unknown id asks for refetch", func(t *testing.T) {
		err := r.Apply(roomA, deleteEv(t, KindMessage, "1"))
		if !errors.Is(err, ErrRefetch) {
			t.Fatalf("err = %v, want ErrRefetch", err)
		}
	})

	t.Run("room delete drops its messages", func(t *testing.T) {
		rooms := RoomsScope("me")
		r.Apply(rooms, insertEv(t, KindRoom, Room{ID: "roomA", Type: "group"}))
		if err := r.Apply(rooms, deleteEv(t, KindRoom, "roomA")); err != nil {
			t.Fatalf("delete room: %v", err)
		}
		if len(r.Messages("roomA")) != 0 {
			t.Fatal("messages of deleted room survived")
		}
	})
}

func TestReconciler_Snapshot(t *testing.T) {
	roomA := MessagesScope("roomA")

	t.Run("replaces and preserves pending local writes", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(roomA, insertEv(t, KindMessage, msg("old", "roomA", "bob", t0)))
		local := msg("local", "roomA", "me", t0.Add(time.Second))
		if err := r.ApplyLocal(roomA, local); err != nil {
			t.Fatalf("apply local: %v", err)
		}

		snap := snapshotOf(t, map[EntityKind][]any{
			KindMessage: {msg("new", "roomA", "bob", t0.Add(2*time.Second))},
		})
		if err := r.Apply(roomA, SnapshotEvent(snap)); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if got := ids(r.Messages("roomA")); !equalIDs(got, "local", "new") {
			t.Fatalf("messages = %v", got)
		}
		if !r.Pending("roomA", "local") {
			t.Fatal("local write should still be pending")
		}
	})

	t.Run("unavailable kind keeps state and flags capability", func(t *testing.T) {
		r := newTestReconciler()
		r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
		r.Apply(roomA, insertEv(t, KindPin, Pin{ID: "p1", RoomID: "roomA", MessageID: "1", CreatedAt: t0}))

		snap := snapshotOf(t, map[EntityKind][]any{KindMessage: {msg("1", "roomA", "bob", t0)}})
		snap.Unavailable = []EntityKind{KindPin}
		r.Apply(roomA, SnapshotEvent(snap))

		if r.Available(roomA, KindPin) {
			t.Fatal("pins should be unavailable")
		}
		if len(r.Pins("roomA")) != 1 {
			t.Fatal("unavailable kind should keep its previous state")
		}

		r.Apply(roomA, SnapshotEvent(snapshotOf(t, map[EntityKind][]any{KindMessage: {msg("1", "roomA", "bob", t0)}})))
		if !r.Available(roomA, KindPin) {
			t.Fatal("next good snapshot should restore pins")
		}
		if len(r.Pins("roomA")) != 0 {
			t.Fatal("pins should follow the snapshot")
		}
	})

	t.Run("bad rows are skipped", func(t *testing.T) {
		r := newTestReconciler()
		snap := snapshotOf(t, map[EntityKind][]any{
			KindRoom: {Room{ID: "a", Type: "dm"}, map[string]string{"name": "no id"}},
		})
		if err := r.Apply(RoomsScope("me"), SnapshotEvent(snap)); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if got := ids(r.Rooms()); !equalIDs(got, "a") {
			t.Fatalf("rooms = %v", got)
		}
	})

	t.Run("snapshot without payload is malformed", func(t *testing.T) {
		r := newTestReconciler()
		err := r.Apply(roomA, Event{Type: EventSnapshot})
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestReconciler_OptimisticEcho(t *testing.T) {
	roomA := MessagesScope("roomA")
	r := newTestReconciler()
	local := msg("m1", "roomA", "me", t0)
	r.ApplyLocal(roomA, local)

	echo := local
	echo.Content = "server copy"
	if err := r.Apply(roomA, insertEv(t, KindMessage, echo)); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if n := len(r.Messages("roomA")); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	got, _ := r.Message("roomA", "m1")
	if got.Content != "server copy" || r.Pending("roomA", "m1") {
		t.Fatalf("echo did not confirm local write: %+v pending=%v", got, r.Pending("roomA", "m1"))
	}
	if r.Discard("roomA", "m1") {
		t.Fatal("confirmed message must not be discarded")
	}

	r.ApplyLocal(roomA, msg("m2", "roomA", "me", t0.Add(time.Second)))
	if !r.Discard("roomA", "m2") {
		t.Fatal("pending message should be discarded")
	}
}

func TestReconciler_Unread(t *testing.T) {
	roomA := MessagesScope("roomA")
	r := newTestReconciler()

	r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
	r.Apply(roomA, insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)))
	r.Apply(roomA, insertEv(t, KindMessage, msg("2", "roomA", "me", t0)))
	r.Apply(roomA, insertEv(t, KindMessage, msg("3", "roomA", "bob", t0)))
	if n := r.Unread("roomA"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	r.Focus("roomA")
	if n := r.Unread("roomA"); n != 0 {
		t.Fatalf("unread after focus = %d", n)
	}
	r.Apply(roomA, insertEv(t, KindMessage, msg("4", "roomA", "bob", t0)))
	if n := r.Unread("roomA"); n != 0 {
		t.Fatalf("focused room counted unread: %d", n)
	}

	r.Blur()
	r.Apply(roomA, insertEv(t, KindMessage, msg("5", "roomA", "bob", t0)))
	r.Apply(MessagesScope("roomB"), insertEv(t, KindMessage, msg("6", "roomB", "bob", t0)))
	if n := r.TotalUnread(); n != 2 {
		t.Fatalf("total unread = %d, want 2", n)
	}
}

func TestReconciler_UnreadFromPolls(t *testing.T) {
	roomA := MessagesScope("roomA")
	r := newTestReconciler()
	poll := func(msgs ...any) {
		t.Helper()
		if err := r.Apply(roomA, SnapshotEvent(snapshotOf(t, map[EntityKind][]any{KindMessage: msgs}))); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}
	m1 := msg("1", "roomA", "bob", t0)
	m2 := msg("2", "roomA", "bob", t0.Add(time.Second))
	m3 := msg("3", "roomA", "me", t0.Add(2*time.Second))
	m4 := msg("4", "roomA", "carol", t0.Add(3*time.Second))

	poll(m1)
	if n := r.Unread("roomA"); n != 0 {
		t.Fatalf("initial load counted %d unread", n)
	}
	poll(m1, m2, m3)
	poll(m1, m2, m3)
	if n := r.Unread("roomA"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}

	r.Focus("roomA")
	poll(m1, m2, m3, m4)
	if n := r.Unread("roomA"); n != 0 {
		t.Fatalf("focused room counted unread: %d", n)
	}
}

// Applying every event twice must give the same collections as once.
func TestReconciler_DuplicateDeliveryIdempotent(t *testing.T) {
	roomA := MessagesScope("roomA")
	edited := map[string]any{"id": "1", "content": "edited"}
	events := []Event{
		insertEv(t, KindMessage, msg("1", "roomA", "bob", t0)),
		insertEv(t, KindMessage, msg("2", "roomA", "carol", t0.Add(time.Second))),
		insertEv(t, KindReaction, Reaction{ID: "re", MessageID: "1", UserID: "carol", Emoji: "+1"}),
		updateEv(t, KindMessage, edited),
		deleteEv(t, KindMessage, "2"),
		insertEv(t, KindMessage, msg("3", "roomA", "bob", t0.Add(2*time.Second))),
	}

	once := newTestReconciler()
	for _, ev := range events {
		once.Apply(roomA, ev)
	}
	twice := newTestReconciler()
	for _, ev := range events {
		twice.Apply(roomA, ev)
		twice.Apply(roomA, ev)
	}

	a, b := once.Messages("roomA"), twice.Messages("roomA")
	if !equalIDs(ids(a), ids(b)...) {
		t.Fatalf("messages differ: %v vs %v", ids(a), ids(b))
	}
	for i := range a {
		if a[i].Content != b[i].Content || a[i].ReplyToID != b[i].ReplyToID {
			t.Fatalf("message %s differs: %+v vs %+v", a[i].ID, a[i], b[i])
		}
	}
	if !equalIDs(ids(once.Reactions("1")), ids(twice.Reactions("1"))...) {
		t.Fatal("reactions differ")
	}
	if once.Unread("roomA") != twice.Unread("roomA") {
		t.Fatalf("unread %d vs %d", once.Unread("roomA"), twice.Unread("roomA"))
	}
}

func TestReconciler_ChangeNotices(t *testing.T) {
	r := newTestReconciler()
	var got []ChangeNotice
	r.OnChange(func(n ChangeNotice) { got = append(got, n) })

	rooms := RoomsScope("me")
	r.Apply(rooms, insertEv(t, KindRoom, Room{ID: "a", Type: "dm"}))
	r.Apply(rooms, insertEv(t, KindRoom, Room{ID: "a", Type: "dm"}))
	if len(got) != 1 || got[0].ID != "a" || got[0].Type != EventInsert {
		t.Fatalf("notices = %+v", got)
	}
}
