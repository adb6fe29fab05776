package roomsync

import (
	"testing"
	"time"
)

func ids[T Entity](items []T) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.EntityID())
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCollection(t *testing.T) {
	byTime := func(a, b Message) bool { return a.CreatedAt.Before(b.CreatedAt) }

	t.Run("insert dedupes by id", func(t *testing.T) {
		c := NewCollection[Message](nil)
		if !c.Insert(msg("1", "r", "u", t0)) {
			t.Fatal("first insert should be new")
		}
		dup := msg("1", "r", "u", t0)
		dup.Content = "changed"
		if c.Insert(dup) {
			t.Fatal("duplicate insert should be rejected")
		}
		if got, _ := c.Get("1"); got.Content != "hi 1" {
			t.Fatalf("duplicate overwrote entity: %q", got.Content)
		}
	})

	t.Run("keeps sort order with stable ties", func(t *testing.T) {
		c := NewCollection(byTime)
		c.Insert(msg("late", "r", "u", t0.Add(2*time.Second)))
		c.Insert(msg("early", "r", "u", t0))
		c.Insert(msg("tie", "r", "u", t0))
		if got := ids(c.Items()); !equalIDs(got, "early", "tie", "late") {
			t.Fatalf("order = %v", got)
		}
	})

	t.Run("put resorts", func(t *testing.T) {
		c := NewCollection(byTime)
		c.Insert(msg("a", "r", "u", t0))
		c.Insert(msg("b", "r", "u", t0.Add(time.Second)))
		c.Put(msg("a", "r", "u", t0.Add(time.Minute)))
		if got := ids(c.Items()); !equalIDs(got, "b", "a") {
			t.Fatalf("order = %v", got)
		}
		if c.Put(msg("zz", "r", "u", t0)) {
			t.Fatal("put of unknown id should fail")
		}
	})

	t.Run("replace keeps pending and reports dropped", func(t *testing.T) {
		c := NewCollection(byTime)
		c.Insert(msg("confirmed", "r", "u", t0))
		c.Insert(msg("local", "r", "u", t0.Add(time.Second)))
		c.SetPending("local", true)
		c.Insert(msg("echoed", "r", "u", t0.Add(2*time.Second)))
		c.SetPending("echoed", true)

		dropped := c.Replace([]Message{
			msg("server", "r", "u", t0.Add(3*time.Second)),
			msg("echoed", "r", "u", t0.Add(2*time.Second)),
		})

		if got := ids(dropped); !equalIDs(got, "confirmed") {
			t.Fatalf("dropped = %v", got)
		}
		if got := ids(c.Items()); !equalIDs(got, "local", "echoed", "server") {
			t.Fatalf("items = %v", got)
		}
		if !c.IsPending("local") {
			t.Fatal("unconfirmed local write lost its pending flag")
		}
		if c.IsPending("echoed") {
			t.Fatal("entity present in the snapshot should be confirmed")
		}
	})

	t.Run("remove clears pending", func(t *testing.T) {
		c := NewCollection[Message](nil)
		c.Insert(msg("1", "r", "u", t0))
		c.SetPending("1", true)
		if _, ok := c.Remove("1"); !ok {
			t.Fatal("remove failed")
		}
		if c.IsPending("1") || c.Len() != 0 {
			t.Fatal("collection not empty after remove")
		}
	})
}
