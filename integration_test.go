//go:build integration

package roomsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/LuminPulse-AI/roomsync"
)

// helpers ---------------------------------------------------------------

func redisStorage(t *testing.T) *roomsync.RedisStorage {
	t.Helper()
	addr := os.Getenv("ROOMSYNC_REDIS_ADDR_TEST")
	if addr == "" {
		t.Fatal("ROOMSYNC_REDIS_ADDR_TEST environment variable is required")
	}
	prefix := fmt.Sprintf("roomsync-test-%d:", time.Now().UnixNano())
	s := roomsync.NewRedisStorage(addr, prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type nopVoice struct{}

func (nopVoice) JoinVoice(context.Context, string) error  { return nil }
func (nopVoice) LeaveVoice(context.Context, string) error { return nil }

// tests -----------------------------------------------------------------

func TestIntegration_RedisStorage(t *testing.T) {
	s := redisStorage(t)
	ctx := context.Background()

	if v, err := s.Get(ctx, "missing"); err != nil || v != nil {
		t.Fatalf("missing = %q, %v", v, err)
	}
	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, _ := s.Get(ctx, "k"); string(v) != "v" {
		t.Fatalf("get = %q", v)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := s.Get(ctx, "k"); v != nil {
		t.Fatalf("deleted = %q", v)
	}
}

func TestIntegration_DraftsAcrossInstances(t *testing.T) {
	s := redisStorage(t)
	ctx := context.Background()
	cfg := roomsync.Config{Clock: roomsync.NewManualClock(time.Now())}

	first := roomsync.NewDraftCache(s, cfg)
	second := roomsync.NewDraftCache(s, cfg)
	first.Set(ctx, "me", "roomA", "started on host one")
	if got := second.Get(ctx, "me", "roomA"); got != "started on host one" {
		t.Fatalf("draft = %q", got)
	}
	second.Clear(ctx, "me", "roomA")
	if got := first.Get(ctx, "me", "roomA"); got != "" {
		t.Fatalf("draft = %q after clear", got)
	}
}

func TestIntegration_VoiceTakeover(t *testing.T) {
	s := redisStorage(t)
	ctx := context.Background()
	clock := roomsync.NewManualClock(time.Now())
	cfg := roomsync.Config{Clock: clock}
	me := roomsync.Identity{UserID: "me"}

	first := roomsync.NewVoiceTracker(me, s, nopVoice{}, cfg)
	second := roomsync.NewVoiceTracker(me, s, nopVoice{}, cfg)
	superseded := false
	first.OnVoice(func(n roomsync.VoiceNotice) { superseded = superseded || n.Superseded })

	if err := first.Join(ctx, "roomA"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := second.Join(ctx, "roomB"); err != nil {
		t.Fatalf("join: %v", err)
	}
	clock.Advance(15 * time.Second)
	if !superseded {
		t.Fatal("first client not superseded")
	}

	second.Teardown()
	rec, err := roomsync.ReadVoiceRecord(ctx, s)
	if err != nil || rec != nil {
		t.Fatalf("record after teardown = %+v, %v", rec, err)
	}
}
