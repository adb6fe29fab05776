package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testConfig(clock *ManualClock) Config {
	return Config{Clock: clock}.withDefaults()
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func insertEv(t *testing.T, kind EntityKind, v any) Event {
	return Event{Type: EventInsert, Kind: kind, Record: mustRaw(t, v)}
}

func updateEv(t *testing.T, kind EntityKind, patch map[string]any) Event {
	return Event{Type: EventUpdate, Kind: kind, Record: mustRaw(t, patch)}
}

func deleteEv(t *testing.T, kind EntityKind, id string) Event {
	return Event{Type: EventDelete, Kind: kind, Old: mustRaw(t, map[string]string{"id": id})}
}

func snapshotOf(t *testing.T, records map[EntityKind][]any) *Snapshot {
	snap := &Snapshot{Records: map[EntityKind][]json.RawMessage{}}
	for kind, rows := range records {
		for _, row := range rows {
			snap.Records[kind] = append(snap.Records[kind], mustRaw(t, row))
		}
	}
	return snap
}

func msg(id, room, author string, at time.Time) Message {
	return Message{ID: id, RoomID: room, AuthorID: author, Content: "hi " + id, CreatedAt: at}
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu       sync.Mutex
	subs     map[string]*fakeSub
	failOpen error
	opened   int
}

type fakeSub struct {
	ft     *fakeTransport
	scope  Scope
	h      ChannelHandler
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]*fakeSub)}
}

func (f *fakeTransport) Subscribe(_ context.Context, scope Scope, h ChannelHandler) (Subscription, error) {
	f.mu.Lock()
	f.opened++
	if f.failOpen != nil {
		err := f.failOpen
		f.mu.Unlock()
		return nil, err
	}
	s := &fakeSub{ft: f, scope: scope, h: h}
	f.subs[scope.Key()] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTransport) sub(t *testing.T, scope Scope) *fakeSub {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[scope.Key()]
	if !ok {
		t.Fatalf("no subscription for %s", scope)
	}
	return s
}

func (f *fakeTransport) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (s *fakeSub) Close() error {
	s.ft.mu.Lock()
	defer s.ft.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.ft.mu.Lock()
	defer s.ft.mu.Unlock()
	return s.closed
}

func (s *fakeSub) status(h Health) { s.h.OnStatus(h) }
func (s *fakeSub) event(ev Event)  { s.h.OnEvent(ev) }

// ============================================================================
// Fake data source
// ============================================================================

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	err   error
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]*Snapshot), calls: make(map[string]int)}
}

func (f *fakeSource) Fetch(_ context.Context, scope Scope) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[scope.Key()]++
	if f.err != nil {
		return nil, f.err
	}
	if snap, ok := f.snaps[scope.Key()]; ok {
		return snap, nil
	}
	return &Snapshot{}, nil
}

func (f *fakeSource) set(scope Scope, snap *Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[scope.Key()] = snap
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) count(scope Scope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[scope.Key()]
}

// ============================================================================
// Fake sinks and collaborators
// ============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	forgot int
}

func (r *recordingSink) Apply(_ Scope, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) Forget(Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot++
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []TypingPayload
	err  error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, _ Scope, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := payload.(TypingPayload); ok {
		b.sent = append(b.sent, p)
	}
	return b.err
}

func (b *recordingBroadcaster) payloads() []TypingPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TypingPayload(nil), b.sent...)
}

type fakeVoice struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	err    error
}

func (f *fakeVoice) JoinVoice(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeVoice) LeaveVoice(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, roomID)
	return nil
}

type fakePresence struct {
	tracked   []PresenceState
	untracked int
}

func (f *fakePresence) Track(_ context.Context, _ Scope, st PresenceState) error {
	f.tracked = append(f.tracked, st)
	return nil
}

func (f *fakePresence) Untrack(context.Context, Scope) error {
	f.untracked++
	return nil
}

// brokenStorage fails every call.
type brokenStorage struct{}

var errStorageDown = errors.New("storage down")

func (brokenStorage) Get(context.Context, string) ([]byte, error) { return nil, errStorageDown }
func (brokenStorage) Put(context.Context, string, []byte) error   { return errStorageDown }
func (brokenStorage) Delete(context.Context, string) error        { return errStorageDown }
