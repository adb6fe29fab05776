package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VoiceMembership joins and leaves voice calls on the data source.
type VoiceMembership interface {
	JoinVoice(ctx context.Context, roomID string) error
	LeaveVoice(ctx context.Context, roomID string) error
}

// VoiceRecord is the persisted voice session. It outlives the process so
// the next start can detect and clean up a session that was never left.
type VoiceRecord struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// VoiceNotice reports the local voice membership. An empty RoomID means
// not in a call; Superseded is set when another client took the session.
type VoiceNotice struct {
	RoomID     string
	Superseded bool
}

// VoiceRecordKey is the storage key of the persisted voice session.
const VoiceRecordKey = "voice:session"

// VoiceTracker owns the persisted voice record of the local client: it
// writes it on join, rewrites its heartbeat on a fixed interval, and
// deletes it on leave or teardown. Heartbeat writes and deletes happen
// under the same lock, so a delete is never followed by a late heartbeat.
type VoiceTracker struct {
	self      Identity
	clientID  string
	store     Storage
	remote    VoiceMembership
	clock     Clock
	heartbeat time.Duration
	stale     time.Duration
	log       zerolog.Logger

	// op serializes Join, Leave and Teardown across their remote calls.
	op sync.Mutex

	mu   sync.Mutex
	room string
	hb   Timer
	gen  uint64

	notices emitter[VoiceNotice]
}

// NewVoiceTracker creates a tracker with a fresh client id.
func NewVoiceTracker(self Identity, store Storage, remote VoiceMembership, cfg Config) *VoiceTracker {
	cfg.defaults()
	clientID := uuid.NewString()
	v := &VoiceTracker{
		self:      self,
		clientID:  clientID,
		store:     store,
		remote:    remote,
		clock:     cfg.Clock,
		heartbeat: cfg.VoiceHeartbeat,
		stale:     cfg.VoiceStaleAfter,
		log:       cfg.Logger.With().Str("module", "sync.voice").Str("client", clientID).Logger(),
	}
	v.notices.log = v.log
	return v
}

// ClientID identifies this instance in the persisted record.
func (v *VoiceTracker) ClientID() string { return v.clientID }

// OnVoice registers an observer for membership changes.
func (v *VoiceTracker) OnVoice(h func(VoiceNotice)) { v.notices.on(h) }

// Current returns the room of the active call.
func (v *VoiceTracker) Current() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.room, v.room != ""
}

// Recover inspects the persisted record at startup and deletes it when it
// belongs to another user or its heartbeat is older than the staleness
// threshold. It reports whether a record was removed.
func (v *VoiceTracker) Recover(ctx context.Context) bool {
	v.op.Lock()
	defer v.op.Unlock()
	return v.clearStale(ctx)
}

// Join enters roomID's call, leaving the current one first. A stale or
// foreign record never blocks the join; a fresh record of another client
// of the same user is overwritten, and that client sees itself superseded.
func (v *VoiceTracker) Join(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("join voice: empty room id")
	}
	v.op.Lock()
	defer v.op.Unlock()

	if cur, ok := v.Current(); ok {
		if cur == roomID {
			return nil
		}
		if err := v.leave(ctx); err != nil {
			v.log.Warn().Err(err).Str("room", cur).Msg("leaving previous call failed")
		}
	}
	v.clearStale(ctx)

	if v.remote != nil {
		if err := v.remote.JoinVoice(ctx, roomID); err != nil {
			return fmt.Errorf("join voice %s: %w", roomID, err)
		}
	}

	v.mu.Lock()
	v.room = roomID
	v.gen++
	v.writeLocked(ctx)
	v.armLocked()
	v.mu.Unlock()

	v.log.Info().Str("room", roomID).Msg("joined voice")
	v.notices.emit(VoiceNotice{RoomID: roomID})
	return nil
}

// Leave ends the active call. The heartbeat stops and the record is
// deleted before the data source is told.
func (v *VoiceTracker) Leave(ctx context.Context) error {
	v.op.Lock()
	defer v.op.Unlock()
	return v.leave(ctx)
}

// Teardown is the shutdown hook: it leaves the active call, if any, with
// a bounded deadline.
func (v *VoiceTracker) Teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := v.Leave(ctx); err != nil {
		v.log.Warn().Err(err).Msg("voice teardown")
	}
}

func (v *VoiceTracker) leave(ctx context.Context) error {
	v.mu.Lock()
	roomID := v.room
	if roomID == "" {
		v.mu.Unlock()
		return nil
	}
	v.room = ""
	v.gen++
	if v.hb != nil {
		v.hb.Stop()
		v.hb = nil
	}
	if rec := v.read(ctx); rec == nil || rec.ClientID == v.clientID {
		v.delete(ctx)
	}
	v.mu.Unlock()

	v.log.Info().Str("room", roomID).Msg("left voice")
	v.notices.emit(VoiceNotice{})
	if v.remote != nil {
		if err := v.remote.LeaveVoice(ctx, roomID); err != nil {
			return fmt.Errorf("leave voice %s: %w", roomID, err)
		}
	}
	return nil
}

// clearStale deletes a foreign or stale record. Our own stale membership is
// also left on the data source, best effort.
func (v *VoiceTracker) clearStale(ctx context.Context) bool {
	v.mu.Lock()
	rec := v.read(ctx)
	if rec == nil {
		v.mu.Unlock()
		return false
	}
	foreign := rec.UserID != v.self.UserID
	stale := v.clock.Now().Sub(rec.HeartbeatAt) > v.stale
	if !foreign && !stale {
		v.mu.Unlock()
		return false
	}
	v.delete(ctx)
	v.mu.Unlock()

	v.log.Info().Str("room", rec.RoomID).Str("owner", rec.UserID).Bool("foreign", foreign).Msg("removed voice record")
	if !foreign && v.remote != nil {
		if err := v.remote.LeaveVoice(ctx, rec.RoomID); err != nil {
			v.log.Warn().Err(err).Str("room", rec.RoomID).Msg("leaving stale call failed")
		}
	}
	return true
}

func (v *VoiceTracker) armLocked() {
	gen := v.gen
	v.hb = v.clock.AfterFunc(v.heartbeat, func() { v.beat(gen) })
}

func (v *VoiceTracker) beat(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	v.mu.Lock()
	if gen != v.gen || v.room == "" {
		v.mu.Unlock()
		return
	}
	if rec := v.read(ctx); rec != nil && rec.ClientID != v.clientID {
		roomID := v.room
		v.room = ""
		v.gen++
		v.hb = nil
		v.mu.Unlock()
		v.log.Warn().Str("room", roomID).Str("by", rec.ClientID).Msg("voice session superseded")
		v.notices.emit(VoiceNotice{Superseded: true})
		return
	}
	v.writeLocked(ctx)
	v.armLocked()
	v.mu.Unlock()
}

// Storage faults are logged and absorbed: the call itself keeps going.

func (v *VoiceTracker) writeLocked(ctx context.Context) {
	rec := VoiceRecord{RoomID: v.room, UserID: v.self.UserID, ClientID: v.clientID, HeartbeatAt: v.clock.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		v.log.Warn().Err(err).Msg("encode voice record")
		return
	}
	if err := v.store.Put(ctx, VoiceRecordKey, data); err != nil {
		v.log.Warn().Err(err).Msg("write voice record")
	}
}

func (v *VoiceTracker) read(ctx context.Context) *VoiceRecord {
	rec, err := ReadVoiceRecord(ctx, v.store)
	if err != nil {
		v.log.Warn().Err(err).Msg("read voice record")
	}
	return rec
}

func (v *VoiceTracker) delete(ctx context.Context) {
	if err := v.store.Delete(ctx, VoiceRecordKey); err != nil {
		v.log.Warn().Err(err).Msg("delete voice record")
	}
}

// ReadVoiceRecord loads the persisted record. A missing or corrupted
// record reads as nil; corruption is also returned as an error.
func ReadVoiceRecord(ctx context.Context, store Storage) (*VoiceRecord, error) {
	data, err := store.Get(ctx, VoiceRecordKey)
	if err != nil || data == nil {
		return nil, err
	}
	var rec VoiceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupted voice record: %w", err)
	}
	return &rec, nil
}
