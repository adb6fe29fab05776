package roomsync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ChangeNotice describes one mutation applied to a canonical collection.
type ChangeNotice struct {
	Scope Scope
	Type  EventType
	Kind  EntityKind
	ID    string
}

// Reconciler merges change events into canonical collections. It is the
// only writer of those collections; everything else reads derived views.
//
// Apply is idempotent under duplicate delivery: inserts dedupe by id, and
// updates or deletes that reference an entity the reconciler does not hold
// return ErrRefetch so the owner replaces the scope with a snapshot.
type Reconciler struct {
	self string
	log  zerolog.Logger

	mu            sync.RWMutex
	rooms         *Collection[Room]
	relationships *Collection[Relationship]
	messages      map[string]*Collection[Message]  // room id
	reactions     map[string]*Collection[Reaction] // message id
	embeds        map[string]*Collection[Embed]    // message id
	pins          map[string]*Collection[Pin]      // room id
	messageRoom   map[string]string                // message id -> room id
	unread        map[string]int
	loaded        map[string]bool // room id; first message snapshot applied
	focused       string
	unavailable   map[string]map[EntityKind]bool // scope key

	changes emitter[ChangeNotice]
}

// NewReconciler creates an empty reconciler for the local user self.
func NewReconciler(self string, logger zerolog.Logger) *Reconciler {
	r := &Reconciler{
		self:          self,
		log:           logger.With().Str("module", "sync.reconciler").Logger(),
		rooms:         NewCollection[Room](nil),
		relationships: NewCollection[Relationship](nil),
		messages:      make(map[string]*Collection[Message]),
		reactions:     make(map[string]*Collection[Reaction]),
		embeds:        make(map[string]*Collection[Embed]),
		pins:          make(map[string]*Collection[Pin]),
		messageRoom:   make(map[string]string),
		unread:        make(map[string]int),
		loaded:        make(map[string]bool),
		unavailable:   make(map[string]map[EntityKind]bool),
	}
	r.changes.log = r.log
	return r
}

// OnChange registers an observer for applied mutations. Observers run on the
// delivering goroutine and must not close the scope that produced the notice.
func (r *Reconciler) OnChange(h func(ChangeNotice)) { r.changes.on(h) }

// Apply reconciles one event for scope. Errors wrapping ErrMalformedEvent or
// ErrRefetch mean the local state for the scope cannot be trusted and a
// snapshot should follow.
func (r *Reconciler) Apply(scope Scope, ev Event) error {
	if err := ev.validate(scope); err != nil {
		return err
	}

	r.mu.Lock()
	var (
		notices []ChangeNotice
		err     error
	)
	switch ev.Type {
	case EventSnapshot:
		notices = r.applySnapshot(scope, ev.Snapshot)
	case EventInsert:
		notices, err = r.applyInsert(scope, ev.Kind, ev.Record)
	case EventUpdate:
		notices, err = r.applyUpdate(scope, ev.Kind, ev.Record)
	case EventDelete:
		raw := ev.Old
		if len(raw) == 0 {
			raw = ev.Record
		}
		notices, err = r.applyDelete(scope, ev.Kind, raw)
	default:
		err = fmt.Errorf("%w: %s is not a change", ErrMalformedEvent, ev.Type)
	}
	r.mu.Unlock()

	for _, n := range notices {
		r.changes.emit(n)
	}
	return err
}

// ============================================================================
// Insert
// ============================================================================

func (r *Reconciler) applyInsert(scope Scope, kind EntityKind, raw json.RawMessage) ([]ChangeNotice, error) {
	notice := func(id string) []ChangeNotice {
		return []ChangeNotice{{Scope: scope, Type: EventInsert, Kind: kind, ID: id}}
	}

	switch kind {
	case KindRoom:
		v, err := decodeRecord[Room](raw)
		if err != nil {
			return nil, err
		}
		if insertOrConfirm(r.rooms, v) {
			return notice(v.ID), nil
		}
	case KindRelationship:
		v, err := decodeRecord[Relationship](raw)
		if err != nil {
			return nil, err
		}
		if insertOrConfirm(r.relationships, v) {
			return notice(v.ID), nil
		}
	case KindMessage:
		v, err := decodeRecord[Message](raw)
		if err != nil {
			return nil, err
		}
		if v.RoomID != scope.Target {
			return nil, fmt.Errorf("%w: message %s for room %s on %s", ErrMalformedEvent, v.ID, v.RoomID, scope)
		}
		coll := r.messageColl(v.RoomID)
		fresh := !coll.Has(v.ID)
		if !insertOrConfirm(coll, v) {
			return nil, nil
		}
		r.messageRoom[v.ID] = v.RoomID
		if fresh && v.AuthorID != r.self && r.focused != v.RoomID {
			r.unread[v.RoomID]++
		}
		return notice(v.ID), nil
	case KindReaction:
		v, err := decodeRecord[Reaction](raw)
		if err != nil {
			return nil, err
		}
		if r.messageRoom[v.MessageID] != scope.Target {
			return nil, fmt.Errorf("%w: reaction %s targets unknown message %s", ErrRefetch, v.ID, v.MessageID)
		}
		if insertOrConfirm(childColl(r.reactions, v.MessageID), v) {
			return notice(v.ID), nil
		}
	case KindEmbed:
		v, err := decodeRecord[Embed](raw)
		if err != nil {
			return nil, err
		}
		if r.messageRoom[v.MessageID] != scope.Target {
			return nil, fmt.Errorf("%w: embed %s targets unknown message %s", ErrRefetch, v.ID, v.MessageID)
		}
		if insertOrConfirm(childColl(r.embeds, v.MessageID), v) {
			return notice(v.ID), nil
		}
	case KindPin:
		v, err := decodeRecord[Pin](raw)
		if err != nil {
			return nil, err
		}
		if v.RoomID != scope.Target {
			return nil, fmt.Errorf("%w: pin %s for room %s on %s", ErrMalformedEvent, v.ID, v.RoomID, scope)
		}
		if insertOrConfirm(r.pinColl(v.RoomID), v) {
			return notice(v.ID), nil
		}
	default:
		return nil, fmt.Errorf("%w: kind %q is not reconciled", ErrMalformedEvent, kind)
	}
	r.log.Debug().Str("scope", scope.Key()).Str("kind", string(kind)).Msg("duplicate insert ignored")
	return nil, nil
}

// insertOrConfirm inserts v, or confirms a pending optimistic copy with the
// same id. A confirmed duplicate is left untouched and reports false.
func insertOrConfirm[T Entity](c *Collection[T], v T) bool {
	id := v.EntityID()
	if !c.Has(id) {
		return c.Insert(v)
	}
	if !c.IsPending(id) {
		return false
	}
	c.Put(v)
	c.SetPending(id, false)
	return true
}

// ============================================================================
// Update
// ============================================================================

func (r *Reconciler) applyUpdate(scope Scope, kind EntityKind, raw json.RawMessage) ([]ChangeNotice, error) {
	id, err := recordID(raw)
	if err != nil {
		return nil, err
	}
	missing := fmt.Errorf("%w: update for unknown %s %s", ErrRefetch, kind, id)

	switch kind {
	case KindRoom:
		err = mergeInto(r.rooms, id, raw, missing, nil)
	case KindRelationship:
		err = mergeInto(r.relationships, id, raw, missing, nil)
	case KindMessage:
		coll, ok := r.messages[scope.Target]
		if !ok {
			return nil, missing
		}
		err = mergeInto(coll, id, raw, missing, func(m Message) error {
			if m.RoomID != scope.Target {
				return fmt.Errorf("%w: message %s moved rooms", ErrRefetch, id)
			}
			return nil
		})
	case KindReaction:
		coll := findChild(r.reactions, r.roomMessages(scope.Target), id)
		if coll == nil {
			return nil, missing
		}
		err = mergeInto(coll, id, raw, missing, nil)
	case KindEmbed:
		coll := findChild(r.embeds, r.roomMessages(scope.Target), id)
		if coll == nil {
			return nil, missing
		}
		err = mergeInto(coll, id, raw, missing, nil)
	case KindPin:
		coll, ok := r.pins[scope.Target]
		if !ok {
			return nil, missing
		}
		err = mergeInto(coll, id, raw, missing, nil)
	default:
		return nil, fmt.Errorf("%w: kind %q is not reconciled", ErrMalformedEvent, kind)
	}
	if err != nil {
		return nil, err
	}
	return []ChangeNotice{{Scope: scope, Type: EventUpdate, Kind: kind, ID: id}}, nil
}

// mergeInto shallow-merges the fields of patch into the entity id. A non-nil
// check can reject the merged entity before it is stored.
func mergeInto[T Entity](c *Collection[T], id string, patch json.RawMessage, missing error, check func(T) error) error {
	cur, ok := c.Get(id)
	if !ok {
		return missing
	}
	merged, err := mergeRecord(cur, patch)
	if err != nil {
		return err
	}
	if merged.EntityID() != id {
		return fmt.Errorf("%w: update changes id %s", ErrMalformedEvent, id)
	}
	if check != nil {
		if err := check(merged); err != nil {
			return err
		}
	}
	c.Put(merged)
	return nil
}

func mergeRecord[T Entity](cur T, patch json.RawMessage) (T, error) {
	var zero T
	base, err := json.Marshal(cur)
	if err != nil {
		return zero, fmt.Errorf("marshal current: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return zero, fmt.Errorf("unmarshal current: %w", err)
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	for k, v := range overlay {
		fields[k] = v
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("marshal merged: %w", err)
	}
	var merged T
	if err := json.Unmarshal(out, &merged); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return merged, nil
}

// ============================================================================
// Delete
// ============================================================================

func (r *Reconciler) applyDelete(scope Scope, kind EntityKind, raw json.RawMessage) ([]ChangeNotice, error) {
	id, err := recordID(raw)
	if err != nil {
		return nil, err
	}
	missing := fmt.Errorf("%w: delete for unknown %s %s", ErrRefetch, kind, id)
	notices := []ChangeNotice{{Scope: scope, Type: EventDelete, Kind: kind, ID: id}}

	switch kind {
	case KindRoom:
		if _, ok := r.rooms.Remove(id); !ok {
			return nil, missing
		}
		r.dropRoom(id)
	case KindRelationship:
		if _, ok := r.relationships.Remove(id); !ok {
			return nil, missing
		}
	case KindMessage:
		coll, ok := r.messages[scope.Target]
		if !ok {
			return nil, missing
		}
		if _, ok := coll.Remove(id); !ok {
			return nil, missing
		}
		r.dropMessage(scope.Target, id)
		r.clearReplies(scope.Target, id)
	case KindReaction:
		coll := findChild(r.reactions, r.roomMessages(scope.Target), id)
		if coll == nil {
			return nil, missing
		}
		coll.Remove(id)
	case KindEmbed:
		coll := findChild(r.embeds, r.roomMessages(scope.Target), id)
		if coll == nil {
			return nil, missing
		}
		coll.Remove(id)
	case KindPin:
		coll, ok := r.pins[scope.Target]
		if !ok {
			return nil, missing
		}
		if _, ok := coll.Remove(id); !ok {
			return nil, missing
		}
	default:
		return nil, fmt.Errorf("%w: kind %q is not reconciled", ErrMalformedEvent, kind)
	}
	return notices, nil
}

// dropMessage removes what a message owns: reactions, embeds and pins.
func (r *Reconciler) dropMessage(roomID, messageID string) {
	delete(r.reactions, messageID)
	delete(r.embeds, messageID)
	delete(r.messageRoom, messageID)
	if pins, ok := r.pins[roomID]; ok {
		for _, p := range pins.Items() {
			if p.MessageID == messageID {
				pins.Remove(p.ID)
			}
		}
	}
}

func (r *Reconciler) clearReplies(roomID, messageID string) {
	coll, ok := r.messages[roomID]
	if !ok {
		return
	}
	for _, m := range coll.Items() {
		if m.ReplyToID == messageID {
			m.ReplyToID = ""
			coll.Put(m)
		}
	}
}

// dropRoom removes what a room owns: messages (with their children), pins,
// unread count and capability flags.
func (r *Reconciler) dropRoom(roomID string) {
	if coll, ok := r.messages[roomID]; ok {
		for _, m := range coll.Items() {
			r.dropMessage(roomID, m.ID)
		}
	}
	delete(r.messages, roomID)
	delete(r.pins, roomID)
	delete(r.unread, roomID)
	delete(r.loaded, roomID)
	delete(r.unavailable, MessagesScope(roomID).Key())
	if r.focused == roomID {
		r.focused = ""
	}
}

// ============================================================================
// Snapshot
// ============================================================================

func (r *Reconciler) applySnapshot(scope Scope, snap *Snapshot) []ChangeNotice {
	for _, kind := range scope.Kinds() {
		r.setAvailable(scope, kind, !snap.unavailable(kind))
	}

	switch scope.Kind {
	case ScopeRooms:
		if !snap.unavailable(KindRoom) {
			rooms := decodeAll[Room](r.log, scope, snap.Records[KindRoom])
			for _, dropped := range r.rooms.Replace(rooms) {
				r.dropRoom(dropped.ID)
			}
		}
	case ScopeFriends:
		if !snap.unavailable(KindRelationship) {
			r.relationships.Replace(decodeAll[Relationship](r.log, scope, snap.Records[KindRelationship]))
		}
	case ScopeMessages:
		r.applyRoomSnapshot(scope, snap)
	}
	return []ChangeNotice{{Scope: scope, Type: EventSnapshot}}
}

func (r *Reconciler) applyRoomSnapshot(scope Scope, snap *Snapshot) {
	roomID := scope.Target
	coll := r.messageColl(roomID)
	if !snap.unavailable(KindMessage) {
		var msgs []Message
		for _, m := range decodeAll[Message](r.log, scope, snap.Records[KindMessage]) {
			if m.RoomID == roomID {
				msgs = append(msgs, m)
			}
		}
		// After the first load, messages a poll brings in count as unread
		// the same way pushed inserts do.
		if r.loaded[roomID] && r.focused != roomID {
			for _, m := range msgs {
				if !coll.Has(m.ID) && m.AuthorID != r.self {
					r.unread[roomID]++
				}
			}
		}
		for _, dropped := range coll.Replace(msgs) {
			r.dropMessage(roomID, dropped.ID)
		}
		for _, m := range coll.Items() {
			r.messageRoom[m.ID] = roomID
		}
		r.loaded[roomID] = true
	}

	ids := r.roomMessages(roomID)
	if !snap.unavailable(KindReaction) {
		grouped := map[string][]Reaction{}
		for _, v := range decodeAll[Reaction](r.log, scope, snap.Records[KindReaction]) {
			grouped[v.MessageID] = append(grouped[v.MessageID], v)
		}
		for _, id := range ids {
			childColl(r.reactions, id).Replace(grouped[id])
		}
	}
	if !snap.unavailable(KindEmbed) {
		grouped := map[string][]Embed{}
		for _, v := range decodeAll[Embed](r.log, scope, snap.Records[KindEmbed]) {
			grouped[v.MessageID] = append(grouped[v.MessageID], v)
		}
		for _, id := range ids {
			childColl(r.embeds, id).Replace(grouped[id])
		}
	}
	if !snap.unavailable(KindPin) {
		var pins []Pin
		for _, p := range decodeAll[Pin](r.log, scope, snap.Records[KindPin]) {
			if p.RoomID == roomID {
				pins = append(pins, p)
			}
		}
		r.pinColl(roomID).Replace(pins)
	}
}

func (r *Reconciler) setAvailable(scope Scope, kind EntityKind, ok bool) {
	key := scope.Key()
	if ok {
		if flags := r.unavailable[key]; flags != nil {
			delete(flags, kind)
		}
		return
	}
	if r.unavailable[key] == nil {
		r.unavailable[key] = make(map[EntityKind]bool)
	}
	if !r.unavailable[key][kind] {
		r.log.Warn().Str("scope", key).Str("kind", string(kind)).Msg("capability unavailable")
	}
	r.unavailable[key][kind] = true
}

// ============================================================================
// Optimistic writes
// ============================================================================

// ApplyLocal inserts an entity created locally before the server confirms
// it. The authoritative insert with the same id later confirms it instead
// of duplicating it. An id that already exists is left alone.
func (r *Reconciler) ApplyLocal(scope Scope, v Entity) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if v.EntityID() == "" {
		return fmt.Errorf("%w: local entity without id", ErrMalformedEvent)
	}

	r.mu.Lock()
	var kind EntityKind
	switch e := v.(type) {
	case Room:
		kind = KindRoom
		insertPending(r.rooms, e)
	case Relationship:
		kind = KindRelationship
		insertPending(r.relationships, e)
	case Message:
		kind = KindMessage
		if e.RoomID != scope.Target {
			r.mu.Unlock()
			return fmt.Errorf("message %s does not belong to %s", e.ID, scope)
		}
		if insertPending(r.messageColl(e.RoomID), e) {
			r.messageRoom[e.ID] = e.RoomID
		}
	case Reaction:
		kind = KindReaction
		insertPending(childColl(r.reactions, e.MessageID), e)
	case Embed:
		kind = KindEmbed
		insertPending(childColl(r.embeds, e.MessageID), e)
	case Pin:
		kind = KindPin
		insertPending(r.pinColl(e.RoomID), e)
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: unsupported local entity %T", ErrMalformedEvent, v)
	}
	r.mu.Unlock()

	r.changes.emit(ChangeNotice{Scope: scope, Type: EventInsert, Kind: kind, ID: v.EntityID()})
	return nil
}

// Discard removes a pending local message that the server rejected.
// Confirmed messages are never discarded.
func (r *Reconciler) Discard(roomID, messageID string) bool {
	r.mu.Lock()
	coll, ok := r.messages[roomID]
	if !ok || !coll.IsPending(messageID) {
		r.mu.Unlock()
		return false
	}
	coll.Remove(messageID)
	r.dropMessage(roomID, messageID)
	r.mu.Unlock()

	r.changes.emit(ChangeNotice{Scope: MessagesScope(roomID), Type: EventDelete, Kind: KindMessage, ID: messageID})
	return true
}

func insertPending[T Entity](c *Collection[T], v T) bool {
	if !c.Insert(v) {
		return false
	}
	c.SetPending(v.EntityID(), true)
	return true
}

// ============================================================================
// Focus & unread
// ============================================================================

// Focus marks roomID as the focused room and clears its unread counter.
func (r *Reconciler) Focus(roomID string) {
	r.mu.Lock()
	r.focused = roomID
	delete(r.unread, roomID)
	r.mu.Unlock()
}

// Blur clears the focused room.
func (r *Reconciler) Blur() {
	r.mu.Lock()
	r.focused = ""
	r.mu.Unlock()
}

func (r *Reconciler) Focused() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focused
}

func (r *Reconciler) Unread(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unread[roomID]
}

func (r *Reconciler) TotalUnread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, n := range r.unread {
		total += n
	}
	return total
}

// ============================================================================
// Views
// ============================================================================

func (r *Reconciler) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms.Items()
}

func (r *Reconciler) Room(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms.Get(id)
}

func (r *Reconciler) Relationships() []Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationships.Items()
}

// Messages returns a room's messages ordered by creation time.
func (r *Reconciler) Messages(roomID string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.messages[roomID]; ok {
		return coll.Items()
	}
	return nil
}

func (r *Reconciler) Message(roomID, id string) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.messages[roomID]; ok {
		return coll.Get(id)
	}
	return Message{}, false
}

// Pending reports whether a message is an unconfirmed local write.
func (r *Reconciler) Pending(roomID, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.messages[roomID]; ok {
		return coll.IsPending(id)
	}
	return false
}

func (r *Reconciler) Reactions(messageID string) []Reaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.reactions[messageID]; ok {
		return coll.Items()
	}
	return nil
}

func (r *Reconciler) Embeds(messageID string) []Embed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.embeds[messageID]; ok {
		return coll.Items()
	}
	return nil
}

func (r *Reconciler) Pins(roomID string) []Pin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if coll, ok := r.pins[roomID]; ok {
		return coll.Items()
	}
	return nil
}

// Available reports whether the last snapshot of scope could serve kind.
func (r *Reconciler) Available(scope Scope, kind EntityKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.unavailable[scope.Key()][kind]
}

// ============================================================================
// Helpers
// ============================================================================

func (r *Reconciler) messageColl(roomID string) *Collection[Message] {
	coll, ok := r.messages[roomID]
	if !ok {
		coll = NewCollection(func(a, b Message) bool { return a.CreatedAt.Before(b.CreatedAt) })
		r.messages[roomID] = coll
	}
	return coll
}

func (r *Reconciler) pinColl(roomID string) *Collection[Pin] {
	coll, ok := r.pins[roomID]
	if !ok {
		coll = NewCollection(func(a, b Pin) bool { return a.CreatedAt.Before(b.CreatedAt) })
		r.pins[roomID] = coll
	}
	return coll
}

func (r *Reconciler) roomMessages(roomID string) []string {
	coll, ok := r.messages[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, coll.Len())
	for _, m := range coll.Items() {
		ids = append(ids, m.ID)
	}
	return ids
}

func childColl[T Entity](m map[string]*Collection[T], parent string) *Collection[T] {
	coll, ok := m[parent]
	if !ok {
		coll = NewCollection[T](nil)
		m[parent] = coll
	}
	return coll
}

// findChild locates the per-message collection holding id among parents.
func findChild[T Entity](m map[string]*Collection[T], parents []string, id string) *Collection[T] {
	for _, p := range parents {
		if coll, ok := m[p]; ok && coll.Has(id) {
			return coll
		}
	}
	return nil
}

func decodeRecord[T Entity](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if v.EntityID() == "" {
		return v, fmt.Errorf("%w: record without id", ErrMalformedEvent)
	}
	return v, nil
}

// decodeAll decodes snapshot rows, skipping the ones that fail validation.
func decodeAll[T Entity](log zerolog.Logger, scope Scope, rows []json.RawMessage) []T {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		v, err := decodeRecord[T](raw)
		if err != nil {
			log.Warn().Err(err).Str("scope", scope.Key()).Msg("skipping snapshot row")
			continue
		}
		out = append(out, v)
	}
	return out
}

func recordID(raw json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("%w: record without id", ErrMalformedEvent)
	}
	return row.ID, nil
}
