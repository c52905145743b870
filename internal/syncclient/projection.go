package syncclient

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"
)

type roomState struct {
	room     *models.Room
	messages map[string]models.Message
	lastSeq  uint64
	// lastRev is the highest revision applied, syncedRev the highest revision
	// up to which no event is known to be missing.
	lastRev   uint64
	syncedRev uint64
	stale     bool
	typing    map[string]int64
}

func newRoomState() *roomState {
	return &roomState{
		messages: make(map[string]models.Message),
		typing:   make(map[string]int64),
		stale:    true,
	}
}

// Projection is the local view of one session: rooms, messages with their
// overlays, typing and presence. Every method is safe for concurrent use.
//
// Events are applied idempotently. Persisted events carry a room revision:
// a message is added once per id and a message copy is only replaced by one
// with a higher revision. A hole in the revision sequence, an overlay for an unknown message
// or a resync marker from the server flag the room as stale until Merge is
// called with a catch-up page.
type Projection struct {
	mu       sync.RWMutex
	self     string
	rooms    map[string]*roomState
	presence map[string]models.PresencePayload
	now      func() time.Time
}

func NewProjection(self string) *Projection {
	return &Projection{
		self:     self,
		rooms:    make(map[string]*roomState),
		presence: make(map[string]models.PresencePayload),
		now:      time.Now,
	}
}

// Track starts tracking a room. A newly tracked room is stale.
func (p *Projection) Track(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track(roomID)
}

func (p *Projection) track(roomID string) *roomState {
	r, ok := p.rooms[roomID]
	if !ok {
		r = newRoomState()
		p.rooms[roomID] = r
	}
	return r
}

// Forget drops a room and everything known about it.
func (p *Projection) Forget(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, roomID)
}

// Apply merges a live event. It reports whether the projection changed.
func (p *Projection) Apply(e models.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case models.EventPresenceChanged:
		if e.Payload.Presence == nil {
			return false
		}
		p.presence[e.Payload.Presence.UserID] = *e.Payload.Presence
		return true
	case models.EventRoomMembershipChanged:
		return p.applyMembership(e)
	}

	if e.RoomID == "" {
		return false
	}
	r := p.track(e.RoomID)

	if e.Type == models.EventResyncRequired {
		r.stale = true
		return true
	}

	// A revision at or below lastRev is either a redelivery or an event
	// overtaken by a later one. The per-message checks below tell them apart.
	if e.Revision > r.lastRev {
		if e.Revision != r.lastRev+1 {
			r.stale = true
		}
		r.lastRev = e.Revision
		if !r.stale {
			r.syncedRev = e.Revision
		}
	}

	switch e.Type {
	case models.EventTypingStarted:
		if e.Payload.Typing == nil {
			return false
		}
		r.typing[e.Payload.Typing.UserID] = e.Payload.Typing.ExpiresAt
		return true
	case models.EventTypingStopped:
		if e.Payload.Typing == nil {
			return false
		}
		delete(r.typing, e.Payload.Typing.UserID)
		return true
	case models.EventMessageSent:
		msg := e.Payload.Message
		if msg == nil {
			return false
		}
		if _, ok := r.messages[msg.ID]; ok {
			return false
		}
		r.put(*msg)
		// The author stopped typing when the message went out.
		delete(r.typing, msg.AuthorID)
		return true
	}

	if e.Type.IsOverlay() {
		msg := e.Payload.Message
		if msg == nil {
			return false
		}
		local, ok := r.messages[msg.ID]
		if !ok {
			r.stale = true
			return false
		}
		if msg.Rev <= local.Rev {
			return false
		}
		r.put(*msg)
		return true
	}
	return false
}

func (p *Projection) applyMembership(e models.Event) bool {
	m := e.Payload.Membership
	if m == nil || e.RoomID == "" {
		return false
	}

	switch m.Change {
	case models.MembershipLeft, models.MembershipKicked:
		if m.UserID == p.self {
			_, ok := p.rooms[e.RoomID]
			delete(p.rooms, e.RoomID)
			return ok
		}
	}

	r, tracked := p.rooms[e.RoomID]
	if !tracked {
		if m.Room == nil || !m.Room.IsMember(p.self) {
			return false
		}
		r = p.track(e.RoomID)
	}
	if m.Room != nil {
		snapshot := m.Room.Clone()
		r.room = &snapshot
	}
	if m.Change == models.MembershipLeft || m.Change == models.MembershipKicked {
		delete(r.typing, m.UserID)
	}
	return true
}

func (r *roomState) put(msg models.Message) {
	r.messages[msg.ID] = msg.Clone()
	if msg.Seq > r.lastSeq {
		r.lastSeq = msg.Seq
	}
}

// Merge applies a catch-up page taken at the given head. Messages replace
// local copies only when they carry a newer revision. The room is no longer
// stale afterwards.
func (p *Projection) Merge(roomID string, msgs []models.Message, headSeq, headRev uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.track(roomID)
	for _, msg := range msgs {
		if local, ok := r.messages[msg.ID]; ok && local.Rev >= msg.Rev {
			continue
		}
		r.put(msg)
	}
	if headSeq > r.lastSeq {
		r.lastSeq = headSeq
	}
	if headRev > r.lastRev {
		r.lastRev = headRev
	}
	r.syncedRev = r.lastRev
	r.stale = false
}

// Cursor returns the parameters of the next catch-up query of the room: the
// last known sequence and the revision up to which the room is complete.
func (p *Projection) Cursor(roomID string) (seq, rev uint64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	if !ok {
		return 0, 0, false
	}
	return r.lastSeq, r.syncedRev, true
}

// NeedsResync reports whether the room may be missing events.
func (p *Projection) NeedsResync(roomID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	return ok && r.stale
}

// Rooms returns the ids of the tracked rooms, sorted.
func (p *Projection) Rooms() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Room returns the last known snapshot of the room configuration.
func (p *Projection) Room(roomID string) (models.Room, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	if !ok || r.room == nil {
		return models.Room{}, false
	}
	return r.room.Clone(), true
}

// Messages returns the messages of the room in sequence order.
func (p *Projection) Messages(roomID string) []models.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	msgs := make([]models.Message, 0, len(r.messages))
	for _, msg := range r.messages {
		msgs = append(msgs, msg.Clone())
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs
}

func (p *Projection) Message(roomID, messageID string) (models.Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	if !ok {
		return models.Message{}, false
	}
	msg, ok := r.messages[messageID]
	return msg.Clone(), ok
}

// Typing returns the users typing in the room whose indicator has not expired.
func (p *Projection) Typing(roomID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	now := p.now().UnixNano()
	var users []string
	for userID, expiresAt := range r.typing {
		if expiresAt == 0 || expiresAt > now {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (p *Projection) Presence(userID string) (models.PresencePayload, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.presence[userID]
	return pr, ok
}
