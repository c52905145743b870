package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-session queue bound.
const DefaultQueueSize = 256

const (
	relayBacklog = 1024
	relayTimeout = 2 * time.Second
)

// Membership is the view of the room registry the router needs.
type Membership interface {
	IsMember(roomID, userID string) bool
	RoomsOf(userID string) []string
	Peers(userID string) map[string]struct{}
}

// Relay forwards locally published events to other nodes. Only events that do
// not depend on a node's room log or registry are relayed: presence and
// typing. Sequences and revisions are assigned by the node that owns the
// room log, so room events stay on that node.
type Relay interface {
	Publish(ctx context.Context, event models.Event) error
}

// Observer is notified about delivery outcomes.
type Observer interface {
	Delivered(t models.EventType)
	Dropped(t models.EventType)
	ResyncForced()
}

// Session is one connected client. Events are taken with Next.
type Session struct {
	ID     string
	UserID string

	queue *queue

	mu    sync.Mutex
	rooms map[string]bool
}

// Next blocks until an event is available, ctx is done or the session is closed.
func (s *Session) Next(ctx context.Context) (models.Event, error) {
	return s.queue.next(ctx)
}

// Rooms returns the subscribed room ids, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns the number of queued events.
func (s *Session) Pending() int {
	return s.queue.len()
}

func (s *Session) subscribed(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *Session) setRoom(roomID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.rooms[roomID] = true
	} else {
		delete(s.rooms, roomID)
	}
}

// Router fans events out to connected sessions. It never blocks on a slow
// session: every session has its own bounded queue.
type Router struct {
	members   Membership
	logger    *slog.Logger
	queueSize int

	relay    Relay
	outbox   chan models.Event
	observer Observer

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

type Option func(*Router)

func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRelay forwards relayable events to other nodes. Sends happen on the
// goroutine running RunRelay.
func WithRelay(relay Relay) Option {
	return func(r *Router) {
		r.relay = relay
		r.outbox = make(chan models.Event, relayBacklog)
	}
}

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func New(members Membership, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		members:   members,
		logger:    logger.With("component", "router"),
		queueSize: DefaultQueueSize,
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a new session for the user, subscribed to all of the
// user's rooms.
func (r *Router) Connect(userID string) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		queue:  newQueue(r.queueSize),
		rooms:  make(map[string]bool),
	}
	for _, roomID := range r.members.RoomsOf(userID) {
		s.rooms[roomID] = true
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session connected", "session_id", s.ID, "user_id", userID)
	return s
}

// Disconnect removes the session and cancels its queue. It reports whether
// the user has no sessions left.
func (r *Router) Disconnect(sessionID string) (last bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	userSessions := r.byUser[s.UserID]
	delete(userSessions, sessionID)
	if len(userSessions) == 0 {
		delete(r.byUser, s.UserID)
		last = true
	}
	r.mu.Unlock()

	s.queue.close()
	r.logger.Info("session disconnected", "session_id", sessionID, "user_id", s.UserID)
	return last
}

// Subscribe starts delivery of the room's events to the session.
func (r *Router) Subscribe(sessionID, roomID string) error {
	s := r.session(sessionID)
	if s == nil {
		return models.NewError(models.KindNotFound, models.CodeInvalidRequest, "session not found")
	}
	if !r.members.IsMember(roomID, s.UserID) {
		return models.ErrNotAMember
	}
	s.setRoom(roomID, true)
	return nil
}

// Unsubscribe stops delivery of the room's events to the session.
func (r *Router) Unsubscribe(sessionID, roomID string) {
	if s := r.session(sessionID); s != nil {
		s.setRoom(roomID, false)
	}
}

// Connected reports whether the user has at least one session.
func (r *Router) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Send delivers an event to a single session, bypassing room scoping.
func (r *Router) Send(sessionID string, event models.Event) {
	if s := r.session(sessionID); s != nil {
		r.enqueue(s, event)
	}
}

// Publish delivers the event to local sessions and queues it for the relay.
// It never blocks, so callers may hold a room lock.
func (r *Router) Publish(event models.Event) {
	r.Deliver(event)
	if r.relay == nil || !Relayable(event.Type) {
		return
	}
	select {
	case r.outbox <- event:
	default:
		r.observe(func(o Observer) { o.Dropped(event.Type) })
		r.logger.Warn("relay backlog full, event not relayed", "type", event.Type, "room_id", event.RoomID)
	}
}

// Relayable reports whether events of type t may cross nodes.
func Relayable(t models.EventType) bool {
	switch t {
	case models.EventPresenceChanged, models.EventTypingStarted, models.EventTypingStopped:
		return true
	}
	return false
}

// RunRelay hands queued events to the relay until ctx is done. Each send is
// bounded by a timeout.
func (r *Router) RunRelay(ctx context.Context) {
	if r.relay == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, relayTimeout)
			err := r.relay.Publish(sendCtx, event)
			cancel()
			if err != nil {
				r.logger.Warn("failed to relay event", "type", event.Type, "room_id", event.RoomID, "error", err)
			}
		}
	}
}

// Relayed delivers an event received from another node. Room log events are
// dropped: their sequences belong to the other node's log.
func (r *Router) Relayed(event models.Event) {
	if !Relayable(event.Type) {
		r.logger.Debug("ignoring relayed room event", "type", event.Type, "room_id", event.RoomID)
		return
	}
	r.Deliver(event)
}

// Deliver delivers the event to local sessions only. Room scoping uses this
// node's registry.
func (r *Router) Deliver(event models.Event) {
	for _, s := range r.targets(event) {
		r.enqueue(s, event)
	}
	r.afterDelivery(event)
}

func (r *Router) targets(event models.Event) []*Session {
	if event.Type == models.EventPresenceChanged {
		peers := r.members.Peers(event.SubjectUser())
		r.mu.RLock()
		defer r.mu.RUnlock()
		var result []*Session
		for userID := range peers {
			for _, s := range r.byUser[userID] {
				result = append(result, s)
			}
		}
		return result
	}

	if event.Type == models.EventRoomMembershipChanged {
		r.beforeMembership(event)
	}

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	subject := ""
	if event.Type == models.EventRoomMembershipChanged {
		subject = event.SubjectUser()
	}

	var result []*Session
	for _, s := range candidates {
		if s.UserID == subject {
			result = append(result, s)
			continue
		}
		if s.subscribed(event.RoomID) && r.members.IsMember(event.RoomID, s.UserID) {
			result = append(result, s)
		}
	}
	return result
}

// beforeMembership subscribes sessions of users who just got into the room.
func (r *Router) beforeMembership(event models.Event) {
	m := event.Payload.Membership
	if m == nil {
		return
	}
	var users []string
	switch m.Change {
	case models.MembershipJoined:
		users = []string{m.UserID}
	case models.MembershipCreated:
		if m.Room != nil {
			users = m.Room.MemberIDs()
		}
	default:
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, userID := range users {
		for _, s := range r.byUser[userID] {
			s.setRoom(event.RoomID, true)
		}
	}
}

// afterDelivery unsubscribes sessions of users who left the room.
func (r *Router) afterDelivery(event models.Event) {
	if event.Type != models.EventRoomMembershipChanged || event.Payload.Membership == nil {
		return
	}
	m := event.Payload.Membership
	if m.Change != models.MembershipLeft && m.Change != models.MembershipKicked {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byUser[m.UserID] {
		s.setRoom(event.RoomID, false)
	}
}

func (r *Router) enqueue(s *Session, event models.Event) {
	result, evicted := s.queue.push(event)
	switch result {
	case pushed:
		r.observe(func(o Observer) { o.Delivered(event.Type) })
	case pushedEvicted:
		r.observe(func(o Observer) { o.Delivered(event.Type); o.Dropped(evicted) })
		r.logger.Debug("evicted queued event", "session_id", s.ID, "type", evicted)
	case droppedEvent:
		r.observe(func(o Observer) { o.Dropped(event.Type) })
	case suppressed:
		r.observe(func(o Observer) { o.Dropped(event.Type) })
	case collapsed:
		r.observe(func(o Observer) { o.ResyncForced() })
		r.logger.Warn("session queue overflow, resync required", "session_id", s.ID, "user_id", s.UserID, "room_id", event.RoomID)
	}
}

func (r *Router) observe(fn func(Observer)) {
	if r.observer != nil {
		fn(r.observer)
	}
}

func (r *Router) session(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}
