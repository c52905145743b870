package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 5 * time.Second

// Publisher receives typing events. Publish must not block.
type Publisher interface {
	Publish(event models.Event)
}

type roomTyping struct {
	mu    sync.Mutex
	users map[string]time.Time // user -> expiry
}

// Coordinator tracks who is typing in each room. Entries are never persisted.
type Coordinator struct {
	ttl       time.Duration
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomTyping
}

func New(ttl time.Duration, publisher Publisher, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ttl:       ttl,
		publisher: publisher,
		logger:    logger.With("component", "typing"),
		now:       time.Now,
		rooms:     make(map[string]*roomTyping),
	}
}

func (c *Coordinator) room(roomID string, create bool) *roomTyping {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt := c.rooms[roomID]
	if rt == nil && create {
		rt = &roomTyping{users: make(map[string]time.Time)}
		c.rooms[roomID] = rt
	}
	return rt
}

// StartTyping inserts or refreshes the user's entry. Only the first call
// after a not-typing state publishes TypingStarted. It reports whether an
// event was published.
func (c *Coordinator) StartTyping(roomID, userID string) bool {
	rt := c.room(roomID, true)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := c.now()
	expiry, ok := rt.users[userID]
	if ok && now.After(expiry) {
		delete(rt.users, userID)
		c.publish(models.EventTypingStopped, roomID, userID, time.Time{})
		ok = false
	}
	expiry = now.Add(c.ttl)
	rt.users[userID] = expiry
	if ok {
		return false
	}
	c.publish(models.EventTypingStarted, roomID, userID, expiry)
	return true
}

// StopTyping removes the user's entry and publishes TypingStopped if there was one.
func (c *Coordinator) StopTyping(roomID, userID string) bool {
	rt := c.room(roomID, false)
	if rt == nil {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.users[userID]; !ok {
		return false
	}
	delete(rt.users, userID)
	c.publish(models.EventTypingStopped, roomID, userID, time.Time{})
	return true
}

// StopAll removes the user from every room, as on disconnect.
func (c *Coordinator) StopAll(userID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.StopTyping(id, userID)
	}
}

// Typing returns the users currently typing in the room, sorted.
// Expired entries are removed on the way.
func (c *Coordinator) Typing(roomID string) []string {
	rt := c.room(roomID, false)
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c.expire(roomID, rt, c.now())
	users := make([]string, 0, len(rt.users))
	for id := range rt.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Sweep removes entries past expiry in every room.
func (c *Coordinator) Sweep(now time.Time) {
	c.mu.Lock()
	rooms := make(map[string]*roomTyping, len(c.rooms))
	for id, rt := range c.rooms {
		rooms[id] = rt
	}
	c.mu.Unlock()

	for id, rt := range rooms {
		rt.mu.Lock()
		c.expire(id, rt, now)
		rt.mu.Unlock()
	}
}

// Run sweeps periodically until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

func (c *Coordinator) expire(roomID string, rt *roomTyping, now time.Time) {
	for userID, expiry := range rt.users {
		if now.After(expiry) {
			delete(rt.users, userID)
			c.publish(models.EventTypingStopped, roomID, userID, time.Time{})
		}
	}
}

func (c *Coordinator) publish(kind models.EventType, roomID, userID string, expiry time.Time) {
	c.logger.Debug("typing", "event", kind, "room_id", roomID, "user_id", userID)
	if c.publisher == nil {
		return
	}
	payload := &models.TypingPayload{UserID: userID}
	if !expiry.IsZero() {
		payload.ExpiresAt = expiry.UnixNano()
	}
	c.publisher.Publish(models.Event{
		Type:      kind,
		RoomID:    roomID,
		Actor:     userID,
		Timestamp: c.now().UnixNano(),
		Payload:   models.Payload{Typing: payload},
	})
}
