package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/models"
)

const shardCount = 32

// Config holds the heartbeat windows. OfflineAfter must be longer than IdleAfter.
type Config struct {
	IdleAfter    time.Duration
	OfflineAfter time.Duration
}

// Publisher receives presence transitions. Publish must not block.
type Publisher interface {
	Publish(event models.Event)
}

type record struct {
	status   models.PresenceStatus
	lastSeen time.Time
	sessions int
}

type shard struct {
	mu    sync.Mutex
	users map[string]*record
}

// Tracker keeps one presence record per user. Every status transition is
// published exactly once.
type Tracker struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	shards    [shardCount]shard
}

func New(cfg Config, publisher Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = time.Minute
	}
	if cfg.OfflineAfter <= cfg.IdleAfter {
		cfg.OfflineAfter = 5 * cfg.IdleAfter
	}
	t := &Tracker{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "presence"),
		now:       time.Now,
	}
	for i := range t.shards {
		t.shards[i].users = make(map[string]*record)
	}
	return t
}

func (t *Tracker) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &t.shards[h.Sum32()%shardCount]
}

// SetOnline registers a new session of the user.
func (t *Tracker) SetOnline(userID string) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.users[userID]
	if rec == nil {
		rec = &record{status: models.PresenceOffline}
		s.users[userID] = rec
	}
	rec.sessions++
	rec.lastSeen = t.now()
	t.transition(userID, rec, models.PresenceOnline)
}

// Heartbeat refreshes the user's last-seen time. An away or timed out user
// comes back online.
func (t *Tracker) Heartbeat(userID string) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.users[userID]
	if rec == nil {
		rec = &record{status: models.PresenceOffline}
		s.users[userID] = rec
	}
	rec.lastSeen = t.now()
	t.transition(userID, rec, models.PresenceOnline)
}

// SetOffline ends one session of the user. The user goes offline when the
// last session ends.
func (t *Tracker) SetOffline(userID string) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.users[userID]
	if rec == nil {
		return
	}
	if rec.sessions > 0 {
		rec.sessions--
	}
	if rec.sessions > 0 {
		return
	}
	rec.lastSeen = t.now()
	t.transition(userID, rec, models.PresenceOffline)
}

// Status returns the current presence of the user. Unknown users are offline.
func (t *Tracker) Status(userID string) models.Presence {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.users[userID]
	if rec == nil {
		return models.Presence{Status: models.PresenceOffline}
	}
	return models.Presence{Status: rec.status, LastSeen: rec.lastSeen.Unix()}
}

// Sweep applies the idle and offline windows as of now.
func (t *Tracker) Sweep(now time.Time) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for userID, rec := range s.users {
			idle := now.Sub(rec.lastSeen)
			switch {
			case rec.status != models.PresenceOffline && idle >= t.cfg.OfflineAfter:
				t.transition(userID, rec, models.PresenceOffline)
			case rec.status == models.PresenceOnline && idle >= t.cfg.IdleAfter:
				t.transition(userID, rec, models.PresenceAway)
			}
		}
		s.mu.Unlock()
	}
}

// Run sweeps periodically until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

// transition must be called with the shard lock held so that transitions of
// a user are published in order.
func (t *Tracker) transition(userID string, rec *record, status models.PresenceStatus) {
	if rec.status == status {
		return
	}
	rec.status = status
	t.logger.Debug("presence changed", "user_id", userID, "status", status)
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(models.Event{
		Type:      models.EventPresenceChanged,
		Actor:     userID,
		Timestamp: t.now().UnixNano(),
		Payload: models.Payload{Presence: &models.PresencePayload{
			UserID:   userID,
			Status:   status,
			LastSeen: rec.lastSeen.Unix(),
		}},
	})
}
