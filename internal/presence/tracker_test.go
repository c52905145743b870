package presence

import (
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) statuses(userID string) []models.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []models.PresenceStatus
	for _, e := range r.events {
		if e.Payload.Presence != nil && e.Payload.Presence.UserID == userID {
			result = append(result, e.Payload.Presence.Status)
		}
	}
	return result
}

func newTracker() (*Tracker, *recorder, *time.Time) {
	rec := &recorder{}
	now := time.Unix(1700000000, 0)
	tr := New(Config{IdleAfter: 30 * time.Second, OfflineAfter: 2 * time.Minute}, rec, nil)
	tr.now = func() time.Time { return now }
	return tr, rec, &now
}

func TestHeartbeatsDoNotRepeatOnline(t *testing.T) {
	tr, rec, _ := newTracker()

	tr.SetOnline("alice")
	for i := 0; i < 5; i++ {
		tr.Heartbeat("alice")
	}
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, rec.statuses("alice"))

	event := rec.events[0]
	assert.Equal(t, models.EventPresenceChanged, event.Type)
	assert.Empty(t, event.RoomID)
	assert.Equal(t, "alice", event.Actor)
}

func TestIdleAndOfflineWindows(t *testing.T) {
	tr, rec, now := newTracker()
	tr.SetOnline("alice")

	*now = now.Add(10 * time.Second)
	tr.Sweep(*now)
	assert.Equal(t, models.PresenceOnline, tr.Status("alice").Status)

	*now = now.Add(25 * time.Second)
	tr.Sweep(*now)
	tr.Sweep(*now)
	assert.Equal(t, models.PresenceAway, tr.Status("alice").Status)

	tr.Heartbeat("alice")
	assert.Equal(t, models.PresenceOnline, tr.Status("alice").Status)

	*now = now.Add(3 * time.Minute)
	tr.Sweep(*now)
	assert.Equal(t, models.PresenceOffline, tr.Status("alice").Status)

	assert.Equal(t, []models.PresenceStatus{
		models.PresenceOnline,
		models.PresenceAway,
		models.PresenceOnline,
		models.PresenceOffline,
	}, rec.statuses("alice"))
}

func TestLastSessionGoesOffline(t *testing.T) {
	tr, rec, now := newTracker()

	tr.SetOnline("bob")
	tr.SetOnline("bob")
	tr.SetOffline("bob")
	assert.Equal(t, models.PresenceOnline, tr.Status("bob").Status)

	*now = now.Add(time.Second)
	tr.SetOffline("bob")
	status := tr.Status("bob")
	assert.Equal(t, models.PresenceOffline, status.Status)
	assert.Equal(t, now.Unix(), status.LastSeen)

	tr.SetOffline("bob")
	tr.SetOffline("nobody")
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, rec.statuses("bob"))
	assert.Empty(t, rec.statuses("nobody"))
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr, _, _ := newTracker()
	assert.Equal(t, models.PresenceOffline, tr.Status("ghost").Status)
}

func TestConcurrentSessions(t *testing.T) {
	tr, rec, _ := newTracker()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			tr.SetOnline("carol")
			tr.Heartbeat("carol")
		})
	}
	wg.Wait()
	require.Equal(t, []models.PresenceStatus{models.PresenceOnline}, rec.statuses("carol"))

	for i := 0; i < 20; i++ {
		wg.Go(func() {
			tr.SetOffline("carol")
		})
	}
	wg.Wait()
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, rec.statuses("carol"))
}
