package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	subs    map[string][]models.PushSubscription
	deleted []models.PushSubscription
}

func (m *memStore) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID], nil
}

func (m *memStore) DeletePushSubscription(sub models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sub)
	return nil
}

func TestNotifier(t *testing.T) {
	store := &memStore{subs: map[string][]models.PushSubscription{
		"bob":   {{UserID: "bob", Endpoint: "https://push.example/bob"}},
		"carol": {{UserID: "carol", Endpoint: "https://push.example/carol"}},
	}}
	n := New(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv", Subscriber: "ops@example.com"}, store, nil)

	var mu sync.Mutex
	var sent []Payload
	done := make(chan struct{}, 4)
	n.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		defer func() { done <- struct{}{} }()
		var p Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		sent = append(sent, p)
		mu.Unlock()
		status := http.StatusCreated
		if strings.HasSuffix(sub.Endpoint, "carol") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	room := models.Room{ID: "general", Name: "General", Settings: models.DefaultRoomSettings()}
	msg := models.Message{ID: "m1", AuthorID: "alice", Kind: models.MessageKindText, Content: strings.Repeat("é", 100)}
	n.MessageSent(room, msg, []string{"alice", "bob", "carol"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("notification not sent")
		}
	}

	mu.Lock()
	require.Len(t, sent, 2)
	assert.Equal(t, "General", sent[0].Title)
	assert.Equal(t, "m1", sent[0].MessageID)
	assert.True(t, strings.HasSuffix(sent[0].Body, "…"))
	mu.Unlock()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deleted) == 1 && store.deleted[0].UserID == "carol"
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationsDisabled(t *testing.T) {
	n := New(Config{}, &memStore{}, nil)
	room := models.Room{ID: "quiet", Settings: models.DefaultRoomSettings()}
	room.Settings.NotificationsEnabled = false
	n.MessageSent(room, models.Message{AuthorID: "alice"}, []string{"bob"})
	assert.Len(t, n.jobs, 0)
}
