package bus

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/rooms"
	"chatsync/internal/router"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	event := models.Event{
		Type:      models.EventMessageEdited,
		RoomID:    "general",
		Actor:     "alice",
		Timestamp: 42,
		Sequence:  7,
		Revision:  9,
		Payload: models.Payload{Message: &models.Message{
			ID:        "m1",
			RoomID:    "general",
			Seq:       7,
			Rev:       9,
			AuthorID:  "alice",
			Content:   "hi",
			Reactions: map[string][]string{"👍": {"bob"}},
		}},
	}

	data, err := encode("node-a", event)
	require.NoError(t, err)

	got, foreign, err := decode("node-b", data)
	require.NoError(t, err)
	assert.True(t, foreign)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, event.Revision, got.Revision)
	require.NotNil(t, got.Payload.Message)
	assert.Equal(t, []string{"bob"}, got.Payload.Message.Reactions["👍"])

	_, foreign, err = decode("node-a", data)
	require.NoError(t, err)
	assert.False(t, foreign)

	_, _, err = decode("node-a", []byte{0xc1})
	assert.Error(t, err)
}

func TestRedisBus(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewRedis(client, "chatsync:events", "a", nil)
	nodeB := NewRedis(client, "chatsync:events", "b", nil)

	receivedA := make(chan models.Event, 4)
	receivedB := make(chan models.Event, 4)
	require.NoError(t, nodeA.Listen(ctx, func(e models.Event) { receivedA <- e }))
	require.NoError(t, nodeB.Listen(ctx, func(e models.Event) { receivedB <- e }))

	require.NoError(t, nodeA.Publish(ctx, models.Event{Type: models.EventMessageSent, RoomID: "general", Sequence: 1}))

	select {
	case e := <-receivedB:
		assert.Equal(t, "general", e.RoomID)
		assert.Equal(t, uint64(1), e.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("node b did not receive the event")
	}

	select {
	case e := <-receivedA:
		t.Fatalf("node a received its own event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_RoutersShareOnlyPresenceAndTyping(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	general := rooms.CreateRequest{ID: "general", Name: "General", Creator: "alice", Members: []string{"bob"}}
	regA := rooms.New(nil, nil)
	regB := rooms.New(nil, nil)
	_, err = regA.CreateRoom(general)
	require.NoError(t, err)
	_, err = regB.CreateRoom(general)
	require.NoError(t, err)

	busA := NewRedis(client, "chatsync:events", "a", nil)
	busB := NewRedis(client, "chatsync:events", "b", nil)
	nodeA := router.New(regA, nil, router.WithRelay(busA))
	nodeB := router.New(regB, nil, router.WithRelay(busB))
	require.NoError(t, busA.Listen(ctx, nodeA.Relayed))
	require.NoError(t, busB.Listen(ctx, nodeB.Relayed))
	go nodeA.RunRelay(ctx)
	go nodeB.RunRelay(ctx)

	bob := nodeB.Connect("bob")

	// A room created on node A after node B started is unknown to B.
	_, err = regA.CreateRoom(rooms.CreateRequest{ID: "late", Name: "Late", Creator: "alice", Members: []string{"bob"}})
	require.NoError(t, err)
	nodeA.Publish(models.Event{Type: models.EventMessageSent, RoomID: "late", Sequence: 1, Revision: 1})
	nodeA.Publish(models.Event{Type: models.EventMessageSent, RoomID: "general", Sequence: 1, Revision: 1})
	nodeA.Publish(models.Event{
		Type:    models.EventPresenceChanged,
		Payload: models.Payload{Presence: &models.PresencePayload{UserID: "alice", Status: models.PresenceOnline}},
	})

	next, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	e, err := bob.Next(next)
	require.NoError(t, err)
	assert.Equal(t, models.EventPresenceChanged, e.Type)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, bob.Pending(), "room log events of node a must not reach node b")
}
