package syncclient

import (
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sent(room string, seq, rev uint64, id, content string) models.Event {
	msg := models.Message{ID: id, RoomID: room, Seq: seq, Rev: rev, AuthorID: "alice", Kind: models.MessageKindText, Content: content}
	return models.Event{
		Type:     models.EventMessageSent,
		RoomID:   room,
		Actor:    "alice",
		Sequence: seq,
		Revision: rev,
		Payload:  models.Payload{Message: &msg, MessageID: id},
	}
}

func overlay(t models.EventType, msg models.Message) models.Event {
	return models.Event{
		Type:     t,
		RoomID:   msg.RoomID,
		Sequence: msg.Seq,
		Revision: msg.Rev,
		Payload:  models.Payload{Message: &msg, MessageID: msg.ID},
	}
}

func synced(t *testing.T, room string) *Projection {
	t.Helper()
	p := NewProjection("bob")
	p.Merge(room, nil, 0, 0)
	require.False(t, p.NeedsResync(room))
	return p
}

func TestProjection_DeduplicatesRedelivery(t *testing.T) {
	p := synced(t, "general")

	assert.True(t, p.Apply(sent("general", 1, 1, "m1", "hi")))
	assert.False(t, p.Apply(sent("general", 1, 1, "m1", "hi")))

	msgs := p.Messages("general")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, p.NeedsResync("general"))

	seq, rev, ok := p.Cursor("general")
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(1), rev)
}

func TestProjection_LateMessageIsKept(t *testing.T) {
	p := synced(t, "general")

	require.True(t, p.Apply(sent("general", 2, 2, "m2", "second")))
	assert.True(t, p.NeedsResync("general"))
	require.True(t, p.Apply(sent("general", 1, 1, "m1", "first")))
	assert.False(t, p.Apply(sent("general", 1, 1, "m1", "first")))

	msgs := p.Messages("general")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	seq, rev, _ := p.Cursor("general")
	assert.Equal(t, uint64(2), seq)
	assert.Zero(t, rev)
}

func TestProjection_OverlayOnUnknownMessage(t *testing.T) {
	p := synced(t, "general")

	ghost := models.Message{ID: "m9", RoomID: "general", Seq: 9, Rev: 1, Reactions: map[string][]string{"👍": {"carol"}}}
	assert.False(t, p.Apply(overlay(models.EventReactionAdded, ghost)))
	assert.Empty(t, p.Messages("general"))
	assert.True(t, p.NeedsResync("general"))
}

func TestProjection_RevisionGapFlagsResync(t *testing.T) {
	p := synced(t, "general")

	require.True(t, p.Apply(sent("general", 1, 1, "m1", "one")))
	// Revision 2 was missed.
	require.True(t, p.Apply(sent("general", 2, 3, "m2", "two")))
	assert.True(t, p.NeedsResync("general"))

	seq, rev, _ := p.Cursor("general")
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(1), rev, "synced revision stays below the gap")

	// The catch-up page repairs the hole.
	edited := models.Message{ID: "m1", RoomID: "general", Seq: 1, Rev: 2, Content: "one", Edit: models.EditOverlay{Edited: true, Content: "uno"}}
	p.Merge("general", []models.Message{edited}, 2, 3)
	assert.False(t, p.NeedsResync("general"))

	msg, ok := p.Message("general", "m1")
	require.True(t, ok)
	assert.Equal(t, "uno", msg.CurrentContent())
}

func TestProjection_OverlaysAreMonotonic(t *testing.T) {
	p := synced(t, "general")
	require.True(t, p.Apply(sent("general", 1, 1, "m1", "hi")))

	reacted := models.Message{ID: "m1", RoomID: "general", Seq: 1, Rev: 2, Content: "hi", Reactions: map[string][]string{"👍": {"bob"}}}
	require.True(t, p.Apply(overlay(models.EventReactionAdded, reacted)))

	deleted := reacted.Redacted()
	deleted.Rev = 3
	deleted.Deletion = models.DeleteOverlay{Deleted: true, DeletedBy: "alice"}
	deleted = deleted.Redacted()
	require.True(t, p.Apply(overlay(models.EventMessageDeleted, deleted)))

	// A late redelivery of the reaction must not resurrect the content.
	assert.False(t, p.Apply(overlay(models.EventReactionAdded, reacted)))

	msg, _ := p.Message("general", "m1")
	assert.True(t, msg.Deletion.Deleted)
	assert.Empty(t, msg.Content)
	assert.Equal(t, []string{"bob"}, msg.Reactions["👍"])
}

func TestProjection_MergeKeepsNewerLocalCopy(t *testing.T) {
	p := synced(t, "general")
	require.True(t, p.Apply(sent("general", 1, 1, "m1", "hi")))
	pinned := models.Message{ID: "m1", RoomID: "general", Seq: 1, Rev: 2, Content: "hi", Pin: models.PinOverlay{Pinned: true}}
	require.True(t, p.Apply(overlay(models.EventMessagePinned, pinned)))

	old := models.Message{ID: "m1", RoomID: "general", Seq: 1, Rev: 1, Content: "hi"}
	p.Merge("general", []models.Message{old}, 1, 2)

	msg, _ := p.Message("general", "m1")
	assert.True(t, msg.Pin.Pinned)
}

func TestProjection_RoomsAreIndependent(t *testing.T) {
	p := synced(t, "general")
	p.Merge("random", nil, 0, 0)

	// Interleaved arrival across rooms.
	require.True(t, p.Apply(sent("random", 1, 1, "r1", "a")))
	require.True(t, p.Apply(sent("general", 1, 1, "g1", "b")))
	require.True(t, p.Apply(sent("random", 2, 2, "r2", "c")))

	assert.Len(t, p.Messages("general"), 1)
	assert.Len(t, p.Messages("random"), 2)
	assert.False(t, p.NeedsResync("general"))
	assert.False(t, p.NeedsResync("random"))
	assert.Equal(t, []string{"general", "random"}, p.Rooms())
}

func TestProjection_ResyncMarker(t *testing.T) {
	p := synced(t, "general")
	require.True(t, p.Apply(models.Event{
		Type:    models.EventResyncRequired,
		RoomID:  "general",
		Payload: models.Payload{ResyncFrom: 4},
	}))
	assert.True(t, p.NeedsResync("general"))
}

func TestProjection_Membership(t *testing.T) {
	p := NewProjection("bob")

	room := models.Room{
		ID:   "ops",
		Name: "Ops",
		Members: map[string]models.Member{
			"alice": {UserID: "alice"},
			"bob":   {UserID: "bob", JoinOrder: 1},
		},
		Admins: map[string]bool{"alice": true},
	}
	require.True(t, p.Apply(models.Event{
		Type:    models.EventRoomMembershipChanged,
		RoomID:  "ops",
		Actor:   "alice",
		Payload: models.Payload{Membership: &models.MembershipPayload{UserID: "bob", Change: models.MembershipJoined, Room: &room}},
	}))
	assert.True(t, p.NeedsResync("ops"), "joined rooms need a catch-up")
	snapshot, ok := p.Room("ops")
	require.True(t, ok)
	assert.Equal(t, "Ops", snapshot.Name)

	// Changes of rooms the session is not part of are ignored.
	other := models.Room{ID: "hr", Members: map[string]models.Member{"alice": {UserID: "alice"}}}
	assert.False(t, p.Apply(models.Event{
		Type:    models.EventRoomMembershipChanged,
		RoomID:  "hr",
		Payload: models.Payload{Membership: &models.MembershipPayload{UserID: "alice", Change: models.MembershipCreated, Room: &other}},
	}))

	require.True(t, p.Apply(models.Event{
		Type:    models.EventRoomMembershipChanged,
		RoomID:  "ops",
		Actor:   "alice",
		Payload: models.Payload{Membership: &models.MembershipPayload{UserID: "bob", Change: models.MembershipKicked}},
	}))
	assert.Empty(t, p.Rooms())
}

func TestProjection_TypingAndPresence(t *testing.T) {
	p := synced(t, "general")
	now := time.Unix(1700000000, 0)
	p.now = func() time.Time { return now }

	p.Apply(models.Event{
		Type:    models.EventTypingStarted,
		RoomID:  "general",
		Payload: models.Payload{Typing: &models.TypingPayload{UserID: "alice", ExpiresAt: now.Add(5 * time.Second).UnixNano()}},
	})
	p.Apply(models.Event{
		Type:    models.EventTypingStarted,
		RoomID:  "general",
		Payload: models.Payload{Typing: &models.TypingPayload{UserID: "carol", ExpiresAt: now.Add(-time.Second).UnixNano()}},
	})
	assert.Equal(t, []string{"alice"}, p.Typing("general"))

	// Sending clears the author's indicator.
	p.Apply(sent("general", 1, 1, "m1", "done"))
	assert.Empty(t, p.Typing("general"))

	p.Apply(models.Event{
		Type:    models.EventPresenceChanged,
		Payload: models.Payload{Presence: &models.PresencePayload{UserID: "alice", Status: models.PresenceAway, LastSeen: now.Unix()}},
	})
	pr, ok := p.Presence("alice")
	require.True(t, ok)
	assert.Equal(t, models.PresenceAway, pr.Status)
}
