package models

type EventType string

const (
	EventMessageSent           EventType = "message_sent"
	EventMessageEdited         EventType = "message_edited"
	EventMessageDeleted        EventType = "message_deleted"
	EventReactionAdded         EventType = "reaction_added"
	EventReactionRemoved       EventType = "reaction_removed"
	EventMessagePinned         EventType = "message_pinned"
	EventMessageUnpinned       EventType = "message_unpinned"
	EventMessageModerated      EventType = "message_moderated"
	EventMessageRead           EventType = "message_read"
	EventRoomMembershipChanged EventType = "room_membership_changed"
	EventPresenceChanged       EventType = "presence_changed"
	EventTypingStarted         EventType = "typing_started"
	EventTypingStopped         EventType = "typing_stopped"
	// EventResyncRequired is generated by the router for a single session when
	// its queue could not hold a critical event.
	EventResyncRequired EventType = "resync_required"
)

// IsOverlay reports whether the event mutates an existing message.
func (t EventType) IsOverlay() bool {
	switch t {
	case EventMessageEdited, EventMessageDeleted, EventReactionAdded, EventReactionRemoved,
		EventMessagePinned, EventMessageUnpinned, EventMessageModerated, EventMessageRead:
		return true
	}
	return false
}

// IsCritical reports whether the event may never be dropped from a delivery queue.
// Ephemeral events are safe to drop since the next transition supersedes them.
func (t EventType) IsCritical() bool {
	switch t {
	case EventTypingStarted, EventTypingStopped, EventPresenceChanged:
		return false
	}
	return true
}

type MembershipChange string

const (
	MembershipJoined  MembershipChange = "joined"
	MembershipLeft    MembershipChange = "left"
	MembershipKicked  MembershipChange = "kicked"
	MembershipRole    MembershipChange = "role"
	MembershipCreated MembershipChange = "created"
	MembershipUpdated MembershipChange = "settings"
)

// MembershipPayload describes a room membership or configuration change.
type MembershipPayload struct {
	UserID string           `json:"userId,omitempty" msgpack:"userId"`
	Change MembershipChange `json:"change" msgpack:"change"`
	Role   Role             `json:"role,omitempty" msgpack:"role"`
	// Room is the room snapshot after the change.
	Room *Room `json:"room,omitempty" msgpack:"room"`
}

type PresencePayload struct {
	UserID   string         `json:"userId" msgpack:"userId"`
	Status   PresenceStatus `json:"status" msgpack:"status"`
	LastSeen int64          `json:"lastSeen" msgpack:"lastSeen"`
}

type TypingPayload struct {
	UserID    string `json:"userId" msgpack:"userId"`
	ExpiresAt int64  `json:"expiresAt,omitempty" msgpack:"expiresAt"`
}

// Payload is the tag specific part of an event. Only the fields relevant
// to the event type are set.
type Payload struct {
	// Message is the message snapshot after the mutation, redacted when deleted.
	Message    *Message           `json:"message,omitempty" msgpack:"message"`
	MessageID  string             `json:"messageId,omitempty" msgpack:"messageId"`
	Emoji      string             `json:"emoji,omitempty" msgpack:"emoji"`
	Reason     string             `json:"reason,omitempty" msgpack:"reason"`
	Membership *MembershipPayload `json:"membership,omitempty" msgpack:"membership"`
	Presence   *PresencePayload   `json:"presence,omitempty" msgpack:"presence"`
	Typing     *TypingPayload     `json:"typing,omitempty" msgpack:"typing"`
	// ResyncFrom is the last revision the session is known to have received.
	ResyncFrom uint64 `json:"resyncFrom,omitempty" msgpack:"resyncFrom"`
}

// Event is the wire and internal representation of a single state change.
// Events are immutable once emitted.
type Event struct {
	Type   EventType `json:"type" msgpack:"type"`
	RoomID string    `json:"room,omitempty" msgpack:"room"`
	Actor  string    `json:"actor" msgpack:"actor"`
	// Timestamp is informational only (Unix nanoseconds).
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`
	// Sequence is the room-local sequence of the affected message.
	Sequence uint64 `json:"sequence,omitempty" msgpack:"sequence"`
	// Revision is the room-local mutation counter after this event.
	// Zero for events that are not persisted.
	Revision uint64  `json:"revision,omitempty" msgpack:"revision"`
	Payload  Payload `json:"payload" msgpack:"payload"`
}

// SubjectUser returns the user an event is about, for events that have one.
func (e *Event) SubjectUser() string {
	switch {
	case e.Payload.Membership != nil:
		return e.Payload.Membership.UserID
	case e.Payload.Presence != nil:
		return e.Payload.Presence.UserID
	case e.Payload.Typing != nil:
		return e.Payload.Typing.UserID
	}
	return ""
}
