package models

import "time"

type ClientMessageType string

const (
	ClientMessageSubscribe   ClientMessageType = "subscribe"
	ClientMessageUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageSend        ClientMessageType = "send"
	ClientMessageEdit        ClientMessageType = "edit"
	ClientMessageDelete      ClientMessageType = "delete"
	ClientMessageReact       ClientMessageType = "react"
	ClientMessageUnreact     ClientMessageType = "unreact"
	ClientMessagePin         ClientMessageType = "pin"
	ClientMessageUnpin       ClientMessageType = "unpin"
	ClientMessageModerate    ClientMessageType = "moderate"
	ClientMessageRead        ClientMessageType = "read"
	ClientMessageTypingStart ClientMessageType = "typing_start"
	ClientMessageTypingStop  ClientMessageType = "typing_stop"
	ClientMessageHeartbeat   ClientMessageType = "heartbeat"
	ClientMessageHistory     ClientMessageType = "history"
	ClientMessageChanges     ClientMessageType = "changes"

	// Room administration.
	ClientMessageInvite         ClientMessageType = "invite"
	ClientMessageKick           ClientMessageType = "kick"
	ClientMessageSetRole        ClientMessageType = "set_role"
	ClientMessageUpdateSettings ClientMessageType = "update_settings"
)

// IsOverlay reports whether the action targets an existing message.
func (t ClientMessageType) IsOverlay() bool {
	switch t {
	case ClientMessageEdit, ClientMessageDelete, ClientMessageReact, ClientMessageUnreact,
		ClientMessagePin, ClientMessageUnpin, ClientMessageModerate, ClientMessageRead:
		return true
	}
	return false
}

// ClientMessage represents a frame sent from the client to the server.
type ClientMessage struct {
	Type ClientMessageType `json:"type" validate:"required,oneof=subscribe unsubscribe send edit delete react unreact pin unpin moderate read typing_start typing_stop heartbeat history changes invite kick set_role update_settings"`
	// RequestID is echoed back in the ack or error reply.
	RequestID string      `json:"requestId,omitempty" validate:"max=64"`
	RoomID    string      `json:"room,omitempty" validate:"required_unless=Type heartbeat,max=128"`
	MessageID string      `json:"messageId,omitempty" validate:"max=64"`
	ClientID  string      `json:"clientId,omitempty" validate:"max=64"`
	Kind      MessageKind `json:"kind,omitempty" validate:"omitempty,oneof=text system blob"`
	Content   string      `json:"content,omitempty"`
	Blob      *Blob       `json:"blob,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty" validate:"max=64"`
	Emoji     string      `json:"emoji,omitempty" validate:"max=64"`
	Reason    string      `json:"reason,omitempty" validate:"max=512"`
	Since     uint64      `json:"since,omitempty"`
	SinceRev  uint64      `json:"sinceRev,omitempty"`
	Limit     int         `json:"limit,omitempty" validate:"min=0,max=1000"`
	// UserID is the target of invite, kick and set_role.
	UserID   string         `json:"userId,omitempty" validate:"max=64"`
	Role     Role           `json:"role,omitempty" validate:"omitempty,oneof=admin moderator member"`
	Settings *SettingsPatch `json:"settings,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageAck     ServerMessageType = "ack"
	ServerMessageError   ServerMessageType = "error"
	ServerMessageHistory ServerMessageType = "history"
)

// ErrorBody is the error reply sent to the originating session only.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is in milliseconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// ServerMessage represents a frame sent to the client. Events use the event
// type as Type and the event envelope fields; replies to client requests use
// the ack, error and history types.
type ServerMessage struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"room,omitempty"`
	Actor     string   `json:"actor,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Sequence  uint64   `json:"sequence,omitempty"`
	Revision  uint64   `json:"revision,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`

	RequestID string     `json:"requestId,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Messages  []Message  `json:"messages,omitempty"`
	HeadSeq   uint64     `json:"headSeq,omitempty"`
	HeadRev   uint64     `json:"headRev,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	// Snapshot is the room after an administration action.
	Snapshot *Room `json:"snapshot,omitempty"`
}

func EventMessage(e Event) ServerMessage {
	payload := e.Payload
	return ServerMessage{
		Type:      string(e.Type),
		RoomID:    e.RoomID,
		Actor:     e.Actor,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
		Revision:  e.Revision,
		Payload:   &payload,
	}
}

func ErrorMessage(requestID string, err error) ServerMessage {
	ce := AsError(err)
	return ServerMessage{
		Type:      string(ServerMessageError),
		RequestID: requestID,
		Error: &ErrorBody{
			Kind:       ce.Kind.String(),
			Code:       ce.Code,
			Message:    ce.Message,
			RetryAfter: ce.RetryAfter.Milliseconds(),
		},
	}
}

// IsEvent reports whether the frame carries an event rather than a reply.
func (m ServerMessage) IsEvent() bool {
	switch ServerMessageType(m.Type) {
	case ServerMessageAck, ServerMessageError, ServerMessageHistory:
		return false
	}
	return m.Type != ""
}

// Event converts an event frame back to an event.
func (m ServerMessage) Event() Event {
	e := Event{
		Type:      EventType(m.Type),
		RoomID:    m.RoomID,
		Actor:     m.Actor,
		Timestamp: m.Timestamp,
		Sequence:  m.Sequence,
		Revision:  m.Revision,
	}
	if m.Payload != nil {
		e.Payload = *m.Payload
	}
	return e
}

// Err converts an error reply back to a classified error.
func (b *ErrorBody) Err() *Error {
	kind := KindUnavailable
	for k := KindNotFound; k <= KindInvalid; k++ {
		if k.String() == b.Kind {
			kind = k
		}
	}
	return &Error{
		Kind:       kind,
		Code:       b.Code,
		Message:    b.Message,
		RetryAfter: time.Duration(b.RetryAfter) * time.Millisecond,
	}
}
