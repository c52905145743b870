package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/messages"
	"chatsync/internal/models"
	"chatsync/internal/router"

	"github.com/go-playground/validator/v10"
)

// Hub translates client frames into chat service calls.
type Hub struct {
	chat     *chat.Service
	validate *validator.Validate
}

func NewHub(chat *chat.Service) *Hub {
	return &Hub{
		chat:     chat,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Hub) Join(userID string) *router.Session {
	return h.chat.Connect(userID)
}

func (h *Hub) Leave(session *router.Session) {
	h.chat.Disconnect(session)
}

// Dispatch executes a client frame and returns the reply for the originating
// session. Any frame counts as activity for presence.
func (h *Hub) Dispatch(ctx context.Context, session *router.Session, msg models.ClientMessage) models.ServerMessage {
	h.chat.Heartbeat(session.UserID)

	if err := h.validate.Struct(msg); err != nil {
		return models.ErrorMessage(msg.RequestID, models.InvalidRequest(validationMessage(err)))
	}
	if msg.Type.IsOverlay() && msg.MessageID == "" {
		return models.ErrorMessage(msg.RequestID, models.InvalidRequest("messageId is required"))
	}
	if err := adminFields(msg); err != nil {
		return models.ErrorMessage(msg.RequestID, err)
	}

	reply, err := h.dispatch(ctx, session, msg)
	if err != nil {
		return models.ErrorMessage(msg.RequestID, err)
	}
	reply.RequestID = msg.RequestID
	reply.RoomID = msg.RoomID
	return reply
}

func (h *Hub) dispatch(ctx context.Context, session *router.Session, msg models.ClientMessage) (models.ServerMessage, error) {
	ack := models.ServerMessage{Type: string(models.ServerMessageAck)}
	userID := session.UserID

	switch msg.Type {
	case models.ClientMessageHeartbeat:
		return ack, nil

	case models.ClientMessageSubscribe:
		return ack, h.chat.Subscribe(session, msg.RoomID)

	case models.ClientMessageUnsubscribe:
		h.chat.Unsubscribe(session, msg.RoomID)
		return ack, nil

	case models.ClientMessageSend:
		res, err := h.chat.Send(ctx, messages.SendRequest{
			RoomID:   msg.RoomID,
			AuthorID: userID,
			ClientID: msg.ClientID,
			Kind:     msg.Kind,
			Content:  msg.Content,
			Blob:     msg.Blob,
			ReplyTo:  msg.ReplyTo,
		})
		if err != nil {
			return ack, err
		}
		m := res.Message.Redacted()
		ack.Message = &m
		ack.Duplicate = res.Duplicate
		return ack, nil

	case models.ClientMessageTypingStart:
		return ack, h.chat.StartTyping(msg.RoomID, userID)

	case models.ClientMessageTypingStop:
		return ack, h.chat.StopTyping(msg.RoomID, userID)

	case models.ClientMessageHistory:
		msgs, head, err := h.chat.History(msg.RoomID, userID, msg.Since, msg.Limit)
		if err != nil {
			return ack, err
		}
		return historyReply(msgs, head), nil

	case models.ClientMessageChanges:
		msgs, head, err := h.chat.Changes(msg.RoomID, userID, msg.Since, msg.SinceRev)
		if err != nil {
			return ack, err
		}
		return historyReply(msgs, head), nil

	case models.ClientMessageInvite:
		return roomReply(ack)(h.chat.Invite(msg.RoomID, userID, msg.UserID))

	case models.ClientMessageKick:
		return roomReply(ack)(h.chat.Kick(msg.RoomID, userID, msg.UserID))

	case models.ClientMessageSetRole:
		return roomReply(ack)(h.chat.SetRole(msg.RoomID, userID, msg.UserID, msg.Role))

	case models.ClientMessageUpdateSettings:
		return roomReply(ack)(h.chat.UpdateSettings(msg.RoomID, userID, *msg.Settings))
	}

	if msg.Type.IsOverlay() {
		res, err := h.chat.Overlay(ctx, messages.OverlayRequest{
			RoomID:    msg.RoomID,
			MessageID: msg.MessageID,
			Actor:     userID,
			Kind:      messages.OverlayKind(msg.Type),
			Content:   msg.Content,
			Emoji:     msg.Emoji,
			Reason:    msg.Reason,
		})
		if err != nil {
			return ack, err
		}
		m := res.Message.Redacted()
		ack.Message = &m
		return ack, nil
	}

	return ack, models.InvalidRequest(fmt.Sprintf("unsupported frame type %q", msg.Type))
}

func adminFields(msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageInvite, models.ClientMessageKick:
		if msg.UserID == "" {
			return models.InvalidRequest("userId is required")
		}
	case models.ClientMessageSetRole:
		if msg.UserID == "" || msg.Role == "" {
			return models.InvalidRequest("userId and role are required")
		}
	case models.ClientMessageUpdateSettings:
		if msg.Settings == nil {
			return models.InvalidRequest("settings are required")
		}
	}
	return nil
}

// roomReply attaches the room snapshot of an administration action to ack.
func roomReply(ack models.ServerMessage) func(models.Room, error) (models.ServerMessage, error) {
	return func(room models.Room, err error) (models.ServerMessage, error) {
		if err != nil {
			return ack, err
		}
		ack.Snapshot = &room
		return ack, nil
	}
}

func historyReply(msgs []models.Message, head messages.Head) models.ServerMessage {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return models.ServerMessage{
		Type:     string(models.ServerMessageHistory),
		Messages: msgs,
		HeadSeq:  head.Seq,
		HeadRev:  head.Rev,
	}
}

func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
