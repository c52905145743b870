// Package chat turns client actions into validated, persisted and broadcast events.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatsync/internal/messages"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/rooms"
	"chatsync/internal/router"
	"chatsync/internal/typing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const sweepInterval = time.Second

// Notifier is told about messages that offline members may want to hear about.
type Notifier interface {
	MessageSent(room models.Room, msg models.Message, recipients []string)
	Run(ctx context.Context) error
}

type Config struct {
	Rooms    *rooms.Registry
	Store    *messages.Store
	Router   *router.Router
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Notifier Notifier
	Logger   *slog.Logger
}

// Service is the single entry point for client actions. Every accepted action
// is checked against the room registry, written to the message store when it
// is persistent and only then published.
type Service struct {
	rooms    *rooms.Registry
	store    *messages.Store
	router   *router.Router
	presence *presence.Tracker
	typing   *typing.Coordinator
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(config Config) *Service {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rooms:    config.Rooms,
		store:    config.Store,
		router:   config.Router,
		presence: config.Presence,
		typing:   config.Typing,
		notifier: config.Notifier,
		logger:   logger.With("component", "chat"),
		tracer:   otel.Tracer("chatsync/internal/chat"),
		now:      time.Now,
	}
}

// Run drives the periodic sweeps and the notifier until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.presence.Run(ctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		s.typing.Run(ctx, sweepInterval)
		return nil
	})
	if s.notifier != nil {
		g.Go(func() error { return s.notifier.Run(ctx) })
	}
	return g.Wait()
}

// Connect opens a session for an authenticated user.
func (s *Service) Connect(userID string) *router.Session {
	session := s.router.Connect(userID)
	s.presence.SetOnline(userID)
	metrics.SessionsConnected().Inc()
	return session
}

// Disconnect closes the session. When it was the user's last one the user
// stops typing everywhere and goes offline.
func (s *Service) Disconnect(session *router.Session) {
	if s.router.Disconnect(session.ID) {
		s.typing.StopAll(session.UserID)
		s.presence.SetOffline(session.UserID)
	}
	metrics.SessionsConnected().Dec()
}

func (s *Service) Heartbeat(userID string) {
	s.presence.Heartbeat(userID)
}

func (s *Service) Subscribe(session *router.Session, roomID string) error {
	if _, err := s.rooms.Room(roomID); err != nil {
		return s.reject("subscribe", err)
	}
	return s.reject("subscribe", s.router.Subscribe(session.ID, roomID))
}

func (s *Service) Unsubscribe(session *router.Session, roomID string) {
	s.router.Unsubscribe(session.ID, roomID)
}

// Send appends a message and publishes MessageSent. A resend of a known
// client id returns the stored message without publishing again.
func (s *Service) Send(ctx context.Context, req messages.SendRequest) (messages.SendResult, error) {
	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.author_id", req.AuthorID),
		attribute.String("chat.kind", string(req.Kind)),
	))
	defer span.End()
	defer s.observe("send", s.now())

	// Events of one room leave in log order: they are published while the
	// room log is still locked.
	req.Committed = func(stored models.Message) {
		msg := stored.Redacted()
		s.publish(models.Event{
			Type:      models.EventMessageSent,
			RoomID:    msg.RoomID,
			Actor:     msg.AuthorID,
			Timestamp: s.now().UnixNano(),
			Sequence:  msg.Seq,
			Revision:  msg.Rev,
			Payload:   models.Payload{Message: &msg, MessageID: msg.ID},
		})
	}
	res, err := s.store.Append(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return res, s.reject("send", err)
	}
	if res.Duplicate {
		span.SetAttributes(attribute.Bool("chat.duplicate", true))
		return res, nil
	}

	msg := res.Message
	s.typing.StopTyping(msg.RoomID, msg.AuthorID)
	s.notifyOffline(msg)
	return res, nil
}

// Overlay applies an edit, delete, reaction, pin, moderation or read receipt.
// Requests that leave the message unchanged publish nothing.
func (s *Service) Overlay(ctx context.Context, req messages.OverlayRequest) (messages.OverlayResult, error) {
	ctx, span := s.tracer.Start(ctx, "chat.overlay", trace.WithAttributes(
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.message_id", req.MessageID),
		attribute.String("chat.overlay", string(req.Kind)),
	))
	defer span.End()
	defer s.observe(string(req.Kind), s.now())

	req.Committed = func(stored models.Message) {
		msg := stored.Redacted()
		s.publish(models.Event{
			Type:      req.Kind.EventType(),
			RoomID:    msg.RoomID,
			Actor:     req.Actor,
			Timestamp: s.now().UnixNano(),
			Sequence:  msg.Seq,
			Revision:  msg.Rev,
			Payload: models.Payload{
				Message:   &msg,
				MessageID: msg.ID,
				Emoji:     req.Emoji,
				Reason:    req.Reason,
			},
		})
	}
	res, err := s.store.ApplyOverlay(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "overlay failed")
		return res, s.reject(string(req.Kind), err)
	}
	return res, nil
}

func (s *Service) CreateRoom(ctx context.Context, req rooms.CreateRequest) (models.Room, error) {
	_, span := s.tracer.Start(ctx, "chat.create_room", trace.WithAttributes(
		attribute.String("chat.creator_id", req.Creator),
	))
	defer span.End()

	room, err := s.rooms.CreateRoom(req)
	if err != nil {
		span.RecordError(err)
		return room, s.reject("create_room", err)
	}
	s.publishMembership(room, req.Creator, req.Creator, models.MembershipCreated, models.RoleAdmin)
	return room, nil
}

func (s *Service) Join(roomID, userID string) (models.Room, error) {
	res, err := s.rooms.Join(roomID, userID)
	return s.membershipResult("join", res, err, userID, userID, models.MembershipJoined)
}

func (s *Service) Invite(roomID, actor, target string) (models.Room, error) {
	res, err := s.rooms.Invite(roomID, actor, target)
	return s.membershipResult("invite", res, err, actor, target, models.MembershipJoined)
}

func (s *Service) Leave(roomID, userID string) (models.Room, error) {
	res, err := s.rooms.Leave(roomID, userID)
	if err == nil && res.Changed {
		s.typing.StopTyping(roomID, userID)
	}
	return s.membershipResult("leave", res, err, userID, userID, models.MembershipLeft)
}

func (s *Service) Kick(roomID, actor, target string) (models.Room, error) {
	res, err := s.rooms.Kick(roomID, actor, target)
	if err == nil && res.Changed {
		s.typing.StopTyping(roomID, target)
	}
	return s.membershipResult("kick", res, err, actor, target, models.MembershipKicked)
}

func (s *Service) SetRole(roomID, actor, target string, role models.Role) (models.Room, error) {
	res, err := s.rooms.SetRole(roomID, actor, target, role)
	if err != nil {
		return res.Room, s.reject("set_role", err)
	}
	if res.Changed {
		s.publishMembership(res.Room, actor, target, models.MembershipRole, role)
	}
	return res.Room, nil
}

func (s *Service) UpdateSettings(roomID, actor string, patch models.SettingsPatch) (models.Room, error) {
	res, err := s.rooms.UpdateSettings(roomID, actor, patch)
	return s.membershipResult("update_settings", res, err, actor, "", models.MembershipUpdated)
}

// StartTyping marks the user as typing. Only members may type in a room.
func (s *Service) StartTyping(roomID, userID string) error {
	if !s.rooms.IsMember(roomID, userID) {
		return s.reject("typing", s.membershipError(roomID))
	}
	s.typing.StartTyping(roomID, userID)
	return nil
}

func (s *Service) StopTyping(roomID, userID string) error {
	if !s.rooms.IsMember(roomID, userID) {
		return s.reject("typing", s.membershipError(roomID))
	}
	s.typing.StopTyping(roomID, userID)
	return nil
}

// History returns up to limit messages after sinceSeq to a room member.
func (s *Service) History(roomID, userID string, sinceSeq uint64, limit int) ([]models.Message, messages.Head, error) {
	if !s.rooms.IsMember(roomID, userID) {
		return nil, messages.Head{}, s.reject("history", s.membershipError(roomID))
	}
	msgs, err := s.store.Query(roomID, sinceSeq, limit)
	if err != nil {
		return nil, messages.Head{}, s.reject("history", err)
	}
	head, err := s.store.Head(roomID)
	if err != nil {
		return nil, messages.Head{}, s.reject("history", err)
	}
	return msgs, head, nil
}

// Changes returns every message appended after sinceSeq or mutated after
// sinceRev, for clients recovering from a resync marker.
func (s *Service) Changes(roomID, userID string, sinceSeq, sinceRev uint64) ([]models.Message, messages.Head, error) {
	if !s.rooms.IsMember(roomID, userID) {
		return nil, messages.Head{}, s.reject("changes", s.membershipError(roomID))
	}
	msgs, head, err := s.store.Changes(roomID, sinceSeq, sinceRev)
	if err != nil {
		return nil, messages.Head{}, s.reject("changes", err)
	}
	return msgs, head, nil
}

// Chats lists the rooms of the user with their last sequence.
func (s *Service) Chats(userID string) []models.Chat {
	list := s.rooms.List(userID)
	result := make([]models.Chat, 0, len(list))
	for _, room := range list {
		chat := models.Chat{
			ID:         room.ID,
			Name:       room.Name,
			Visibility: room.Visibility,
			Role:       room.RoleOf(userID),
		}
		if head, err := s.store.Head(room.ID); err == nil {
			chat.LastSeq = head.Seq
		}
		result = append(result, chat)
	}
	return result
}

func (s *Service) Room(roomID, userID string) (models.Room, error) {
	room, err := s.rooms.Room(roomID)
	if err != nil {
		return room, err
	}
	if !room.IsMember(userID) && room.Visibility != models.VisibilityPublic {
		return models.Room{}, models.ErrRoomNotFound
	}
	return room, nil
}

func (s *Service) Presence(userID string) models.Presence {
	return s.presence.Status(userID)
}

func (s *Service) membershipResult(action string, res rooms.Result, err error, actor, subject string, change models.MembershipChange) (models.Room, error) {
	if err != nil {
		return res.Room, s.reject(action, err)
	}
	if !res.Changed {
		return res.Room, nil
	}
	role := models.Role("")
	if subject != "" && res.Room.IsMember(subject) {
		role = res.Room.RoleOf(subject)
	}
	s.publishMembership(res.Room, actor, subject, change, role)
	if res.Promoted != "" {
		s.publishMembership(res.Room, actor, res.Promoted, models.MembershipRole, models.RoleAdmin)
	}
	return res.Room, nil
}

func (s *Service) publishMembership(room models.Room, actor, subject string, change models.MembershipChange, role models.Role) {
	snapshot := room.Clone()
	s.publish(models.Event{
		Type:      models.EventRoomMembershipChanged,
		RoomID:    room.ID,
		Actor:     actor,
		Timestamp: s.now().UnixNano(),
		Payload: models.Payload{Membership: &models.MembershipPayload{
			UserID: subject,
			Change: change,
			Role:   role,
			Room:   &snapshot,
		}},
	})
}

func (s *Service) publish(event models.Event) {
	metrics.EventsPublished().WithLabelValues(string(event.Type)).Inc()
	s.router.Publish(event)
}

// notifyOffline hands the message to the notifier for members with no session.
func (s *Service) notifyOffline(msg models.Message) {
	if s.notifier == nil {
		return
	}
	room, err := s.rooms.Room(msg.RoomID)
	if err != nil || !room.Settings.NotificationsEnabled {
		return
	}
	var offline []string
	for _, id := range room.MemberIDs() {
		if id != msg.AuthorID && !s.router.Connected(id) {
			offline = append(offline, id)
		}
	}
	if len(offline) > 0 {
		s.notifier.MessageSent(room, msg, offline)
	}
}

func (s *Service) membershipError(roomID string) error {
	if _, err := s.rooms.Room(roomID); err != nil {
		return err
	}
	return models.ErrNotAMember
}

// reject counts and logs a failed action. It returns err unchanged.
func (s *Service) reject(action string, err error) error {
	if err == nil {
		return nil
	}
	ce := models.AsError(err)
	metrics.ActionsRejected().WithLabelValues(ce.Code).Inc()
	if errors.Is(err, models.ErrKindUnavailable) {
		s.logger.Error("action failed", "action", action, "error", err)
	} else {
		s.logger.Debug("action rejected", "action", action, "code", ce.Code)
	}
	return err
}

func (s *Service) observe(action string, start time.Time) {
	metrics.ActionLatency().WithLabelValues(action).Observe(s.now().Sub(start).Seconds())
}
