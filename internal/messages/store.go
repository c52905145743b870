package messages

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/internal/content"
	"chatsync/internal/models"

	"github.com/google/uuid"
)

// Backend is the durable part of the message log.
type Backend interface {
	AppendMessage(msg models.Message) error
	UpdateMessage(msg models.Message) error
	// ListMessages returns messages with from <= seq <= to, ordered by seq.
	ListMessages(roomID string, from, to uint64) ([]models.Message, error)
}

// Rooms gives read access to room snapshots.
type Rooms interface {
	Room(roomID string) (models.Room, error)
}

// SendRequest is a MessageSent action.
type SendRequest struct {
	RoomID   string
	AuthorID string
	// ClientID is the client generated idempotency key. Retries must reuse it.
	ClientID string
	Kind     models.MessageKind
	Content  string
	Blob     *models.Blob
	ReplyTo  string
	// Committed, when set, is called with the stored message while the room
	// log is still locked. It must not block.
	Committed func(models.Message)
}

// SendResult is the outcome of Append.
type SendResult struct {
	Message models.Message
	// Duplicate is set when ClientID was already stored; no new sequence was assigned.
	Duplicate bool
}

type OverlayKind string

const (
	OverlayEdit     OverlayKind = "edit"
	OverlayDelete   OverlayKind = "delete"
	OverlayReact    OverlayKind = "react"
	OverlayUnreact  OverlayKind = "unreact"
	OverlayPin      OverlayKind = "pin"
	OverlayUnpin    OverlayKind = "unpin"
	OverlayModerate OverlayKind = "moderate"
	OverlayRead     OverlayKind = "read"
)

// EventType maps the overlay to the event it produces.
func (k OverlayKind) EventType() models.EventType {
	switch k {
	case OverlayEdit:
		return models.EventMessageEdited
	case OverlayDelete:
		return models.EventMessageDeleted
	case OverlayReact:
		return models.EventReactionAdded
	case OverlayUnreact:
		return models.EventReactionRemoved
	case OverlayPin:
		return models.EventMessagePinned
	case OverlayUnpin:
		return models.EventMessageUnpinned
	case OverlayModerate:
		return models.EventMessageModerated
	case OverlayRead:
		return models.EventMessageRead
	}
	return ""
}

// OverlayRequest is an edit/delete/react/pin/moderate/read action on a message.
type OverlayRequest struct {
	RoomID    string
	MessageID string
	Actor     string
	Kind      OverlayKind
	Content   string // edit
	Emoji     string // react, unreact
	Reason    string // moderate
	// Committed is called like SendRequest.Committed, only when the overlay
	// changed the message.
	Committed func(models.Message)
}

// OverlayResult is the outcome of ApplyOverlay.
type OverlayResult struct {
	Message models.Message
	// Changed is false when the overlay was already in place.
	Changed bool
}

// Head is the position of a room log.
type Head struct {
	Seq uint64 `json:"seq"`
	Rev uint64 `json:"rev"`
}

type roomLog struct {
	mu       sync.Mutex
	loaded   bool
	messages []*models.Message // messages[i].Seq == i+1
	byID     map[string]*models.Message
	head     Head
	lastSent map[string]time.Time
}

// Store is the append-only message log with mutation overlays.
// Sequence assignment and overlays are serialized per room.
type Store struct {
	rooms   Rooms
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	logs map[string]*roomLog
}

func New(rooms Rooms, backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rooms:   rooms,
		backend: backend,
		logger:  logger.With("component", "messages"),
		now:     time.Now,
		logs:    make(map[string]*roomLog),
	}
}

// Append stores a new message and assigns the next room sequence.
func (s *Store) Append(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.Kind == "" {
		req.Kind = models.MessageKindText
	}
	switch req.Kind {
	case models.MessageKindText, models.MessageKindSystem:
		if err := content.ValidateMessage(req.Content); err != nil {
			return SendResult{}, models.InvalidRequest(err.Error())
		}
	case models.MessageKindBlob:
		if req.Blob == nil || req.Blob.FileID == "" {
			return SendResult{}, models.InvalidRequest("blob message without payload")
		}
	default:
		return SendResult{}, models.InvalidRequest("unknown message kind")
	}

	log, err := s.log(req.RoomID)
	if err != nil {
		return SendResult{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	room, err := s.rooms.Room(req.RoomID)
	if err != nil {
		return SendResult{}, err
	}
	if !room.IsMember(req.AuthorID) {
		return SendResult{}, models.ErrNotAMember
	}

	if req.ClientID != "" {
		if existing, ok := log.byID[req.ClientID]; ok {
			if existing.AuthorID != req.AuthorID {
				return SendResult{}, models.NewError(models.KindConflict, models.CodeInvalidRequest, "message id already used")
			}
			return SendResult{Message: existing.Clone(), Duplicate: true}, nil
		}
	}

	if room.Settings.ReadOnly && !room.IsAdmin(req.AuthorID) {
		return SendResult{}, models.ErrRoomReadOnly
	}

	now := s.now()
	if interval := time.Duration(room.Settings.SlowModeSeconds) * time.Second; interval > 0 {
		if last, ok := log.lastSent[req.AuthorID]; ok {
			if elapsed := now.Sub(last); elapsed < interval {
				return SendResult{}, models.SlowModeError(interval - elapsed)
			}
		}
	}

	if req.ReplyTo != "" {
		if _, ok := log.byID[req.ReplyTo]; !ok {
			return SendResult{}, models.ErrMessageNotFound
		}
	}

	id := req.ClientID
	if id == "" {
		id = newID()
	}

	msg := models.Message{
		ID:        id,
		RoomID:    req.RoomID,
		Seq:       log.head.Seq + 1,
		Rev:       log.head.Rev + 1,
		AuthorID:  req.AuthorID,
		Kind:      req.Kind,
		ReplyTo:   req.ReplyTo,
		CreatedAt: now.UnixNano(),
	}
	if req.Kind == models.MessageKindBlob {
		blob := *req.Blob
		msg.Blob = &blob
		msg.Content = content.Sanitize(req.Content)
	} else {
		setText(&msg, req.Content)
	}

	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if s.backend != nil {
		if err := s.backend.AppendMessage(msg); err != nil {
			s.logger.Error("failed to append message", "room_id", req.RoomID, "error", err)
			return SendResult{}, models.Unavailable("failed to store message", err)
		}
	}

	stored := msg.Clone()
	log.messages = append(log.messages, &stored)
	log.byID[stored.ID] = &stored
	log.head = Head{Seq: stored.Seq, Rev: stored.Rev}
	log.lastSent[req.AuthorID] = now
	if req.Committed != nil {
		req.Committed(stored.Clone())
	}

	return SendResult{Message: stored.Clone()}, nil
}

// ApplyOverlay applies a mutation on top of an existing message.
func (s *Store) ApplyOverlay(ctx context.Context, req OverlayRequest) (OverlayResult, error) {
	log, err := s.log(req.RoomID)
	if err != nil {
		return OverlayResult{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	room, err := s.rooms.Room(req.RoomID)
	if err != nil {
		return OverlayResult{}, err
	}
	if !room.IsMember(req.Actor) {
		return OverlayResult{}, models.ErrNotAMember
	}
	current, ok := log.byID[req.MessageID]
	if !ok {
		return OverlayResult{}, models.ErrMessageNotFound
	}

	next := current.Clone()
	changed, err := s.overlay(&room, &next, req)
	if err != nil || !changed {
		return OverlayResult{Message: current.Clone()}, err
	}

	next.Rev = log.head.Rev + 1
	if err := ctx.Err(); err != nil {
		return OverlayResult{}, err
	}
	if s.backend != nil {
		if err := s.backend.UpdateMessage(next); err != nil {
			s.logger.Error("failed to update message", "room_id", req.RoomID, "message_id", req.MessageID, "error", err)
			return OverlayResult{}, models.Unavailable("failed to store overlay", err)
		}
	}

	*current = next
	log.head.Rev = next.Rev
	if req.Committed != nil {
		req.Committed(current.Clone())
	}
	return OverlayResult{Message: current.Clone(), Changed: true}, nil
}

func (s *Store) overlay(room *models.Room, msg *models.Message, req OverlayRequest) (bool, error) {
	now := s.now().UnixNano()
	deleted := msg.Deletion.Deleted

	switch req.Kind {
	case OverlayEdit:
		if !room.Settings.AllowEdits {
			return false, models.ErrEditsDisabled
		}
		if msg.AuthorID != req.Actor {
			return false, models.ErrForbidden
		}
		if deleted {
			return false, models.ErrMessageDeleted
		}
		if msg.Kind == models.MessageKindText {
			if err := content.ValidateMessage(req.Content); err != nil {
				return false, models.InvalidRequest(err.Error())
			}
		}
		clean := content.Sanitize(req.Content)
		if msg.CurrentContent() == clean {
			return false, nil
		}
		msg.Edit = models.EditOverlay{Edited: true, EditedAt: now, Content: clean}
		msg.Mentions = content.Mentions(clean)
		msg.HTML = render(clean)
		return true, nil

	case OverlayDelete:
		if msg.AuthorID != req.Actor && !room.IsStaff(req.Actor) {
			return false, models.ErrForbidden
		}
		if deleted {
			return false, nil
		}
		msg.Deletion = models.DeleteOverlay{Deleted: true, DeletedBy: req.Actor, DeletedAt: now}
		return true, nil

	case OverlayReact, OverlayUnreact:
		if !room.Settings.AllowReactions {
			return false, models.ErrReactionsDisabled
		}
		if deleted {
			return false, models.ErrMessageDeleted
		}
		emoji := strings.TrimSpace(req.Emoji)
		if emoji == "" || len(emoji) > 64 {
			return false, models.InvalidRequest("invalid emoji")
		}
		if req.Kind == OverlayReact {
			return addReaction(msg, emoji, req.Actor), nil
		}
		return removeReaction(msg, emoji, req.Actor), nil

	case OverlayPin, OverlayUnpin:
		if !room.Settings.AllowPins {
			return false, models.ErrPinsDisabled
		}
		if !room.IsStaff(req.Actor) {
			return false, models.ErrForbidden
		}
		if req.Kind == OverlayUnpin {
			if !msg.Pin.Pinned {
				return false, nil
			}
			msg.Pin = models.PinOverlay{}
			return true, nil
		}
		if deleted {
			return false, models.ErrMessageDeleted
		}
		if msg.Pin.Pinned {
			return false, nil
		}
		msg.Pin = models.PinOverlay{Pinned: true, PinnedBy: req.Actor, PinnedAt: now}
		return true, nil

	case OverlayModerate:
		if !room.IsStaff(req.Actor) {
			return false, models.ErrForbidden
		}
		if msg.Moderation.Moderated && msg.Moderation.Reason == req.Reason && msg.Moderation.ModeratorID == req.Actor {
			return false, nil
		}
		msg.Moderation = models.ModerationOverlay{
			Moderated:   true,
			ModeratorID: req.Actor,
			Reason:      req.Reason,
			ModeratedAt: now,
		}
		return true, nil

	case OverlayRead:
		i := sort.SearchStrings(msg.ReadBy, req.Actor)
		if i < len(msg.ReadBy) && msg.ReadBy[i] == req.Actor {
			return false, nil
		}
		msg.ReadBy = insertAt(msg.ReadBy, i, req.Actor)
		return true, nil
	}

	return false, models.InvalidRequest("unknown overlay kind")
}

// Query returns messages with a sequence greater than sinceSeq in sequence
// order, as rendered to clients. limit <= 0 returns everything.
func (s *Store) Query(roomID string, sinceSeq uint64, limit int) ([]models.Message, error) {
	log, err := s.log(roomID)
	if err != nil {
		return nil, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	if sinceSeq >= log.head.Seq {
		return []models.Message{}, nil
	}
	tail := log.messages[sinceSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	result := make([]models.Message, len(tail))
	for i, m := range tail {
		result[i] = m.Redacted()
	}
	return result, nil
}

// Changes returns the messages a client that has seen everything up to
// sinceSeq/sinceRev is missing: new messages and older messages mutated
// since. The returned head is consistent with the returned messages.
func (s *Store) Changes(roomID string, sinceSeq, sinceRev uint64) ([]models.Message, Head, error) {
	log, err := s.log(roomID)
	if err != nil {
		return nil, Head{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	result := []models.Message{}
	for _, m := range log.messages {
		if m.Seq > sinceSeq || m.Rev > sinceRev {
			result = append(result, m.Redacted())
		}
	}
	return result, log.head, nil
}

// Head returns the current position of the room log.
func (s *Store) Head(roomID string) (Head, error) {
	log, err := s.log(roomID)
	if err != nil {
		return Head{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.head, nil
}

// Message returns a single message as rendered to clients.
func (s *Store) Message(roomID, messageID string) (models.Message, error) {
	log, err := s.log(roomID)
	if err != nil {
		return models.Message{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	m, ok := log.byID[messageID]
	if !ok {
		return models.Message{}, models.ErrMessageNotFound
	}
	return m.Redacted(), nil
}

// log returns the loaded log of a room, reading it from the backend on first use.
func (s *Store) log(roomID string) (*roomLog, error) {
	if _, err := s.rooms.Room(roomID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	log, ok := s.logs[roomID]
	if !ok {
		log = &roomLog{
			byID:     make(map[string]*models.Message),
			lastSent: make(map[string]time.Time),
		}
		s.logs[roomID] = log
	}
	s.mu.Unlock()

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.loaded {
		return log, nil
	}
	if s.backend != nil {
		stored, err := s.backend.ListMessages(roomID, 1, math.MaxUint64)
		if err != nil {
			s.logger.Error("failed to load room log", "room_id", roomID, "error", err)
			return nil, models.Unavailable("failed to load messages", err)
		}
		for i := range stored {
			m := stored[i]
			if m.Seq != uint64(len(log.messages))+1 {
				s.logger.Warn("sequence gap in stored log", "room_id", roomID, "seq", m.Seq)
				continue
			}
			log.messages = append(log.messages, &m)
			log.byID[m.ID] = &m
			log.head.Seq = m.Seq
			if m.Rev > log.head.Rev {
				log.head.Rev = m.Rev
			}
			created := time.Unix(0, m.CreatedAt)
			if created.After(log.lastSent[m.AuthorID]) {
				log.lastSent[m.AuthorID] = created
			}
		}
		s.logger.Debug("room log loaded", "room_id", roomID, "messages", len(log.messages))
	}
	log.loaded = true
	return log, nil
}

func setText(msg *models.Message, text string) {
	msg.Content = content.Sanitize(text)
	msg.Mentions = content.Mentions(msg.Content)
	msg.HTML = render(msg.Content)
}

func render(text string) string {
	html, err := content.Render(text)
	if err != nil {
		return ""
	}
	return html
}

func addReaction(msg *models.Message, emoji, userID string) bool {
	users := msg.Reactions[emoji]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		return false
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	msg.Reactions[emoji] = insertAt(users, i, userID)
	return true
}

func removeReaction(msg *models.Message, emoji, userID string) bool {
	users := msg.Reactions[emoji]
	i := sort.SearchStrings(users, userID)
	if i >= len(users) || users[i] != userID {
		return false
	}
	users = append(users[:i], users[i+1:]...)
	if len(users) == 0 {
		delete(msg.Reactions, emoji)
	} else {
		msg.Reactions[emoji] = users
	}
	return true
}

func insertAt(list []string, i int, v string) []string {
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
