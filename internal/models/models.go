package models

import (
	"errors"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// User represents a user in the system.
// Users are owned by the identity resolver, other entities only keep the ID.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityDirect  Visibility = "direct"
)

// RoomSettings are the per-room switches checked by the message store.
type RoomSettings struct {
	NotificationsEnabled bool `json:"notificationsEnabled"`
	ReadOnly             bool `json:"readOnly"`
	SlowModeSeconds      int  `json:"slowModeSeconds"`
	AllowReactions       bool `json:"allowReactions"`
	AllowPins            bool `json:"allowPins"`
	AllowEdits           bool `json:"allowEdits"`
	MaxMembers           *int `json:"maxMembers,omitempty"` // nil means unlimited
}

// DefaultRoomSettings returns the settings used when a room is created
// without explicit ones.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		NotificationsEnabled: true,
		AllowReactions:       true,
		AllowPins:            true,
		AllowEdits:           true,
	}
}

// SettingsPatch carries a partial settings update. Nil fields are left as is.
type SettingsPatch struct {
	NotificationsEnabled *bool `json:"notificationsEnabled,omitempty"`
	ReadOnly             *bool `json:"readOnly,omitempty"`
	SlowModeSeconds      *int  `json:"slowModeSeconds,omitempty"`
	AllowReactions       *bool `json:"allowReactions,omitempty"`
	AllowPins            *bool `json:"allowPins,omitempty"`
	AllowEdits           *bool `json:"allowEdits,omitempty"`
	// MaxMembers set to 0 removes the limit.
	MaxMembers *int `json:"maxMembers,omitempty"`
}

// Apply returns a copy of s with the patch applied.
func (p SettingsPatch) Apply(s RoomSettings) RoomSettings {
	if p.NotificationsEnabled != nil {
		s.NotificationsEnabled = *p.NotificationsEnabled
	}
	if p.ReadOnly != nil {
		s.ReadOnly = *p.ReadOnly
	}
	if p.SlowModeSeconds != nil {
		s.SlowModeSeconds = *p.SlowModeSeconds
	}
	if p.AllowReactions != nil {
		s.AllowReactions = *p.AllowReactions
	}
	if p.AllowPins != nil {
		s.AllowPins = *p.AllowPins
	}
	if p.AllowEdits != nil {
		s.AllowEdits = *p.AllowEdits
	}
	if p.MaxMembers != nil {
		if *p.MaxMembers == 0 {
			s.MaxMembers = nil
		} else {
			limit := *p.MaxMembers
			s.MaxMembers = &limit
		}
	}
	return s
}

// Member is a room membership entry.
type Member struct {
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"` // Unix nanoseconds
	// JoinOrder breaks ties between members that joined within the same clock tick.
	JoinOrder uint64 `json:"joinOrder"`
}

// Room is a snapshot of a room. Snapshots are copies and never alias registry state.
type Room struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Visibility Visibility        `json:"visibility"`
	CreatedBy  string            `json:"createdBy"`
	CreatedAt  int64             `json:"createdAt"` // Unix timestamp (seconds)
	Members    map[string]Member `json:"members"`
	Admins     map[string]bool   `json:"admins"`
	Moderators map[string]bool   `json:"moderators"`
	Settings   RoomSettings      `json:"settings"`
}

// Clone returns a deep copy of the room.
func (r Room) Clone() Room {
	members := make(map[string]Member, len(r.Members))
	for id, m := range r.Members {
		members[id] = m
	}
	admins := make(map[string]bool, len(r.Admins))
	for id := range r.Admins {
		admins[id] = true
	}
	moderators := make(map[string]bool, len(r.Moderators))
	for id := range r.Moderators {
		moderators[id] = true
	}
	r.Members = members
	r.Admins = admins
	r.Moderators = moderators
	if r.Settings.MaxMembers != nil {
		limit := *r.Settings.MaxMembers
		r.Settings.MaxMembers = &limit
	}
	return r
}

func (r *Room) IsMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

func (r *Room) IsAdmin(userID string) bool {
	return r.Admins[userID]
}

// IsStaff reports whether the user may moderate the room.
func (r *Room) IsStaff(userID string) bool {
	return r.Admins[userID] || r.Moderators[userID]
}

func (r *Room) RoleOf(userID string) Role {
	switch {
	case r.Admins[userID]:
		return RoleAdmin
	case r.Moderators[userID]:
		return RoleModerator
	default:
		return RoleMember
	}
}

// MemberIDs returns member ids in join order.
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	sortByJoin(ids, r.Members)
	return ids
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
	MessageKindBlob   MessageKind = "blob"
)

// Blob describes a non-text payload. The content itself lives in the file store.
type Blob struct {
	Type     string `json:"type"` // e.g. "image", "video", "document", "file"
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	FileID   string `json:"fileId"`
	Size     int64  `json:"size"`
}

type EditOverlay struct {
	Edited   bool   `json:"edited"`
	EditedAt int64  `json:"editedAt,omitempty"`
	Content  string `json:"content,omitempty"`
}

type DeleteOverlay struct {
	Deleted   bool   `json:"deleted"`
	DeletedBy string `json:"deletedBy,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

type ModerationOverlay struct {
	Moderated   bool   `json:"moderated"`
	ModeratorID string `json:"moderatorId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ModeratedAt int64  `json:"moderatedAt,omitempty"`
}

type PinOverlay struct {
	Pinned   bool   `json:"pinned"`
	PinnedBy string `json:"pinnedBy,omitempty"`
	PinnedAt int64  `json:"pinnedAt,omitempty"`
}

// Message is an immutable base record plus its mutable overlays.
type Message struct {
	ID         string              `json:"id"`
	RoomID     string              `json:"roomId"`
	Seq        uint64              `json:"seq"`
	Rev        uint64              `json:"rev"` // room revision of the last mutation
	AuthorID   string              `json:"authorId"`
	Kind       MessageKind         `json:"kind"`
	Content    string              `json:"content,omitempty"`
	HTML       string              `json:"html,omitempty"`
	Blob       *Blob               `json:"blob,omitempty"`
	ReplyTo    string              `json:"replyTo,omitempty"`
	Mentions   []string            `json:"mentions,omitempty"`
	CreatedAt  int64               `json:"createdAt"` // Unix nanoseconds, informational only
	Edit       EditOverlay         `json:"edit"`
	Deletion   DeleteOverlay       `json:"deletion"`
	Moderation ModerationOverlay   `json:"moderation"`
	Pin        PinOverlay          `json:"pin"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
	ReadBy     []string            `json:"readBy,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Blob != nil {
		b := *m.Blob
		m.Blob = &b
	}
	if m.Mentions != nil {
		m.Mentions = append([]string(nil), m.Mentions...)
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Reactions != nil {
		reactions := make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			reactions[emoji] = append([]string(nil), users...)
		}
		m.Reactions = reactions
	}
	return m
}

// CurrentContent returns the content a reader should see, taking edits into account.
func (m *Message) CurrentContent() string {
	if m.Edit.Edited {
		return m.Edit.Content
	}
	return m.Content
}

// Redacted returns the message as it must be rendered to clients:
// deleted messages lose their content, but keep overlays for audit.
func (m Message) Redacted() Message {
	m = m.Clone()
	if m.Deletion.Deleted {
		m.Content = ""
		m.HTML = ""
		m.Edit.Content = ""
		m.Blob = nil
		m.Mentions = nil
	}
	return m
}

// Chat is the room summary returned to clients listing their rooms.
type Chat struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	Role       Role       `json:"role"`
	LastSeq    uint64     `json:"lastSeq"` // Last message sequence number (used to backfill messages and show unread count)
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PushSubscription is a browser web push endpoint of a user.
type PushSubscription struct {
	UserID   string `json:"-"`
	Endpoint string `json:"endpoint" validate:"required,url"`
	P256dh   string `json:"p256dh" validate:"required"`
	Auth     string `json:"auth" validate:"required"`
}

func sortByJoin(ids []string, members map[string]Member) {
	sort.Slice(ids, func(i, j int) bool {
		return members[ids[i]].JoinOrder < members[ids[j]].JoinOrder
	})
}
