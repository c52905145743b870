package storage

import (
	"encoding"
	"encoding/binary"

	"chatsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"` // hash of the token
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMember struct {
	JoinedAt  int64  `msgpack:"joinedAt"`
	JoinOrder uint64 `msgpack:"joinOrder"`
	Role      string `msgpack:"role"`
}

type DBSettings struct {
	NotificationsEnabled bool `msgpack:"notificationsEnabled"`
	ReadOnly             bool `msgpack:"readOnly"`
	SlowModeSeconds      int  `msgpack:"slowModeSeconds"`
	AllowReactions       bool `msgpack:"allowReactions"`
	AllowPins            bool `msgpack:"allowPins"`
	AllowEdits           bool `msgpack:"allowEdits"`
	MaxMembers           int  `msgpack:"maxMembers"` // 0 means unlimited
}

type DBRoom struct {
	ID         string              `msgpack:"id"`
	Name       string              `msgpack:"name"`
	Visibility string              `msgpack:"visibility"`
	CreatedBy  string              `msgpack:"createdBy"`
	CreatedAt  int64               `msgpack:"createdAt"`
	Members    map[string]DBMember `msgpack:"members"`
	Settings   DBSettings          `msgpack:"settings"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

func roomToDB(room models.Room) DBRoom {
	db := DBRoom{
		ID:         room.ID,
		Name:       room.Name,
		Visibility: string(room.Visibility),
		CreatedBy:  room.CreatedBy,
		CreatedAt:  room.CreatedAt,
		Members:    make(map[string]DBMember, len(room.Members)),
		Settings: DBSettings{
			NotificationsEnabled: room.Settings.NotificationsEnabled,
			ReadOnly:             room.Settings.ReadOnly,
			SlowModeSeconds:      room.Settings.SlowModeSeconds,
			AllowReactions:       room.Settings.AllowReactions,
			AllowPins:            room.Settings.AllowPins,
			AllowEdits:           room.Settings.AllowEdits,
		},
	}
	if room.Settings.MaxMembers != nil {
		db.Settings.MaxMembers = *room.Settings.MaxMembers
	}
	for id, m := range room.Members {
		db.Members[id] = DBMember{JoinedAt: m.JoinedAt, JoinOrder: m.JoinOrder, Role: string(room.RoleOf(id))}
	}
	return db
}

func roomFromDB(db DBRoom) models.Room {
	room := models.Room{
		ID:         db.ID,
		Name:       db.Name,
		Visibility: models.Visibility(db.Visibility),
		CreatedBy:  db.CreatedBy,
		CreatedAt:  db.CreatedAt,
		Members:    make(map[string]models.Member, len(db.Members)),
		Admins:     make(map[string]bool),
		Moderators: make(map[string]bool),
		Settings: models.RoomSettings{
			NotificationsEnabled: db.Settings.NotificationsEnabled,
			ReadOnly:             db.Settings.ReadOnly,
			SlowModeSeconds:      db.Settings.SlowModeSeconds,
			AllowReactions:       db.Settings.AllowReactions,
			AllowPins:            db.Settings.AllowPins,
			AllowEdits:           db.Settings.AllowEdits,
		},
	}
	if db.Settings.MaxMembers > 0 {
		limit := db.Settings.MaxMembers
		room.Settings.MaxMembers = &limit
	}
	for id, m := range db.Members {
		room.Members[id] = models.Member{UserID: id, JoinedAt: m.JoinedAt, JoinOrder: m.JoinOrder}
		switch models.Role(m.Role) {
		case models.RoleAdmin:
			room.Admins[id] = true
		case models.RoleModerator:
			room.Moderators[id] = true
		}
	}
	return room
}

type DBBlob struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
	Size     int64  `msgpack:"size"`
}

type DBMessage struct {
	ID        string              `msgpack:"id"`
	Seq       uint64              `msgpack:"seq"`
	Rev       uint64              `msgpack:"rev"`
	RoomID    string              `msgpack:"roomId"`
	AuthorID  string              `msgpack:"authorId"`
	Kind      string              `msgpack:"kind"`
	Content   string              `msgpack:"content"`
	HTML      string              `msgpack:"html"`
	Blob      *DBBlob             `msgpack:"blob"`
	ReplyTo   string              `msgpack:"replyTo"`
	Mentions  []string            `msgpack:"mentions"`
	CreatedAt int64               `msgpack:"createdAt"`
	Reactions map[string][]string `msgpack:"reactions"`
	ReadBy    []string            `msgpack:"readBy"`

	Edit       models.EditOverlay       `msgpack:"edit"`
	Deletion   models.DeleteOverlay     `msgpack:"deletion"`
	Moderation models.ModerationOverlay `msgpack:"moderation"`
	Pin        models.PinOverlay        `msgpack:"pin"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func messageToDB(msg models.Message) DBMessage {
	db := DBMessage{
		ID:         msg.ID,
		Seq:        msg.Seq,
		Rev:        msg.Rev,
		RoomID:     msg.RoomID,
		AuthorID:   msg.AuthorID,
		Kind:       string(msg.Kind),
		Content:    msg.Content,
		HTML:       msg.HTML,
		ReplyTo:    msg.ReplyTo,
		Mentions:   msg.Mentions,
		CreatedAt:  msg.CreatedAt,
		Reactions:  msg.Reactions,
		ReadBy:     msg.ReadBy,
		Edit:       msg.Edit,
		Deletion:   msg.Deletion,
		Moderation: msg.Moderation,
		Pin:        msg.Pin,
	}
	if msg.Blob != nil {
		db.Blob = &DBBlob{
			Type:     msg.Blob.Type,
			Name:     msg.Blob.Name,
			MimeType: msg.Blob.MimeType,
			FileID:   msg.Blob.FileID,
			Size:     msg.Blob.Size,
		}
	}
	return db
}

func messageFromDB(db DBMessage) models.Message {
	msg := models.Message{
		ID:         db.ID,
		RoomID:     db.RoomID,
		Seq:        db.Seq,
		Rev:        db.Rev,
		AuthorID:   db.AuthorID,
		Kind:       models.MessageKind(db.Kind),
		Content:    db.Content,
		HTML:       db.HTML,
		ReplyTo:    db.ReplyTo,
		Mentions:   db.Mentions,
		CreatedAt:  db.CreatedAt,
		Reactions:  db.Reactions,
		ReadBy:     db.ReadBy,
		Edit:       db.Edit,
		Deletion:   db.Deletion,
		Moderation: db.Moderation,
		Pin:        db.Pin,
	}
	if db.Blob != nil {
		msg.Blob = &models.Blob{
			Type:     db.Blob.Type,
			Name:     db.Blob.Name,
			MimeType: db.Blob.MimeType,
			FileID:   db.Blob.FileID,
			Size:     db.Blob.Size,
		}
	}
	return msg
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.UserID + "\x00" + p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
