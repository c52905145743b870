package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketRooms    = []byte("rooms")
	bucketMessages = []byte("messages")
	bucketTokens   = []byte("tokens")
	bucketPush     = []byte("push_subscriptions")
	bucketFiles    = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketRooms, bucketMessages, bucketTokens, bucketPush, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, rec Storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(rec.Key(), data)
}

// UpsertUser stores a user profile.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			LastSeen:    user.Presence.LastSeen,
		})
	})
}

// ListUsers returns all stored user profiles.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.User{
				ID:          dbUser.ID,
				DisplayName: dbUser.DisplayName,
				Presence:    models.Presence{Status: models.PresenceOffline, LastSeen: dbUser.LastSeen},
			})
			return nil
		})
	})
	return users, err
}

// UpsertRoom saves the room snapshot.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom := roomToDB(room)
		return put(tx.Bucket(bucketRooms), &dbRoom)
	})
}

// ListRooms returns all stored rooms.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, roomFromDB(dbRoom))
			return nil
		})
	})
	return rooms, err
}

// AppendMessage stores a new message in its room bucket. A message with the
// same sequence must not exist yet.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := messageBucket(tx, message)
		if err != nil {
			return err
		}
		dbMessage := messageToDB(message)
		if roomBucket.Get(dbMessage.Key()) != nil {
			return fmt.Errorf("message %d already stored in room %s", message.Seq, message.RoomID)
		}
		if err := put(roomBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// UpdateMessage overwrites a stored message with its new overlays.
func (s *BboltStorage) UpdateMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := messageBucket(tx, message)
		if err != nil {
			return err
		}
		dbMessage := messageToDB(message)
		if roomBucket.Get(dbMessage.Key()) == nil {
			return fmt.Errorf("message %d of room %s: %w", message.Seq, message.RoomID, models.ErrNotFound)
		}
		if err := put(roomBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

func messageBucket(tx *bbolt.Tx, message models.Message) (*bbolt.Bucket, error) {
	if message.RoomID == "" {
		return nil, errors.New("message missing roomID")
	}
	b, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.RoomID))
	if err != nil {
		return nil, fmt.Errorf("failed to create room bucket: %w", err)
	}
	return b, nil
}

// ListMessages returns room messages with from <= seq <= to.
func (s *BboltStorage) ListMessages(roomID string, from, to uint64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
		}
		return nil
	})
	return messages, err
}

// UpsertToken stores a token hash for the user.
func (s *BboltStorage) UpsertToken(userID string, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketTokens), &DBToken{UserID: userID, Token: tokenHash})
	})
}

// DeleteToken deletes a token by its hash.
func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// ListTokens returns token hash -> user id.
func (s *BboltStorage) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}

// UpsertPushSubscription stores a web push subscription of the user.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPush), &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		})
	})
}

// DeletePushSubscription removes a subscription, e.g. after the push service reported it gone.
func (s *BboltStorage) DeletePushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec := DBPushSubscription{UserID: sub.UserID, Endpoint: sub.Endpoint}
		return tx.Bucket(bucketPush).Delete(rec.Key())
	})
}

// ListPushSubscriptions returns the subscriptions of a user.
func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPush).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec DBPushSubscription
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   rec.UserID,
				Endpoint: rec.Endpoint,
				P256dh:   rec.P256dh,
				Auth:     rec.Auth,
			})
		}
		return nil
	})
	return subs, err
}
