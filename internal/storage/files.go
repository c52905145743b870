package storage

import (
	"fmt"

	"chatsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata is the record of an uploaded blob. The bytes live in the
// content addressed file store under Hash, access is scoped by RoomID.
type FileMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	Type      string `msgpack:"type"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
	RoomID    string `msgpack:"roomId"`
}

func (f *FileMetadata) Key() []byte { return []byte(f.ID) }

func (f *FileMetadata) MarshalBinary() ([]byte, error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

// Blob is the descriptor attached to blob messages.
func (f *FileMetadata) Blob() models.Blob {
	return models.Blob{
		Type:     f.Type,
		Name:     f.Name,
		MimeType: f.MimeType,
		FileID:   f.ID,
		Size:     f.Size,
	}
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketFiles), &meta)
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
