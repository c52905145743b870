package filestore

import (
	"io"
)

// FileStore keeps blob contents addressed by the hex SHA-256 of the content.
type FileStore interface {
	// Put stores the content and returns its hash and size. Storing the same
	// content twice keeps a single copy.
	Put(r io.Reader) (hash string, size int64, err error)

	// Get retrieves the content stored under hash.
	Get(hash string) (io.ReadCloser, error)
}
