package ports

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by providers when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the key as stored. For gdrive this is the file id, which
	// is what later reads need.
	ObjectKey string
	Size      int64
}

// StorageProvider stores finished run archives (localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
