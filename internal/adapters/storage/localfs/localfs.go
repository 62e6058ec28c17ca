// Package localfs stores objects as files under a root directory.
package localfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"monkids/internal/ports"
)

// LocalFS implements ports.StorageProvider using the local filesystem.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

// path resolves objectKey under the root and rejects keys escaping it.
func (l *LocalFS) path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("object_key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(objectKey))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object_key %q escapes storage root", objectKey)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*.tmp")
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, err
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", 0, ports.ErrObjectNotFound
		}
		return nil, "", 0, err
	}

	if st, statErr := f.Stat(); statErr == nil {
		size = st.Size()
	}

	// Prefer extension-based type; sniff when unknown.
	contentType = mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		if mt, err := mimetype.DetectReader(f); err == nil {
			contentType = mt.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, "", 0, err
		}
	}

	return f, contentType, size, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ports.ErrObjectNotFound
		}
		return err
	}
	return nil
}
