// Package archive packs the artifacts of a run into a zip file and uploads
// it to the configured storage provider.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"monkids/internal/pkg/errors"
	"monkids/internal/ports"
)

const ContentType = "application/zip"

// Key is the storage key for a run archive.
func Key(runLabel, runID string) string {
	return fmt.Sprintf("archives/%s/%s_%s.zip", runLabel, runLabel, runID)
}

// Pack writes a zip of files to w. Every file is stored under its path
// relative to base, prefixed with prefix. Files that no longer exist are
// skipped; the returned count is the number actually added.
func Pack(ctx context.Context, w io.Writer, base, prefix string, files []string) (int, error) {
	zw := zip.NewWriter(w)
	added := 0

	for _, p := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return added, err
		}

		rel, err := filepath.Rel(base, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			zw.Close()
			return added, errors.Validationf("file %s is outside %s", p, base)
		}

		ok, err := addFile(zw, p, filepath.ToSlash(filepath.Join(prefix, rel)))
		if err != nil {
			zw.Close()
			return added, errors.Wrapf(err, "archive.Pack", "add %s", rel)
		}
		if ok {
			added++
		}
	}

	if err := zw.Close(); err != nil {
		return added, errors.Wrap(err, "archive.Pack", "finish zip")
	}
	return added, nil
}

func addFile(zw *zip.Writer, path, name string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, err
	}

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: st.ModTime()}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(dst, f); err != nil {
		return false, err
	}
	return true, nil
}

// Uploaded describes a stored archive.
type Uploaded struct {
	Key   string
	Files int
	Size  int64
}

// Upload packs files into a temporary zip and stores it under key.
func Upload(ctx context.Context, store ports.StorageProvider, key, base, prefix string, files []string) (Uploaded, error) {
	tmp, err := os.CreateTemp("", "monkids-archive-*.zip")
	if err != nil {
		return Uploaded{}, errors.Wrap(err, "archive.Upload", "create temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := Pack(ctx, tmp, base, prefix, files)
	if err != nil {
		return Uploaded{}, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return Uploaded{}, errors.Wrap(err, "archive.Upload", "measure archive")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Uploaded{}, errors.Wrap(err, "archive.Upload", "rewind archive")
	}

	start := time.Now()
	out, err := store.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: ContentType,
		Reader:      tmp,
		Size:        size,
	})
	if err != nil {
		return Uploaded{}, errors.WrapWithCode(err, errors.CodeUnavailable, "archive.Upload", "upload to "+store.Provider()).
			WithField("elapsed_ms", time.Since(start).Milliseconds())
	}
	return Uploaded{Key: out.ObjectKey, Files: n, Size: size}, nil
}
