package renderer

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
)

var pngEncoder = png.Encoder{CompressionLevel: png.BestCompression}

// recompress decodes a captured PNG and encodes it again at best
// compression. Pixels are unchanged.
func recompress(raw []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to dir/name through a temp file in dir and a
// rename, so readers never observe a partial file and a failed write leaves
// nothing behind.
func writeAtomic(dir, name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".render-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", err
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", err
	}
	return final, nil
}
