package stores

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	pb "go.livestore.dev/core/protocol"
)

// GetText reads the complete content of |key| as a string.
func GetText(ctx context.Context, s Store, key string) (string, error) {
	var rc, err = s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, rc); err != nil {
		return "", errors.WithMessagef(err, "reading %s", key)
	}
	return buf.String(), nil
}

// ProgressFunc is notified of the number of bytes sent of a total.
type ProgressFunc func(sent, total int64)

// PutBytes writes |content| to |key|, notifying |onProgress| (if non-nil)
// as the backend consumes the content.
func PutBytes(ctx context.Context, s Store, key string, content []byte, contentType string, onProgress ProgressFunc) (pb.ObjectMetadata, error) {
	var r io.ReaderAt = bytes.NewReader(content)
	if onProgress != nil {
		r = &progressReaderAt{ReaderAt: r, total: int64(len(content)), fn: onProgress}
	}
	return s.Put(ctx, key, r, int64(len(content)), contentType)
}

// progressReaderAt reports the furthest offset read by a backend.
// Backends may re-read content (eg, for request signing), so progress is
// reported only as it advances.
type progressReaderAt struct {
	io.ReaderAt
	total int64
	fn    ProgressFunc

	mu   sync.Mutex
	sent int64
}

func (p *progressReaderAt) ReadAt(b []byte, off int64) (int, error) {
	var n, err = p.ReaderAt.ReadAt(b, off)

	p.mu.Lock()
	var advanced = off+int64(n) > p.sent
	if advanced {
		p.sent = off + int64(n)
	}
	var sent = p.sent
	p.mu.Unlock()

	if advanced {
		p.fn(sent, p.total)
	}
	return n, err
}
