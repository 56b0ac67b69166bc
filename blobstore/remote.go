package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrWriterClosed is returned by writes after Close or Abort.
var ErrWriterClosed = errors.New("blobstore: writer closed")

// BufferedWriter collects a blob in memory and hands it to a commit
// function on Close. Segments and manifests are written whole, so object
// stores use it instead of streaming uploads.
type BufferedWriter struct {
	buf    bytes.Buffer
	commit func(data []byte) error
	done   bool
}

// NewBufferedWriter returns a writer that calls commit once on Close. The
// slice passed to commit is owned by the writer.
func NewBufferedWriter(commit func(data []byte) error) *BufferedWriter {
	return &BufferedWriter{commit: commit}
}

// Write implements io.Writer.
func (w *BufferedWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.buf.Write(p)
}

// Sync is a no-op; nothing is visible before Close.
func (w *BufferedWriter) Sync() error { return nil }

// Close commits the blob. Later calls are no-ops.
func (w *BufferedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.commit(w.buf.Bytes())
}

// Abort discards the buffered data.
func (w *BufferedWriter) Abort() error {
	w.done = true
	w.buf = bytes.Buffer{}
	return nil
}

// RangeFunc opens bytes [off, end] (inclusive) of an object.
type RangeFunc func(ctx context.Context, off, end int64) (io.ReadCloser, error)

// RangedBlob serves ReadAt with one ranged GET per call.
type RangedBlob struct {
	size  int64
	fetch RangeFunc
}

// NewRangedBlob returns a blob of the given size backed by fetch.
func NewRangedBlob(size int64, fetch RangeFunc) *RangedBlob {
	return &RangedBlob{size: size, fetch: fetch}
}

// Size implements Blob.
func (b *RangedBlob) Size() int64 { return b.size }

// Close implements Blob.
func (b *RangedBlob) Close() error { return nil }

// ReadAt implements Blob. Reads past the end are shortened and return io.EOF.
func (b *RangedBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("blobstore: negative offset")
	}
	if off >= b.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := min(off+int64(len(p)), b.size) - 1

	rc, err := b.fetch(ctx, off, end)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	want := int(end - off + 1)
	n, err := io.ReadFull(rc, p[:want])
	if err != nil {
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// KeyPrefix maps blob names onto object keys below a root prefix.
type KeyPrefix string

// NewKeyPrefix normalizes root; leading and trailing slashes are dropped.
func NewKeyPrefix(root string) KeyPrefix {
	return KeyPrefix(strings.Trim(root, "/"))
}

// Key returns the object key of name.
func (k KeyPrefix) Key(name string) string {
	return path.Join(string(k), name)
}

// ListPrefix returns the key prefix matching blob names that start with prefix.
func (k KeyPrefix) ListPrefix(prefix string) string {
	if k == "" {
		return prefix
	}
	return string(k) + "/" + prefix
}

// Name returns the blob name of an object key.
func (k KeyPrefix) Name(key string) string {
	if k == "" {
		return key
	}
	return strings.TrimPrefix(key, string(k)+"/")
}
