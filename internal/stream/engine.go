// Package stream serves media files as lazily read, fixed-size chunks with
// single byte-range support.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/RagingGuard/video-share/internal/media"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

// DefaultChunkSize is the read and write granularity of a body.
const DefaultChunkSize = 64 * 1024

// ErrNotFound is returned when the path does not name a regular file.
var ErrNotFound = errors.New("file not found")

// DefaultMaxStreams scales the number of concurrently open bodies with the
// CPU count, between 6 and 48.
func DefaultMaxStreams() int {
	n := runtime.NumCPU() * 3
	if n > 48 {
		n = 48
	}
	if n < 6 {
		n = 6
	}
	return n
}

// Config configures an Engine.
type Config struct {
	ChunkSize  int
	MaxStreams int
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Engine opens media files for delivery. The number of open bodies is bounded;
// Open waits for a free slot until its context ends.
type Engine struct {
	chunkSize int
	slots     *semaphore.Weighted
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewEngine constructs an Engine, applying defaults for zero values.
func NewEngine(cfg Config) *Engine {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	maxStreams := cfg.MaxStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Engine{
		chunkSize: chunk,
		slots:     semaphore.NewWeighted(int64(maxStreams)),
		logger:    logger,
		metrics:   recorder,
	}
}

// Response is a prepared media response. The caller must Close Body.
type Response struct {
	Status int
	Header http.Header
	Body   *Body
}

// Open prepares the response for path. Without a usable range header the
// whole file is served with status 200; a single range yields 206 with
// Content-Range. Missing files and directories yield ErrNotFound.
func (e *Engine) Open(ctx context.Context, path, rangeHeader string) (*Response, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for stream slot: %w", err)
	}
	release := func() { e.slots.Release(1) }

	file, err := os.Open(path)
	if err != nil {
		release()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	size := info.Size()
	header := make(http.Header)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", media.ContentType(path))

	status := http.StatusOK
	offset, length := int64(0), size
	if r, ok := ParseRange(rangeHeader, size); ok {
		status = http.StatusPartialContent
		offset, length = r.Start, r.Length()
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			_ = file.Close()
			release()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	e.metrics.StreamStarted(status)
	body := &Body{
		file:      file,
		remaining: length,
		buf:       make([]byte, min(int64(e.chunkSize), max(length, 1))),
		metrics:   e.metrics,
		release: func() {
			release()
			e.metrics.StreamStopped()
		},
	}
	return &Response{Status: status, Header: header, Body: body}, nil
}

// Body is a finite, non-restartable sequence of chunks read on demand. It
// reuses one buffer, so a chunk is valid only until the next call to Next.
type Body struct {
	file      *os.File
	remaining int64
	buf       []byte
	chunk     []byte
	err       error
	done      bool
	metrics   *metrics.Recorder

	closeOnce sync.Once
	release   func()
}

// Next advances to the next chunk. It returns false once the range has been
// fully read or a read error ended the sequence.
func (b *Body) Next() bool {
	if b.done || b.remaining <= 0 {
		b.chunk = nil
		return false
	}
	want := int64(len(b.buf))
	if b.remaining < want {
		want = b.remaining
	}
	n, err := io.ReadFull(b.file, b.buf[:want])
	b.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = fmt.Errorf("file shrank with %d bytes unread: %w", b.remaining, io.ErrUnexpectedEOF)
		}
		b.err = err
		b.done = true
	}
	if n == 0 {
		b.chunk = nil
		return false
	}
	b.chunk = b.buf[:n]
	b.metrics.StreamBytes(n)
	return true
}

// Chunk returns the current chunk.
func (b *Body) Chunk() []byte {
	return b.chunk
}

// Err reports the read error that ended the sequence early, if any.
func (b *Body) Err() error {
	return b.err
}

// Remaining reports how many bytes are still to be read.
func (b *Body) Remaining() int64 {
	return b.remaining
}

// WriteTo writes every remaining chunk to w. It stops at the first write
// error or after a read error; in both cases the returned error says which.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for b.Next() {
		n, err := w.Write(b.chunk)
		written += int64(n)
		if err != nil {
			b.done = true
			return written, fmt.Errorf("write chunk: %w", err)
		}
	}
	if b.err != nil {
		return written, fmt.Errorf("read chunk: %w", b.err)
	}
	return written, nil
}

// Close releases the file and the stream slot. It is safe to call twice.
func (b *Body) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.done = true
		err = b.file.Close()
		if b.release != nil {
			b.release()
		}
	})
	return err
}
