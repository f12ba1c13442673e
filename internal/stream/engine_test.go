package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RagingGuard/video-share/internal/observability/logging"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

func writeSample(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "sample.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path, data
}

func newTestEngine(chunk, streams int) *Engine {
	return NewEngine(Config{ChunkSize: chunk, MaxStreams: streams, Logger: logging.Discard(), Metrics: metrics.New()})
}

func readAll(t *testing.T, resp *Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := resp.Body.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo returned error: %v", err)
	}
	return buf.Bytes()
}

func TestOpenWholeFile(t *testing.T) {
	path, data := writeSample(t, 1000)
	engine := newTestEngine(64, 2)

	resp, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
	if got := resp.Header.Get("Content-Length"); got != "1000" {
		t.Fatalf("expected Content-Length 1000, got %q", got)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("expected Accept-Ranges bytes, got %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("expected video/mp4, got %q", got)
	}
	if resp.Header.Get("Content-Range") != "" {
		t.Fatal("expected no Content-Range for a full response")
	}
	if body := readAll(t, resp); !bytes.Equal(body, data) {
		t.Fatal("expected body to equal file contents")
	}
}

func TestOpenRangeScenarios(t *testing.T) {
	path, data := writeSample(t, 1000)
	engine := newTestEngine(DefaultChunkSize, 2)

	cases := []struct {
		header       string
		contentRange string
		start, end   int
	}{
		{"bytes=200-299", "bytes 200-299/1000", 200, 299},
		{"bytes=900-", "bytes 900-999/1000", 900, 999},
		{"bytes=0-0", "bytes 0-0/1000", 0, 0},
	}
	for _, tc := range cases {
		resp, err := engine.Open(context.Background(), path, tc.header)
		if err != nil {
			t.Fatalf("Open(%q) returned error: %v", tc.header, err)
		}
		if resp.Status != http.StatusPartialContent {
			t.Fatalf("%s: expected status 206, got %d", tc.header, resp.Status)
		}
		if got := resp.Header.Get("Content-Range"); got != tc.contentRange {
			t.Fatalf("%s: expected Content-Range %q, got %q", tc.header, tc.contentRange, got)
		}
		wantLen := tc.end - tc.start + 1
		if got := resp.Header.Get("Content-Length"); got != fmt.Sprint(wantLen) {
			t.Fatalf("%s: expected Content-Length %d, got %q", tc.header, wantLen, got)
		}
		if body := readAll(t, resp); !bytes.Equal(body, data[tc.start:tc.end+1]) {
			t.Fatalf("%s: body mismatch", tc.header)
		}
	}
}

func TestOpenEveryRangeMatchesFileBytes(t *testing.T) {
	const size = 37
	path, data := writeSample(t, size)
	engine := newTestEngine(8, 4)

	for a := 0; a < size; a++ {
		for b := a; b < size; b++ {
			resp, err := engine.Open(context.Background(), path, fmt.Sprintf("bytes=%d-%d", a, b))
			if err != nil {
				t.Fatalf("Open returned error: %v", err)
			}
			if got := resp.Header.Get("Content-Range"); got != fmt.Sprintf("bytes %d-%d/%d", a, b, size) {
				t.Fatalf("unexpected Content-Range %q", got)
			}
			if body := readAll(t, resp); !bytes.Equal(body, data[a:b+1]) {
				t.Fatalf("bytes=%d-%d: body mismatch", a, b)
			}
		}
	}
}

func TestOpenChunksAreBounded(t *testing.T) {
	path, data := writeSample(t, 1000)
	engine := newTestEngine(64, 1)

	resp, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer resp.Body.Close()

	var got []byte
	chunks := 0
	for resp.Body.Next() {
		chunk := resp.Body.Chunk()
		if len(chunk) > 64 {
			t.Fatalf("chunk of %d bytes exceeds chunk size", len(chunk))
		}
		got = append(got, chunk...)
		chunks++
	}
	if resp.Body.Err() != nil {
		t.Fatalf("unexpected error: %v", resp.Body.Err())
	}
	if chunks != 16 {
		t.Fatalf("expected 16 chunks, got %d", chunks)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("expected chunks to reassemble the file")
	}
	if resp.Body.Next() {
		t.Fatal("expected exhausted body to stay exhausted")
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path, _ := writeSample(t, 0)
	engine := newTestEngine(64, 1)

	resp, err := engine.Open(context.Background(), path, "bytes=0-10")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Header.Get("Content-Length") != "0" {
		t.Fatalf("expected empty 200, got %d with length %q", resp.Status, resp.Header.Get("Content-Length"))
	}
	if body := readAll(t, resp); len(body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(body))
	}
}

func TestOpenMissingAndDirectory(t *testing.T) {
	engine := newTestEngine(64, 1)
	dir := t.TempDir()
	for _, path := range []string{filepath.Join(dir, "missing.mp4"), dir} {
		if _, err := engine.Open(context.Background(), path, ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Open(%q) expected ErrNotFound, got %v", path, err)
		}
	}
}

func TestMalformedRangeServesWholeFile(t *testing.T) {
	path, data := writeSample(t, 100)
	engine := newTestEngine(64, 1)
	resp, err := engine.Open(context.Background(), path, "bytes=1-2,4-5")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
	if body := readAll(t, resp); !bytes.Equal(body, data) {
		t.Fatal("expected whole file")
	}
}

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n >= w.after {
		return 0, errors.New("connection reset")
	}
	w.n += len(p)
	return len(p), nil
}

func TestWriteErrorEndsBody(t *testing.T) {
	path, _ := writeSample(t, 1000)
	engine := newTestEngine(100, 1)
	resp, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer resp.Body.Close()

	written, err := resp.Body.WriteTo(&failingWriter{after: 300})
	if err == nil {
		t.Fatal("expected write error")
	}
	if written != 300 {
		t.Fatalf("expected 300 bytes written before failure, got %d", written)
	}
	if resp.Body.Next() {
		t.Fatal("expected no further chunks after a write error")
	}
}

func TestReadErrorTruncatesBody(t *testing.T) {
	path, _ := writeSample(t, 1000)
	engine := newTestEngine(100, 1)
	resp, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if !resp.Body.Next() {
		t.Fatal("expected a first chunk")
	}
	_ = resp.Body.file.Close()

	if resp.Body.Next() {
		t.Fatal("expected read failure to end the sequence")
	}
	if resp.Body.Err() == nil {
		t.Fatal("expected the read error to be reported")
	}
	_ = resp.Body.Close()
}

func TestStreamSlotsBoundConcurrentBodies(t *testing.T) {
	path, _ := writeSample(t, 10)
	engine := newTestEngine(4, 1)

	first, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := engine.Open(ctx, path, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second open to wait for a slot, got %v", err)
	}

	if err := first.Body.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := first.Body.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	second, err := engine.Open(context.Background(), path, "")
	if err != nil {
		t.Fatalf("expected slot to be released, got %v", err)
	}
	_ = readAll(t, second)
}

func TestDefaultMaxStreamsBounds(t *testing.T) {
	n := DefaultMaxStreams()
	if n < 6 || n > 48 {
		t.Fatalf("expected default between 6 and 48, got %d", n)
	}
}
