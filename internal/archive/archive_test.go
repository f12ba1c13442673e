package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RagingGuard/video-share/internal/connections"
	"github.com/RagingGuard/video-share/internal/observability/logging"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	fail    bool
	closed  bool
}

func (s *memorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memorySink) Ping(context.Context) error { return nil }

func (s *memorySink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func sessions(ips ...string) []connections.Session {
	out := make([]connections.Session, 0, len(ips))
	for _, ip := range ips {
		out = append(out, connections.Session{ClientIP: ip, Video: "a.mp4", Interface: "eth0"})
	}
	return out
}

func TestArchiverFlushesOnStop(t *testing.T) {
	sink := &memorySink{}
	ended := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	archiver := New(Config{Sink: sink, FlushInterval: time.Hour, Logger: logging.Discard(), Now: func() time.Time { return ended }})

	stop := archiver.Start(context.Background())
	archiver.Observe(connections.ReasonExpired, sessions("10.0.0.1", "10.0.0.2"))
	stop()
	stop()

	records := sink.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected 2 archived records, got %d", len(records))
	}
	if records[0].Reason != "expired" || !records[0].EndedAt.Equal(ended) || records[0].Video != "a.mp4" {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if !sink.closed {
		t.Fatal("expected sink to be closed on stop")
	}
	if archiver.Written() != 2 {
		t.Fatalf("expected 2 written, got %d", archiver.Written())
	}
}

func TestArchiverFlushesFullBatches(t *testing.T) {
	sink := &memorySink{}
	archiver := New(Config{Sink: sink, BatchSize: 2, FlushInterval: time.Hour, Logger: logging.Discard()})
	stop := archiver.Start(context.Background())
	defer stop()

	archiver.Observe(connections.ReasonCapacity, sessions("10.0.0.1", "10.0.0.2", "10.0.0.3"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a full batch to be flushed without waiting for the interval")
}

func TestArchiverDropsWhenQueueFull(t *testing.T) {
	archiver := New(Config{Sink: &memorySink{}, QueueSize: 1, Logger: logging.Discard()})
	archiver.Observe(connections.ReasonExpired, sessions("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	if archiver.Dropped() != 2 {
		t.Fatalf("expected 2 dropped records, got %d", archiver.Dropped())
	}
}

func TestArchiverSurvivesSinkErrors(t *testing.T) {
	sink := &memorySink{fail: true}
	archiver := New(Config{Sink: sink, Logger: logging.Discard()})
	stop := archiver.Start(context.Background())
	archiver.Observe(connections.ReasonExpired, sessions("10.0.0.1"))
	stop()
	if archiver.Written() != 0 {
		t.Fatalf("expected nothing written, got %d", archiver.Written())
	}
}

func TestObserveMatchesEvictHook(t *testing.T) {
	var hook connections.EvictFunc = New(Config{Sink: &memorySink{}}).Observe
	hook(connections.ReasonExpired, nil)
}
