// Package archive writes sessions that leave the connection registry to a
// history sink. Writes happen on a background worker so eviction never waits
// on storage.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RagingGuard/video-share/internal/connections"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
)

// Record is one archived session.
type Record struct {
	ClientIP    string
	ClientPort  string
	ServerIP    string
	Interface   string
	Video       string
	Position    float64
	Duration    float64
	ConnectedAt time.Time
	LastSeen    time.Time
	EndedAt     time.Time
	Reason      string
}

// Sink persists batches of records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config configures an Archiver.
type Config struct {
	Sink          Sink
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Archiver buffers evicted sessions and flushes them to the sink in batches.
// When the queue is full new records are dropped and counted.
type Archiver struct {
	sink          Sink
	queue         chan Record
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	dropped       atomic.Int64
	written       atomic.Int64
}

// New constructs an Archiver around cfg.Sink.
func New(cfg Config) *Archiver {
	a := &Archiver{
		sink:          cfg.Sink,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a.queue = make(chan Record, queueSize)
	if a.batchSize <= 0 {
		a.batchSize = defaultBatchSize
	}
	if a.flushInterval <= 0 {
		a.flushInterval = defaultFlushInterval
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Observe queues evicted sessions. Its signature matches
// connections.EvictFunc so it can be registered with Registry.OnEvict.
func (a *Archiver) Observe(reason connections.EvictReason, sessions []connections.Session) {
	ended := a.now()
	for _, s := range sessions {
		record := Record{
			ClientIP:    s.ClientIP,
			ClientPort:  s.ClientPort,
			ServerIP:    s.ServerIP,
			Interface:   s.Interface,
			Video:       s.Video,
			Position:    s.Position,
			Duration:    s.Duration,
			ConnectedAt: s.ConnectedAt,
			LastSeen:    s.LastSeen,
			EndedAt:     ended,
			Reason:      string(reason),
		}
		select {
		case a.queue <- record:
		default:
			a.dropped.Add(1)
		}
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Written reports how many records the sink accepted.
func (a *Archiver) Written() int64 {
	return a.written.Load()
}

// Ping checks the sink.
func (a *Archiver) Ping(ctx context.Context) error {
	return a.sink.Ping(ctx)
}

// Run flushes queued records until ctx ends, then drains what is left.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, a.batchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case record := <-a.queue:
					batch = append(batch, record)
				default:
					a.flush(batch)
					return
				}
			}
		case record := <-a.queue:
			batch = append(batch, record)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// Start runs the archiver in the background. The returned function stops it,
// waits for the final flush and closes the sink.
func (a *Archiver) Start(ctx context.Context) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(workerCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			closeCtx, closeCancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
			defer closeCancel()
			if err := a.sink.Close(closeCtx); err != nil {
				a.logger.Warn("session archive close failed", "error", err)
			}
		})
	}
}

func (a *Archiver) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := a.sink.Write(ctx, batch); err != nil {
		a.logger.Warn("session archive write failed", "records", len(batch), "error", err)
		return
	}
	a.written.Add(int64(len(batch)))
	a.logger.Debug("session archive flushed", "records", len(batch))
}
