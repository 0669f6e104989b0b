// Package analytics implements a non-blocking, batched request logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — so analytics never blocks the gateway hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in Dropped.
//
// Batches go to a Sink: slog by default, ClickHouse when configured.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one served request.
type Entry struct {
	ID           uuid.UUID
	UserID       string
	Model        string
	Backend      string
	Worker       string
	CacheStatus  string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Fallback     bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Close() error
}

// Logger buffers entries and flushes them to its sink.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
}

// New starts the background flusher.
func New(ctx context.Context, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if sink == nil {
		sink = NewSlogSink(nil)
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry. Never blocks.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of entries lost to a full channel.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close flushes what remains and releases the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Sink failures drop the batch; analytics is best-effort.
		_ = l.sink.WriteBatch(l.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, normalize(entry))
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, normalize(entry))
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalize(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}
	return e
}
