package accounting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink is a non-blocking, batched analytical sink for UsageEvents,
// separate from the transactional Datastore so ad-hoc analytics queries
// never compete with the credit-deduction path for connections or locks.
// Batching mirrors internal/logger's buffered-channel-plus-ticker design:
// Enqueue never blocks the caller, and a background goroutine drains the
// channel in batches.
type ClickHouseSink struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
	mu      sync.Mutex
}

const (
	chChannelBuffer = 10_000
	chBatchSize     = 200
	chFlushInterval = 2 * time.Second
)

// NewClickHouseSink starts the background batching goroutine against an
// already-connected ClickHouse driver.Conn (the caller owns dialing and
// authentication). log receives insert errors; log may be nil.
func NewClickHouseSink(conn driver.Conn, log *slog.Logger) *ClickHouseSink {
	if log == nil {
		log = slog.Default()
	}
	s := &ClickHouseSink{
		conn: conn,
		log:  log,
		ch:   make(chan UsageEvent, chChannelBuffer),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue schedules ev for a future batched insert. If the internal buffer is
// full the event is dropped rather than blocking the request path.
func (s *ClickHouseSink) Enqueue(ev UsageEvent) {
	select {
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns the number of usage events dropped because the internal
// buffer was full.
func (s *ClickHouseSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the background goroutine, flushing whatever is buffered.
func (s *ClickHouseSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, chBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(context.Background(), batch); err != nil {
			s.log.Error("clickhouse usage batch insert failed", "error", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= chBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= chBatchSize {
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

func (s *ClickHouseSink) insertBatch(ctx context.Context, batch []UsageEvent) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO usage_events_raw")
	if err != nil {
		return err
	}
	for _, ev := range batch {
		if err := b.Append(
			ev.RequestID, ev.UserID, ev.Provider, ev.Model,
			uint32(ev.PromptTokens), uint32(ev.CompletionTokens),
			uint32(ev.ElapsedMs), ev.CostMicros, ev.Success,
			ev.ErrorKind, ev.FinishReason, ev.Timestamp,
		); err != nil {
			return err
		}
	}
	return b.Send()
}
