// Package journal is the append-only sink for everything the trading
// loop wants to remember: signals considered, order attempts, and
// market snapshots for later labeling.
//
// Producers never block: each stream has a bounded queue and overflow
// drops with a counter. One worker per stream drains in batches (100
// entries or 30 s, whichever first) to day-partitioned JSONL files,
// optionally mirrored to a Redis stream. Shutdown flushes whatever is
// queued within a bounded wait.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockbot/internal/config"
	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

// Failure buckets for attempt records.
const (
	FailValidation = "validation_failed"
	FailFunds      = "funds_insufficient"
	FailRateLimit  = "rate_limit"
	FailReject     = "broker_reject"
	FailTransport  = "transport_error"
)

// SignalEntry records a signal and whether it survived validation.
type SignalEntry struct {
	Ts       time.Time          `json:"ts"`
	Symbol   string             `json:"symbol"`
	Side     types.Side         `json:"side"`
	Strategy string             `json:"strategy"`
	Strength float64            `json:"strength"`
	Price    float64            `json:"price"`
	Reason   string             `json:"reason"`
	Accepted bool               `json:"accepted"`
	Veto     string             `json:"veto,omitempty"`
	Ctx      map[string]float64 `json:"ctx,omitempty"`
}

// Attempt records one order submission attempt, success or failure.
type Attempt struct {
	Ts       time.Time          `json:"ts"`
	Symbol   string             `json:"symbol"`
	Side     types.Side         `json:"side"`
	Strategy string             `json:"strategy"`
	Qty      int64              `json:"qty"`
	Price    float64            `json:"price"`
	Strength float64            `json:"strength"`
	Success  bool               `json:"success"`
	Bucket   string             `json:"bucket,omitempty"` // failure bucket when !Success
	Reason   string             `json:"reason,omitempty"`
	OrderID  string             `json:"order_id,omitempty"`
	Ctx      map[string]float64 `json:"ctx,omitempty"`
}

// MarketSnapshot records ambient market state for ML labeling.
type MarketSnapshot struct {
	Ts     time.Time          `json:"ts"`
	Symbol string             `json:"symbol"`
	Last   float64            `json:"last"`
	Volume int64              `json:"volume"`
	Ctx    map[string]float64 `json:"ctx,omitempty"`
}

type stream struct {
	name  string
	queue chan any
}

// Sink owns the three journal streams.
type Sink struct {
	dataDir       string
	batchSize     int
	flushInterval time.Duration

	signals  *stream
	attempts *stream
	market   *stream

	rdb         *redis.Client
	redisStream string

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates the sink. RedisAddr empty disables the mirror.
func New(cfg config.JournalConfig, logger *slog.Logger) *Sink {
	s := &Sink{
		dataDir:       cfg.DataDir,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		signals:       &stream{name: "signals", queue: make(chan any, cfg.QueueCapacity)},
		attempts:      &stream{name: "attempts", queue: make(chan any, cfg.QueueCapacity)},
		market:        &stream{name: "market", queue: make(chan any, cfg.QueueCapacity)},
		redisStream:   cfg.RedisStream,
		logger:        logger.With("component", "journal"),
	}
	if cfg.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return s
}

// Start launches one worker per stream.
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, st := range []*stream{s.signals, s.attempts, s.market} {
		s.wg.Add(1)
		go func(st *stream) {
			defer s.wg.Done()
			s.drain(ctx, st)
		}(st)
	}
}

// Close stops the workers after a bounded final flush.
func (s *Sink) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("journal close timed out with entries unflushed")
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
}

// LogSignal enqueues a signal entry; drops when the queue is full.
func (s *Sink) LogSignal(e SignalEntry) { s.enqueue(s.signals, e) }

// LogAttempt enqueues an attempt record.
func (s *Sink) LogAttempt(e Attempt) { s.enqueue(s.attempts, e) }

// LogMarket enqueues a market snapshot.
func (s *Sink) LogMarket(e MarketSnapshot) { s.enqueue(s.market, e) }

func (s *Sink) enqueue(st *stream, e any) {
	select {
	case st.queue <- e:
	default:
		metrics.JournalDropped.WithLabelValues(st.name).Inc()
	}
}

func (s *Sink) drain(ctx context.Context, st *stream) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]any, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(st.name, batch); err != nil {
			s.logger.Error("journal write failed", "stream", st.name, "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain: pull whatever is already queued, then flush.
			for {
				select {
				case e := <-st.queue:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-st.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write appends a batch to the stream's day-partitioned JSONL file and
// mirrors to Redis when configured.
func (s *Sink) write(name string, batch []any) error {
	day := time.Now().Format("20060102")
	dir := filepath.Join(s.dataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, day+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}

	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, e := range batch {
			raw, err := json.Marshal(e)
			if err != nil {
				continue
			}
			err = s.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: s.redisStream + ":" + name,
				Values: map[string]any{"entry": string(raw)},
			}).Err()
			if err != nil {
				s.logger.Warn("redis mirror failed", "stream", name, "error", err)
				break
			}
		}
	}
	return nil
}
