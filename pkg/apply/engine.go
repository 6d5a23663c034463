// Package apply folds merged log entries into the view stored in a kv.Store.
//
// The engine is the only writer of the store. Every batch handed out by the
// merger is applied in one transaction together with the checkpoints it
// advances, so a crash or a failed commit never leaves a partial batch.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"votedb/pkg/dberrors"
	"votedb/pkg/iterator"
	"votedb/pkg/kv"
	"votedb/pkg/merge"
	"votedb/pkg/metrics"
	"votedb/pkg/schema"
	"votedb/pkg/types"
)

const (
	DefaultBatchSize     = 256
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultMaxRetries    = 5
	DefaultRetryInterval = 50 * time.Millisecond
)

// skip reasons
const (
	reasonUndecodable   = "undecodable"
	reasonUnrecognized  = "unrecognized"
	reasonInvalidVote   = "invalid_vote"
	reasonDuplicatePost = "duplicate_post"
)

type Engine struct {
	store  kv.Store
	merger *merge.Merger
	logger *slog.Logger

	batchSize     int
	pollInterval  time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	metrics       *metrics.ApplyMetrics

	mu     sync.Mutex // one batch at a time
	notify chan struct{}
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithRetry sets how often a failed batch commit is retried and the initial
// backoff between attempts.
func WithRetry(maxRetries int, interval time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = uint64(maxRetries)
		}
		if interval > 0 {
			e.retryInterval = interval
		}
	}
}

func WithMetrics(m *metrics.ApplyMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func New(store kv.Store, merger *merge.Merger, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		merger:        merger,
		logger:        slog.Default(),
		batchSize:     DefaultBatchSize,
		pollInterval:  DefaultPollInterval,
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
		metrics:       metrics.NewApplyMetrics(),
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) PrometheusCollectors() []prometheus.Collector {
	return e.metrics.PrometheusCollectors()
}

// Notify wakes Run up before its next poll tick. It never blocks.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Restore loads the persisted checkpoints into the merger so that entries
// already reflected in the store are not applied again.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Snapshot()
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()

	f := merge.Frontier{Applied: make(map[types.WriterID]types.SeqN)}
	it := snap.Scan(schema.CheckpointRange(), iterator.Forward)
	defer it.Close()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := schema.CheckpointWriter(it.Key())
		if err != nil {
			return err
		}
		seq, err := schema.DecodeUint(it.Value())
		if err != nil {
			return fmt.Errorf("checkpoint of %s: %w", w, err)
		}
		f.Applied[w] = seq
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}

	v, err := snap.Get(schema.ClockKey())
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("read clock: %w", err)
	default:
		if f.Clock, err = schema.DecodeUint(v); err != nil {
			return fmt.Errorf("read clock: %w", err)
		}
	}

	e.merger.Restore(f)
	e.logger.Info("checkpoints restored", "writers", len(f.Applied), "clock", f.Clock)
	return nil
}

// Run ingests and applies until ctx is cancelled or a batch cannot be
// committed. Cancellation is honoured between batches only.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.notify:
		}
	}
}

// Sync ingests and applies until no ready entry is left. It returns the
// number of entries consumed.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		ingested, err := e.merger.Ingest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			// an unreachable writer must not stall the others
			e.logger.Warn("ingest failed", "error", err)
		}

		for {
			n, err := e.Step(ctx)
			if err != nil {
				return total, err
			}
			if n == 0 {
				break
			}
			total += n
			if err := ctx.Err(); err != nil {
				return total, err
			}
		}

		if ingested == 0 {
			return total, nil
		}
	}
}

// Step applies one batch of ready entries and returns its size.
func (e *Engine) Step(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := e.merger.Next(e.batchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	var stats batchStats
	op := func() error {
		stats = batchStats{}
		err := e.store.Update(func(tx kv.Tx) error {
			return e.applyBatch(tx, batch, &stats)
		})
		if err != nil {
			e.metrics.CommitFailures.Inc()
			if errors.Is(err, dberrors.ErrClosed) {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("batch commit failed, retrying", "batch", len(batch), "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, e.backoff(ctx), notify); err != nil {
		e.logger.Error("batch commit failed", "batch", len(batch), "error", err)
		return 0, fmt.Errorf("%w: %w", dberrors.ErrApplyFailed, err)
	}

	e.merger.Commit(batch)
	stats.report(e.metrics)
	e.metrics.Batches.Inc()
	e.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	return len(batch), nil
}

func (e *Engine) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx)
}

// Rebuild drops the view and every checkpoint. The next Sync or Run derives
// the view again from the first record of every writer.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var n int
	err := e.store.Update(func(tx kv.Tx) error {
		var err error
		n, err = kv.DeleteRange(tx, iterator.Range{})
		return err
	})
	if err != nil {
		return fmt.Errorf("wipe view: %w", err)
	}

	e.merger.Reset()
	e.logger.Info("view wiped for rebuild", "keys", n)
	return nil
}
