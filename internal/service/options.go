// Package service holds the ledger engine: deposit ingestion, redemption,
// settlement, refunds and the disbursement reconciliation pipelines. All
// durable state goes through Store; services keep none of their own.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 8

type options struct {
	logger      *zap.Logger
	now         func() time.Time
	parallelism int
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source. Tests use a fixed clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithParallelism bounds the per-record fan-out of batch jobs.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now, parallelism: defaultParallelism}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BatchResult counts per-record outcomes of one polling run.
type BatchResult struct {
	Found     int `json:"found"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeErrored
)

type tally struct {
	mu  sync.Mutex
	res BatchResult
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSucceeded:
		t.res.Succeeded++
	case outcomeFailed:
		t.res.Failed++
	case outcomeSkipped:
		t.res.Skipped++
	default:
		t.res.Errored++
	}
}

// fanOut runs fn for every item with at most limit in flight. fn owns its
// error handling so one item never cancels the others.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			fn(gctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

// walk pages through a keyset-ordered queue until a short page and hands each
// page to each. It returns the number of records seen. Skipped records do not
// hold back the ones behind them.
func walk[T, C any](ctx context.Context, pageSize int, list func(after C) ([]T, error), cursor func(T) C, each func([]T)) (int, error) {
	var (
		after C
		found int
	)
	for {
		page, err := list(after)
		if err != nil {
			return found, err
		}
		found += len(page)
		if len(page) > 0 {
			each(page)
		}
		if len(page) < pageSize || ctx.Err() != nil {
			return found, nil
		}
		after = cursor(page[len(page)-1])
	}
}
