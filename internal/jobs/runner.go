// Package jobs runs the periodic reconciliation passes. A pass that is still
// running when its next tick fires is dropped, not queued.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusy is returned by RunOnce when another run of the job holds its lock.
var ErrBusy = errors.New("jobs: already running")

var ErrUnknownJob = errors.New("jobs: unknown job")

// Job is one periodic pass. Run returns a summary that is logged and handed
// back to manual callers.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (any, error)
	// Limiter defaults to a process local lock.
	Limiter Limiter
}

type Runner struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewRunner(logger *zap.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{jobs: map[string]*Job{}, timeout: timeout, logger: logger}
}

func (r *Runner) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("jobs: name and run func are required")
	}
	if j.Limiter == nil {
		j.Limiter = NewLocalLimiter()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("jobs: %s registered twice", j.Name)
	}
	r.jobs[j.Name] = &j
	return nil
}

func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunOnce runs the named job now, unless it is already running anywhere the
// limiter reaches.
func (r *Runner) RunOnce(ctx context.Context, name string) (any, error) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j *Job) (any, error) {
	release, ok, err := j.Limiter.Acquire(ctx, j.Name)
	if err != nil {
		jobRuns.WithLabelValues(j.Name, "error").Inc()
		return nil, fmt.Errorf("jobs: lock %s: %w", j.Name, err)
	}
	if !ok {
		jobRuns.WithLabelValues(j.Name, "dropped").Inc()
		return nil, ErrBusy
	}
	defer release()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := j.Run(ctx)
	jobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())

	log := r.logger.With(zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
	if err != nil {
		jobRuns.WithLabelValues(j.Name, "error").Inc()
		log.Error("job failed", zap.Error(err))
		return res, err
	}
	jobRuns.WithLabelValues(j.Name, "ok").Inc()
	log.Info("job finished", zap.Any("result", res))
	return res, nil
}

// Start ticks every job with a positive interval until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Interval <= 0 {
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
}

func (r *Runner) loop(ctx context.Context, j *Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.run(ctx, j); errors.Is(err, ErrBusy) {
				r.logger.Info("previous run still in progress, tick dropped", zap.String("job", j.Name))
			}
		}
	}
}

// Wait blocks until every loop started by Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
