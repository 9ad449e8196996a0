// Package scheduler runs delayed jobs. Jobs are persisted before they are
// armed, execute at most once, and are never retried.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSpec re-checks the store for due jobs whose timer was lost.
const DefaultSweepSpec = "@every 30s"

// Queue arms a timer per job and executes handlers on a bounded pool.
type Queue struct {
	store     JobStore
	logger    *zap.Logger
	workers   int
	sweepSpec string
	now       func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	started  bool
	stopped  bool

	sem    chan struct{}
	wg     sync.WaitGroup
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithWorkers bounds how many handlers run at once.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithSweepSpec sets the cron spec of the due-job sweep. An empty spec
// disables the sweep.
func WithSweepSpec(spec string) Option {
	return func(q *Queue) {
		q.sweepSpec = spec
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue backed by store.
func New(store JobStore, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		logger:    zap.NewNop(),
		workers:   8,
		sweepSpec: DefaultSweepSpec,
		now:       time.Now,
		handlers:  make(map[string]Handler),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("scheduler")
	q.sem = make(chan struct{}, q.workers)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Register binds a handler to a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue persists a job and arms it to run after delay.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error) {
	q.mu.Lock()
	_, known := q.handlers[kind]
	stopped := q.stopped
	q.mu.Unlock()

	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if stopped {
		return "", fmt.Errorf("enqueue %s: queue stopped", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	now := q.now()
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   data,
		NotBefore: now.Add(delay),
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := q.store.Add(ctx, job); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}

	q.arm(job)
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID), zap.String("kind", kind), zap.Duration("delay", delay))
	return job.ID, nil
}

// Cancel drops a pending job. A job that already started is unaffected.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	if t, ok := q.timers[id]; ok {
		if t.Stop() {
			q.wg.Done()
		}
		delete(q.timers, id)
	}
	q.mu.Unlock()
	return q.store.Cancel(ctx, id)
}

// Start re-arms pending jobs left by a previous run and starts the sweep.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if n, err := q.store.Abandon(ctx, "interrupted by restart"); err != nil {
		return fmt.Errorf("abandon running jobs: %w", err)
	} else if n > 0 {
		q.logger.Warn("failed jobs interrupted by restart", zap.Int("count", n))
	}

	pending, err := q.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	for _, job := range pending {
		q.arm(job)
	}
	if len(pending) > 0 {
		q.logger.Info("re-armed pending jobs", zap.Int("count", len(pending)))
	}

	if q.sweepSpec != "" {
		q.cron = cron.New()
		if _, err := q.cron.AddFunc(q.sweepSpec, q.sweep); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", q.sweepSpec, err)
		}
		q.cron.Start()
	}
	return nil
}

// Stop disarms timers and waits for running handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, t := range q.timers {
		if t.Stop() {
			q.wg.Done()
		}
		delete(q.timers, id)
	}
	q.mu.Unlock()

	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) arm(job *Job) {
	delay := job.NotBefore.Sub(q.now())
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if _, armed := q.timers[job.ID]; armed {
		return
	}

	q.wg.Add(1)
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		q.dispatch(job)
	})
}

// sweep runs due jobs whose timer is missing, e.g. jobs added by another
// process sharing the database.
func (q *Queue) sweep() {
	due, err := q.store.Due(q.ctx, q.now())
	if err != nil {
		q.logger.Warn("sweep failed", zap.Error(err))
		return
	}
	for _, job := range due {
		q.mu.Lock()
		_, armed := q.timers[job.ID]
		q.mu.Unlock()
		if !armed {
			q.arm(job)
		}
	}
}

func (q *Queue) dispatch(job *Job) {
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	ok, err := q.store.MarkRunning(q.ctx, job.ID)
	if err != nil {
		q.logger.Warn("mark running failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	q.mu.Lock()
	h := q.handlers[job.Kind]
	q.mu.Unlock()

	status, errMsg := StatusDone, ""
	if err := q.run(h, job); err != nil {
		status, errMsg = StatusFailed, err.Error()
		q.logger.Warn("job failed",
			zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Error(err))
	}

	// The handler may outlive q.ctx during shutdown; record the outcome anyway.
	if err := q.store.Finish(context.Background(), job.ID, status, errMsg); err != nil {
		q.logger.Warn("finish job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) run(h Handler, job *Job) (err error) {
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				zap.String("job_id", job.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(q.ctx, job)
}
