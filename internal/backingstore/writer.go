package backingstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// QuotaError is returned by a Store call to signal a provider-side quota
// rejection (HTTP 429 or an equivalent "quota exceeded" response), which the
// batched writer retries with backoff rather than treating as a terminal
// failure.
type QuotaError struct{ cause error }

func (e *QuotaError) Error() string { return "quota exceeded: " + e.cause.Error() }
func (e *QuotaError) Unwrap() error { return e.cause }

// NewQuotaError wraps cause as a QuotaError.
func NewQuotaError(cause error) *QuotaError { return &QuotaError{cause: cause} }

// logQueue is one named queue of pending rows plus its own backoff state.
type logQueue struct {
	mu            sync.Mutex
	rows          []LogRow
	backoffPolicy *backoff.ExponentialBackOff
	currentDelay  time.Duration
	nextAttemptAt time.Time
	attempts      int
}

func newLogQueue(initial, max time.Duration) *logQueue {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0 // retry indefinitely; suspended data must never be dropped
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	// The constructor snapshots its own default initial interval; reset so
	// the first delay is the configured initial one.
	bo.Reset()
	return &logQueue{backoffPolicy: bo}
}

func (q *logQueue) enqueue(row LogRow) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = append(q.rows, row)
}

func (q *logQueue) ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows) > 0 && time.Now().After(q.nextAttemptAt)
}

func (q *logQueue) snapshot() []LogRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]LogRow, len(q.rows))
	copy(out, q.rows)
	return out
}

func (q *logQueue) onQuotaRejected() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts++
	delay := q.backoffPolicy.NextBackOff()
	q.currentDelay = delay
	q.nextAttemptAt = time.Now().Add(delay)
	return delay
}

func (q *logQueue) onSuccess(flushed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = q.rows[flushed:]
	q.backoffPolicy.Reset()
	q.currentDelay = 0
	q.attempts = 0
	q.nextAttemptAt = time.Time{}
}

func (q *logQueue) dropFirst(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.rows) {
		n = len(q.rows)
	}
	q.rows = q.rows[n:]
}

// AuthQueueName and CategoryChangeQueueName are the two fixed non-per-user
// queues maintained alongside the per-user queues.
const (
	AuthQueueName           = "auth"
	CategoryChangeQueueName = "category-change"
)

// BatchedWriter is the back-pressured writer sitting in front of the
// tabular backing store: one queue per user plus the auth and
// category-change queues, flushed every 30s with ≥1s spacing between
// queues, with exponential backoff on quota rejection and a local fallback
// file for any other failure.
type BatchedWriter struct {
	store    BatchAppender
	fallback *FallbackWriter
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	flushInterval  time.Duration
	interQueueGap  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.Mutex
	queues    map[string]*logQueue
	suspended atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// NewBatchedWriter constructs a writer with the given flush cadence and
// backoff envelope.
func NewBatchedWriter(store BatchAppender, fallback *FallbackWriter, flushInterval, initialBackoff, maxBackoff time.Duration, logger *zap.Logger) *BatchedWriter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "batched-writer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("batched writer circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &BatchedWriter{
		store:          store,
		fallback:       fallback,
		breaker:        breaker,
		logger:         logger,
		flushInterval:  flushInterval,
		interQueueGap:  1 * time.Second,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		queues:         make(map[string]*logQueue),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (w *BatchedWriter) queueFor(name string) *logQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[name]
	if !ok {
		q = newLogQueue(w.initialBackoff, w.maxBackoff)
		w.queues[name] = q
	}
	return q
}

// Enqueue appends row to the named queue (a username for per-user queues,
// or AuthQueueName/CategoryChangeQueueName).
func (w *BatchedWriter) Enqueue(queueName string, row LogRow) {
	w.queueFor(queueName).enqueue(row)
}

// SetSuspended pauses (true) or resumes (false) flush attempts, letting
// another subsystem (the reconciler) have exclusive write access to the
// backing store during its own bulk writes.
func (w *BatchedWriter) SetSuspended(suspended bool) {
	w.suspended.Store(suspended)
}

// Backlog reports the pending row count for a named queue, for metrics/status.
func (w *BatchedWriter) Backlog(queueName string) int {
	w.mu.Lock()
	q, ok := w.queues[queueName]
	w.mu.Unlock()
	if !ok {
		return 0
	}
	return len(q.snapshot())
}

// QueueNames returns every queue name currently known to the writer, for
// metrics sampling.
func (w *BatchedWriter) QueueNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.queues))
	for name := range w.queues {
		names = append(names, name)
	}
	return names
}

// CurrentBackoff reports the queue's current backoff delay, for metrics.
func (w *BatchedWriter) CurrentBackoff(queueName string) time.Duration {
	w.mu.Lock()
	q, ok := w.queues[queueName]
	w.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentDelay
}

// Run starts the 30s flush loop; it returns when ctx is cancelled.
func (w *BatchedWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.flushAll(ctx)
		}
	}
}

// Stop signals the flush loop to exit and waits for it to finish.
func (w *BatchedWriter) Stop() {
	close(w.stop)
	<-w.done
}

func (w *BatchedWriter) flushAll(ctx context.Context) {
	if w.suspended.Load() {
		return
	}

	w.mu.Lock()
	names := make([]string, 0, len(w.queues))
	for name := range w.queues {
		names = append(names, name)
	}
	w.mu.Unlock()

	for i, name := range names {
		if w.suspended.Load() {
			return
		}
		w.flushOne(ctx, name)
		if i < len(names)-1 {
			time.Sleep(w.interQueueGap)
		}
	}
}

func (w *BatchedWriter) flushOne(ctx context.Context, name string) {
	q := w.queueFor(name)
	if !q.ready() {
		return
	}
	rows := q.snapshot()
	if len(rows) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.store.BatchAppend(ctx, name, rows)
	})

	if err == nil {
		q.onSuccess(len(rows))
		return
	}

	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) || isQuotaLikeError(err) {
		delay := q.onQuotaRejected()
		w.logger.Warn("batched writer: quota rejected, backing off",
			zap.String("queue", name), zap.Duration("backoff", delay), zap.Int("pending", len(rows)))
		return
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		w.logger.Warn("batched writer: circuit open, deferring flush", zap.String("queue", name))
		return
	}

	// Other errors: write to local fallback and drop from the queue so the
	// queue cannot grow unbounded on a systematically malformed row.
	w.logger.Error("batched writer: flush failed, writing to fallback",
		zap.String("queue", name), zap.Error(err), zap.Int("rows", len(rows)))
	if fbErr := w.fallback.WriteRows(name, rows); fbErr != nil {
		w.logger.Error("batched writer: fallback write failed", zap.Error(fbErr))
		return
	}
	q.dropFirst(len(rows))
}

func isQuotaLikeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota")
}
