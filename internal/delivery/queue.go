// Package delivery moves email dispatch off the request path onto a single
// background consumer with bounded retry.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"docsign.org/internal/ids"
	"docsign.org/internal/obs"
)

var (
	ErrStopped        = errors.New("delivery: queue stopped")
	ErrDeliveryFailed = errors.New("delivery: attempts exhausted")
)

// Dispatcher performs one delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, task Task) error

func (f DispatcherFunc) Dispatch(ctx context.Context, task Task) error { return f(ctx, task) }

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithPollInterval bounds how long the idle consumer waits before rechecking for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithBackoff sets the retry delay: base doubled per failed attempt, capped at max.
// A zero base requeues failed tasks immediately.
func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffMax = max
	}
}

// WithDispatchTimeout bounds a single dispatch attempt.
func WithDispatchTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.dispatchTimeout = d
		}
	}
}

// WithDropHandler registers a callback for tasks that will never be delivered.
func WithDropHandler(fn func(Task, error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

type entry struct {
	task     Task
	sentinel bool
}

// parkedTask is a failed task waiting out its backoff.
type parkedTask struct {
	task  Task
	timer *time.Timer
}

// Queue is a FIFO task queue with exactly one consumer goroutine.
// Failed tasks go back to the tail, so they never block later arrivals.
// Tasks still queued or parked at shutdown are dropped and reported.
type Queue struct {
	dispatcher Dispatcher

	mu      sync.Mutex
	items   []entry
	parked  map[string]parkedTask
	stopped bool
	started bool

	signal chan struct{}
	done   chan struct{}

	maxAttempts     int
	poll            time.Duration
	backoffBase     time.Duration
	backoffMax      time.Duration
	dispatchTimeout time.Duration
	onDrop          func(Task, error)
}

// New creates a stopped queue. Call Start to launch the consumer.
func New(d Dispatcher, opts ...Option) *Queue {
	q := &Queue{
		dispatcher:      d,
		parked:          make(map[string]parkedTask),
		signal:          make(chan struct{}, 1),
		done:            make(chan struct{}),
		maxAttempts:     DefaultMaxAttempts,
		poll:            time.Second,
		backoffBase:     500 * time.Millisecond,
		backoffMax:      10 * time.Second,
		dispatchTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends task to the tail and returns immediately.
func (q *Queue) Enqueue(task Task) error {
	if len(task.To) == 0 {
		return fmt.Errorf("delivery: %s task has no recipients", task.Kind)
	}
	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.maxAttempts
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, entry{task: task})
	depth := len(q.items)
	q.mu.Unlock()

	obs.DeliveryEnqueued.WithLabelValues(string(task.Kind)).Inc()
	obs.DeliveryQueueDepth.Set(float64(depth))
	q.wake()
	return nil
}

// Len returns the number of tasks waiting, excluding tasks parked for backoff.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.items {
		if !e.sentinel {
			n++
		}
	}
	return n
}

// Start launches the consumer. Subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	obs.Info("delivery.started", map[string]any{"max_attempts": q.maxAttempts})
	go q.run(ctx)
}

// Stop pushes the shutdown sentinel and waits for the consumer to exit or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		started := q.started
		q.mu.Unlock()
		if !started {
			return nil
		}
		return q.wait(ctx)
	}
	q.stopped = true
	q.items = append(q.items, entry{sentinel: true})
	parked := q.takeParked()
	started := q.started
	q.mu.Unlock()

	q.drop(parked, "shutdown")
	if !started {
		q.dropRemaining()
		return nil
	}
	q.wake()
	return q.wait(ctx)
}

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer q.exit()

	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	for {
		e, ok := q.pop()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(q.poll)
			select {
			case <-q.signal:
			case <-timer.C:
			case <-ctx.Done():
				return
			}
			continue
		}
		if e.sentinel {
			return
		}
		q.process(ctx, e.task)
		if q.isStopped() {
			return
		}
	}
}

func (q *Queue) pop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return entry{}, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	obs.DeliveryQueueDepth.Set(float64(len(q.items)))
	return e, true
}

func (q *Queue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (q *Queue) process(ctx context.Context, task Task) {
	dctx, cancel := context.WithTimeout(ctx, q.dispatchTimeout)
	err := q.dispatcher.Dispatch(dctx, task)
	cancel()

	task.Attempts++
	kind := string(task.Kind)
	fields := map[string]any{
		"task_id":     task.ID,
		"kind":        kind,
		"document_id": task.DocumentID,
		"to":          strings.Join(task.To, ","),
		"attempt":     task.Attempts,
	}
	if err == nil {
		obs.DeliverySent.WithLabelValues(kind).Inc()
		obs.Info("delivery.sent", fields)
		return
	}

	task.LastError = err.Error()
	fields["error"] = task.LastError
	if task.Attempts >= task.MaxAttempts {
		obs.DeliveryDropped.WithLabelValues(kind, "exhausted").Inc()
		obs.Error("delivery.dropped", fields)
		if q.onDrop != nil {
			q.onDrop(task, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		}
		return
	}

	obs.DeliveryRetries.WithLabelValues(kind).Inc()
	delay := q.backoff(task.Attempts)
	fields["retry_in_ms"] = delay.Milliseconds()
	obs.Warn("delivery.retry", fields)
	q.requeue(task, delay)
}

func (q *Queue) backoff(attempts int) time.Duration {
	if q.backoffBase <= 0 {
		return 0
	}
	d := q.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if q.backoffMax > 0 && d >= q.backoffMax {
			return q.backoffMax
		}
	}
	if q.backoffMax > 0 && d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

// requeue puts task back at the tail, after delay if one is configured.
func (q *Queue) requeue(task Task, delay time.Duration) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.drop([]Task{task}, "shutdown")
		return
	}
	if delay <= 0 {
		q.items = append(q.items, entry{task: task})
		obs.DeliveryQueueDepth.Set(float64(len(q.items)))
		q.mu.Unlock()
		return
	}
	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, ok := q.parked[task.ID]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.parked, task.ID)
		if q.stopped {
			q.mu.Unlock()
			q.drop([]Task{task}, "shutdown")
			return
		}
		q.items = append(q.items, entry{task: task})
		obs.DeliveryQueueDepth.Set(float64(len(q.items)))
		q.mu.Unlock()
		q.wake()
	})
	q.parked[task.ID] = parkedTask{task: task, timer: timer}
	q.mu.Unlock()
}

// exit runs when the consumer returns, whether through Stop or because its
// context ended. Later Enqueue calls get ErrStopped.
func (q *Queue) exit() {
	q.mu.Lock()
	q.stopped = true
	tasks := q.takeItems()
	tasks = append(tasks, q.takeParked()...)
	q.mu.Unlock()
	q.drop(tasks, "shutdown")
}

func (q *Queue) dropRemaining() {
	q.mu.Lock()
	tasks := q.takeItems()
	q.mu.Unlock()
	q.drop(tasks, "shutdown")
}

// takeItems empties the FIFO. Caller holds q.mu.
func (q *Queue) takeItems() []Task {
	var out []Task
	for _, e := range q.items {
		if !e.sentinel {
			out = append(out, e.task)
		}
	}
	q.items = nil
	obs.DeliveryQueueDepth.Set(0)
	return out
}

// takeParked cancels every backoff timer. Caller holds q.mu.
func (q *Queue) takeParked() []Task {
	out := make([]Task, 0, len(q.parked))
	for id, p := range q.parked {
		p.timer.Stop()
		out = append(out, p.task)
		delete(q.parked, id)
	}
	return out
}

// drop records tasks lost to shutdown. Must be called without q.mu held so
// the drop handler may use the queue.
func (q *Queue) drop(tasks []Task, reason string) {
	for _, task := range tasks {
		obs.DeliveryDropped.WithLabelValues(string(task.Kind), reason).Inc()
		obs.Warn("delivery.dropped", map[string]any{
			"task_id":     task.ID,
			"kind":        string(task.Kind),
			"document_id": task.DocumentID,
			"attempts":    task.Attempts,
			"reason":      reason,
		})
		if q.onDrop != nil {
			q.onDrop(task, ErrStopped)
		}
	}
}
