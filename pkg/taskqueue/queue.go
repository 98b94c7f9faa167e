package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// keyState manages execution state for a single conversation key.
// running is true while a worker is draining this key's queue.
type keyState struct {
	queue   []*taskRecord
	running bool
	mu      sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued" or "completed"
	Key    string                 // Conversation key
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// Queue provides per-key FIFO task serialization
type Queue struct {
	keys      map[string]*keyState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new Queue
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		keys:          make(map[string]*keyState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Enqueue adds a task to the queue for the given key and blocks until the
// task's own outcome is available. A task's failure is delivered only to its
// caller; queued successors for the same key still run.
func (q *Queue) Enqueue(key string, task Task, options *TaskOptions) (interface{}, error) {
	return q.EnqueueWithContext(context.Background(), key, task, options)
}

// EnqueueWithContext adds a task to the queue for the given key and propagates context metadata.
func (q *Queue) EnqueueWithContext(ctx context.Context, key string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"courier.taskqueue",
		"taskqueue.enqueue",
		attribute.String("key", key),
	)
	defer span.End()

	if tracing.GetConversationKey(ctx) == "" {
		ctx = tracing.WithConversationKey(ctx, key)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	// Append under q.mu so a retiring worker (which deletes drained keys
	// under the same lock) can never miss a freshly queued task.
	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", key, q.taskIDSeq)
	record.id = taskID
	ks, exists := q.keys[key]
	if !exists {
		ks = &keyState{}
		q.keys[key] = ks
	}
	ks.mu.Lock()
	ks.queue = append(ks.queue, record)
	queueSize := len(ks.queue)
	startWorker := !ks.running
	if startWorker {
		ks.running = true
	}
	ks.mu.Unlock()
	q.mu.Unlock()

	logger.Debug().
		Str("key", key).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(key, queueSize)

	q.emit(Event{
		Type:   "enqueued",
		Key:    key,
		TaskID: taskID,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfterMs > 0 {
		go q.startWarnTimer(record, key)
	}

	if startWorker {
		q.wg.Add(1)
		go q.drainKey(key, ks)
	}

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// drainKey executes queued tasks for a key one at a time until the queue is
// empty, then retires the worker and garbage-collects the key.
func (q *Queue) drainKey(key string, ks *keyState) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		ks.mu.Lock()
		if len(ks.queue) == 0 {
			ks.running = false
			delete(q.keys, key)
			ks.mu.Unlock()
			q.mu.Unlock()
			return
		}
		record := ks.queue[0]
		ks.queue = ks.queue[1:]
		ks.mu.Unlock()
		q.mu.Unlock()

		q.executeTask(key, ks, record)
	}
}

// executeTask executes a single task
func (q *Queue) executeTask(key string, ks *keyState, record *taskRecord) {
	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"courier.taskqueue",
		"taskqueue.execute_task",
		attribute.String("key", key),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ks.mu.Lock()
	queueSize := len(ks.queue)
	ks.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("key", key).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("key", key).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(key, duration, err == nil, queueSize)

	q.emit(Event{
		Type:   "completed",
		Key:    key,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})
}

// startWarnTimer starts a timer to warn about long wait times
func (q *Queue) startWarnTimer(record *taskRecord, key string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		q.mu.RLock()
		ks, exists := q.keys[key]
		q.mu.RUnlock()
		if !exists {
			return
		}

		ks.mu.Lock()
		queuePos := -1
		for i, r := range ks.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ks.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("key", key).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-q.ctx.Done():
		return
	}
}

// Length returns the number of pending tasks for one key.
func (q *Queue) Length(key string) int {
	q.mu.RLock()
	ks, exists := q.keys[key]
	q.mu.RUnlock()

	if !exists {
		return 0
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.queue)
}

// TotalLength returns the number of pending tasks summed across all keys.
func (q *Queue) TotalLength() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	total := 0
	for _, ks := range q.keys {
		ks.mu.Lock()
		total += len(ks.queue)
		ks.mu.Unlock()
	}
	return total
}

// Stats returns pending and running counts per key
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for key, ks := range q.keys {
		ks.mu.Lock()
		running := 0
		if ks.running {
			running = 1
		}
		stats[key] = map[string]int{
			"queued":  len(ks.queue),
			"running": running,
		}
		ks.mu.Unlock()
	}

	return stats
}

// Close gracefully shuts down the queue, waiting for in-flight tasks.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all event handlers for the event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
