package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

var (
	// ErrLaneCleared rejects tasks still queued when their lane is deleted
	ErrLaneCleared = errors.New("lane cleared")
	// ErrQueueClosed rejects tasks submitted to or queued in a closed queue
	ErrQueueClosed = errors.New("command queue closed")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning and calls OnWait if the task is still queued after this long
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	lane       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	handle     *Handle
}

type taskResult struct {
	value interface{}
	err   error
}

// Handle is the pending outcome of a submitted task
type Handle struct {
	ID   string
	Lane string

	once   sync.Once
	done   chan struct{}
	result taskResult
}

func newHandle(id, lane string) *Handle {
	return &Handle{ID: id, Lane: lane, done: make(chan struct{})}
}

func (h *Handle) resolve(value interface{}, err error) {
	h.once.Do(func() {
		h.result = taskResult{value: value, err: err}
		close(h.done)
	})
}

// Done is closed when the task finished or was rejected
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx ends
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.result.value, h.result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// laneState is one lane: a FIFO of waiting tasks and at most one running task
type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running int
	// deleted is set once the lane left the lanes map; submits then retry
	deleted bool
}

// LaneStats is a point-in-time view of one lane
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// CommandQueue serialises tasks per lane. Lanes run concurrently with each other.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    atomic.Bool
	active    atomic.Int64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new, empty CommandQueue. Lanes are created on first use.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// lane returns the lane state, creating it when missing
func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, exists = cq.lanes[lane]; exists {
		return ls
	}
	ls = &laneState{queue: make([]*taskRecord, 0)}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) existing(lane string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// Submit queues a task and returns immediately. Calls made in order from one
// goroutine run in that order.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if cq.closed.Load() {
		h := newHandle("", lane)
		h.resolve(nil, ErrQueueClosed)
		return h
	}

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		lane:       lane,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		handle:     newHandle(taskID, lane),
	}
	ls, queueSize := cq.enqueue(record)

	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(ls, record)
	}

	cq.processLane(ls)
	return record.handle
}

// enqueue appends record to its lane, retrying when the lane was deleted
// between lookup and append
func (cq *CommandQueue) enqueue(record *taskRecord) (*laneState, int) {
	for {
		ls := cq.lane(record.lane)
		ls.mu.Lock()
		if ls.deleted {
			ls.mu.Unlock()
			continue
		}
		ls.queue = append(ls.queue, record)
		size := len(ls.queue)
		ls.mu.Unlock()
		return ls, size
	}
}

// processLane starts the next queued task when the lane is idle
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running == 0 && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if cq.closed.Load() {
			record.handle.resolve(nil, ErrQueueClosed)
			continue
		}

		ls.running++
		cq.active.Add(1)
		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"parley.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", record.lane),
		attribute.String("task_id", record.id),
		attribute.Int64("wait_ms", time.Since(record.enqueuedAt).Milliseconds()),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.active.Add(-1)

	record.handle.resolve(value, err)
	tracing.EndSpan(span, err)

	event := logger.Debug().
		Str("lane", record.lane).
		Str("taskId", record.id).
		Dur("duration", duration)
	if err != nil {
		event.Err(err).Msg("Task failed")
	} else {
		event.Msg("Task completed")
	}

	observability.RecordQueueCompletion(record.lane, duration, err == nil, queueSize)
	cq.processLane(ls)
}

// startWarnTimer warns about a task still queued after WarnAfter
func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.handle.done:
		return
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r.id == record.id {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", record.lane).
		Str("taskId", record.id).
		Dur("wait", wait).
		Int("queuePos", queuePos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, exists := cq.existing(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, exists := cq.existing(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
		ls.mu.Unlock()
	}
	return stats
}

// rejectQueued fails every queued task of a lane. Caller holds ls.mu.
func rejectQueued(ls *laneState, err error) int {
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.handle.resolve(nil, err)
	}
	ls.queue = make([]*taskRecord, 0)
	return count
}

// DeleteLane rejects a lane's queued tasks and forgets the lane. A task still
// running finishes on its own; a later submit to the same name creates a
// fresh lane.
func (cq *CommandQueue) DeleteLane(lane string) int {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	delete(cq.lanes, lane)
	cq.mu.Unlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	ls.deleted = true
	count := rejectQueued(ls, ErrLaneCleared)
	ls.mu.Unlock()

	observability.ForgetLane(lane)
	log.Debug().Str("lane", lane).Int("cleared", count).Msg("Lane deleted")
	return count
}

// PruneLane forgets a lane that has nothing queued or running and reports
// whether it did
func (cq *CommandQueue) PruneLane(lane string) bool {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if !exists {
		cq.mu.Unlock()
		return false
	}

	ls.mu.Lock()
	idle := ls.running == 0 && len(ls.queue) == 0
	if idle {
		ls.deleted = true
		delete(cq.lanes, lane)
	}
	ls.mu.Unlock()
	cq.mu.Unlock()

	if idle {
		observability.ForgetLane(lane)
	}
	return idle
}

// ActiveCount returns the number of running tasks across all lanes,
// including lanes deleted while their task runs
func (cq *CommandQueue) ActiveCount() int {
	return int(cq.active.Load())
}

// WaitForActive waits for all running tasks to complete, up to timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.active.Load() == 0 {
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	if !cq.closed.CompareAndSwap(false, true) {
		return nil
	}

	cq.mu.Lock()
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		rejectQueued(ls, ErrQueueClosed)
		ls.mu.Unlock()
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
