package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"skuharvest/internal/pkg/metrics"
)

// ErrClosed 表示队列已关闭，不再接受新任务。
var ErrClosed = errors.New("queue is closed")

// Job 是一个详情抓取任务。
type Job func(ctx context.Context) error

// ErrorHandler 接收任务返回的错误，panic 会被转换成错误后传入。
// 会被多个 worker 并发调用。
type ErrorHandler func(err error)

// Queue 是固定数量 worker 的有界任务池。
//
// 入队在队列满时阻塞，从而把并发抓取数限制在 workers 以内，
// 同时不会一次性为全部 SKU 创建 goroutine。
type Queue struct {
	logger  *slog.Logger
	workers int
	jobs    chan Job
	onError ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Int64
	finished  atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats 是队列计数器的快照。
type Stats struct {
	Submitted int64 // 成功入队
	Finished  int64 // 已执行完（含失败）
	Failed    int64 // 返回错误或 panic
	Panics    int64
}

// Abandoned 是已入队但因取消而没有执行的任务数。
func (s Stats) Abandoned() int64 {
	return s.Submitted - s.Finished
}

// NewQueue 创建队列。workers 与 capacity 至少为 1。
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	return &Queue{
		logger:  logger,
		workers: max(workers, 1),
		jobs:    make(chan Job, max(capacity, 1)),
	}
}

// SetErrorHandler 设置错误回调，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.onError = handler
}

// Start 启动 worker。ctx 取消后 worker 不再领取新任务，剩余任务被放弃。
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.loop(ctx, i)
	}
}

func (q *Queue) loop(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		// select 在两者都就绪时随机选择，先检查取消
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job, workerID int) {
	err := q.call(ctx, job, workerID)
	q.finished.Add(1)
	if err == nil {
		metrics.QueueJobsTotal.WithLabelValues("succeeded").Inc()
		return
	}
	q.failed.Add(1)
	metrics.QueueJobsTotal.WithLabelValues("failed").Inc()
	if q.onError != nil {
		q.onError(err)
	}
}

// call 执行任务并把 panic 转换成错误。
func (q *Queue) call(ctx context.Context, job Job, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			metrics.QueueJobsTotal.WithLabelValues("panic").Inc()
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job(ctx)
}

// Submit 阻塞式入队，直到成功、队列关闭或 ctx 取消。
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止接收任务并等待 worker 退出，可重复调用。
// ctx 未取消时，worker 会先执行完队列中剩余的任务。
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
	}
	q.wg.Wait()
}

// Stats 返回计数器快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Finished:  q.finished.Load(),
		Failed:    q.failed.Load(),
		Panics:    q.panics.Load(),
	}
}
