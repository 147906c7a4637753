package collab

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// EventSink receives commit events from the Dispatcher.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, evt CommitEvent) error
}

var ErrDispatcherClosed = errors.New("dispatcher: closed")

// Dispatcher：本地有界队列 + worker 异步投递 + 有限重试。
// - commit 路径只负责入队，不等待下游
// - 下游短暂不可用时靠队列吸收，后台慢慢补发
// - 队列满时丢弃并记录日志，避免内存无限增长
// - 按 sessionID 分片：同一会话的事件只由一个 worker 顺序投递
type Dispatcher struct {
	sinks  []EventSink
	queues []chan CommitEvent
	log    *slog.Logger

	// sem 限制并发的 Publish 数量
	sem *SemaphoreControl

	workers        int
	maxRetry       int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	enqueueTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOptions struct {
	// QueueSize is the total capacity, split evenly across the workers.
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// EnqueueTimeout bounds how long Hook waits on a full queue.
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
}

func NewDispatcher(sem *SemaphoreControl, opt DispatcherOptions, sinks ...EventSink) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	perShard := (opt.QueueSize + opt.Workers - 1) / opt.Workers
	queues := make([]chan CommitEvent, opt.Workers)
	for i := range queues {
		queues[i] = make(chan CommitEvent, perShard)
	}
	d := &Dispatcher{
		sinks:          sinks,
		queues:         queues,
		log:            opt.Logger,
		sem:            sem,
		workers:        opt.Workers,
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		enqueueTimeout: opt.EnqueueTimeout,
	}

	d.start()
	return d
}

// Enqueue puts evt on the local queue, waiting for room until ctx is done.
// Delivery is best effort: an event that cannot be queued is lost.
func (d *Dispatcher) Enqueue(ctx context.Context, evt CommitEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	queue := d.queues[d.shard(evt.SessionID)]
	select {
	case queue <- evt:
		return nil
	default:
	}
	select {
	case queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hook adapts the dispatcher to a CommitHook.
func (d *Dispatcher) Hook() CommitHook {
	return func(evt CommitEvent) {
		ctx := context.Background()
		if d.enqueueTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.enqueueTimeout)
			defer cancel()
		} else {
			// 不等待：队列满直接丢弃
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			cancel()
		}
		if err := d.Enqueue(ctx, evt); err != nil {
			d.log.Warn("commit event dropped",
				"session", evt.SessionID, "version", evt.Version, "err", err)
		}
	}
}

// Close stops accepting events and waits until queued events are delivered
// or dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) shard(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queues[workerID] {
		for _, sink := range d.sinks {
			d.sendWithRetry(workerID, sink, evt)
		}
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, sink EventSink, evt CommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := sink.Publish(context.Background(), evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Error("publish failed, drop event",
				"sink", sink.Name(), "session", evt.SessionID, "version", evt.Version,
				"worker", workerID, "err", err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}
