// Package sink archives delivered feed batches to external stores without slowing the
// poll loop.
package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attack-feed/internal/model"
)

// Sink stores batches of delivered events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []model.AttackEvent) error
}

// StatsSink is implemented by sinks that also keep the daily statistics.
type StatsSink interface {
	WriteStats(ctx context.Context, stats model.TodayStats) error
}

const (
	DefaultQueueSize = 256
	DefaultTimeout   = 10 * time.Second
)

type job struct {
	events []model.AttackEvent
	stats  *model.TodayStats
}

// Dispatcher queues jobs and writes each one to every sink concurrently from a single
// worker goroutine.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool
	done   chan struct{}
	start  sync.Once

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher returns a dispatcher for sinks. queueSize and timeout fall back to the
// package defaults when not positive.
func NewDispatcher(sinks []Sink, queueSize int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan job, queueSize),
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Sinks() []Sink { return d.sinks }

// Start launches the worker. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		d.process(j)
	}
}

// Enqueue never blocks. It reports false when the batch was dropped because the queue
// is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(events []model.AttackEvent) bool {
	if len(events) == 0 || len(d.sinks) == 0 {
		return true
	}
	return d.push(job{events: events})
}

func (d *Dispatcher) EnqueueStats(stats model.TodayStats) bool {
	if len(d.sinks) == 0 {
		return true
	}
	return d.push(job{stats: &stats})
}

func (d *Dispatcher) push(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

func (d *Dispatcher) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range d.sinks {
		s := s
		switch {
		case j.events != nil:
			g.Go(func() error {
				return d.observe(s, "events", s.Write(ctx, j.events))
			})
		case j.stats != nil:
			ss, ok := s.(StatsSink)
			if !ok {
				continue
			}
			g.Go(func() error {
				return d.observe(s, "stats", ss.WriteStats(ctx, *j.stats))
			})
		}
	}
	_ = g.Wait()
}

func (d *Dispatcher) observe(s Sink, kind string, err error) error {
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("Sink write failed",
			zap.String("sink", s.Name()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return err
	}
	d.written.Add(1)
	return nil
}

// Close stops accepting jobs and waits for the queued ones to be written, or for ctx
// to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	// A dispatcher that was never started still has to release its queue.
	d.Start()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats counts per-sink writes.
type Stats struct {
	Sinks   int    `json:"sinks"`
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sinks:   len(d.sinks),
		Queued:  len(d.queue),
		Written: d.written.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
