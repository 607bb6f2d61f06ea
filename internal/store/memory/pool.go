package memory

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// dispatchTask is a single subscriber delivery, run off the publish
// path so a slow subscriber's Respond call never blocks the channel
// lock other publishers and subscribers contend on.
type dispatchTask func()

// dispatchPool is a fixed-size worker pool for fan-out delivery,
// adapted from WorkerPool in the teacher's worker_pool.go: bounded
// queue, drop-and-count on overflow instead of spawning unbounded
// goroutines per subscriber.
type dispatchPool struct {
	queue   chan dispatchTask
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger
}

func newDispatchPool(queueSize int, logger zerolog.Logger) *dispatchPool {
	return &dispatchPool{
		queue:  make(chan dispatchTask, queueSize),
		logger: logger,
	}
}

func (p *dispatchPool) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *dispatchPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runWithRecover(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *dispatchPool) runWithRecover(task dispatchTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("dispatch worker panic recovered")
		}
	}()
	task()
}

// submit enqueues task, dropping and counting it if the queue is full.
func (p *dispatchPool) submit(task dispatchTask) {
	select {
	case p.queue <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

func (p *dispatchPool) droppedCount() int64 {
	return atomic.LoadInt64(&p.dropped)
}

func (p *dispatchPool) stop() {
	close(p.queue)
	p.wg.Wait()
}
