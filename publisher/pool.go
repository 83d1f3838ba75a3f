package publisher

import (
	"context"
	"log/slog"
	"sync"
)

type task func(ctx context.Context)

// workerPool runs tasks on a fixed number of goroutines fed by a bounded
// queue. A full queue rejects instead of blocking the caller.
type workerPool struct {
	tasks  chan task
	wg     sync.WaitGroup
	logger *slog.Logger
	// onDequeue is called whenever a worker takes a task.
	onDequeue func()

	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(size, queue int, logger *slog.Logger, onDequeue func()) *workerPool {
	p := &workerPool{
		tasks:     make(chan task, queue),
		logger:    logger,
		onDequeue: onDequeue,
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *workerPool) worker(id int) {
	defer p.wg.Done()

	for t := range p.tasks {
		if p.onDequeue != nil {
			p.onDequeue()
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Publish task panicked", "worker", id, "panic", r)
				}
			}()
			t(context.Background())
		}()
	}
}

// trySubmit queues t and reports whether it was accepted.
func (p *workerPool) trySubmit(t task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

// close stops accepting tasks and waits until queued ones have run or ctx
// is done.
func (p *workerPool) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
