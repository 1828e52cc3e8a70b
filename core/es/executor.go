package es

import (
	"log/slog"
	"sync"
)

// Executor accepts a zero-argument unit of work and executes it now or
// later. No completion signal is observed by the caller.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) { f(task) }

// DirectExecutor runs every task inline in the calling goroutine.
type DirectExecutor struct{}

func (DirectExecutor) Execute(task func()) { task() }

// PoolExecutor runs tasks on a fixed set of worker goroutines behind a
// bounded queue. When the queue is full, Execute drops the task with a
// warning rather than blocking the caller.
type PoolExecutor struct {
	tasks     chan func()
	log       *slog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPoolExecutor(workers, queueSize int, log *slog.Logger) *PoolExecutor {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	p := &PoolExecutor{
		tasks: make(chan func(), queueSize),
		log:   log.With(slog.String("executor", "pool")),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *PoolExecutor) Execute(task func()) {
	select {
	case p.tasks <- task:
	default:
		p.log.Warn("task queue full, dropping task")
	}
}

// Shutdown stops accepting tasks and waits for queued work to finish.
func (p *PoolExecutor) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}

var (
	_ Executor = DirectExecutor{}
	_ Executor = (*PoolExecutor)(nil)
)
