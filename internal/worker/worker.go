package worker

import (
	"context"
	"log"
	"sync"
)

// Pool executes detached best-effort tasks: usage emission, quota
// reconciliation, usage-log writes. The contract is no retry and no
// backpressure — when the queue is full the task is dropped, and task
// errors die at the task boundary.
type Pool struct {
	tasks chan func(context.Context)
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewPool starts size workers over a queue of depth queueLen.
func NewPool(size, queueLen int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		tasks: make(chan func(context.Context), queueLen),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.invoke(task)
	}
}

func (p *Pool) invoke(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: task panicked: %v", r)
		}
	}()
	// Tasks outlive their originating request, so they never inherit a
	// request context.
	task(context.Background())
}

// Submit enqueues a task, reporting false when it was dropped.
func (p *Pool) Submit(task func(context.Context)) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and drains the queue.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
