// Package delay runs best-effort tasks after a delay on a bounded worker
// queue. Tasks have no caller-visible handle: a full queue drops the task and
// Close drops whatever has not run yet.
package delay

import (
	"context"
	"sync"
	"time"
)

type task struct {
	at time.Time
	fn func(context.Context)
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	q      chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts workers goroutines draining a queue of qlen pending tasks.
// Tasks are started in submission order, each no earlier than its deadline.
func New(workers, qlen int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{q: make(chan task, qlen), ctx: ctx, cancel: cancel}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.loop()
	}
	return s
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.q:
			if wait := time.Until(t.at); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-s.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			t.fn(s.ctx)
		}
	}
}

// After schedules fn to run once d has elapsed. It reports false when the
// task was dropped because the queue is full or the scheduler is closed.
// fn receives a context that is canceled by Close.
func (s *Scheduler) After(d time.Duration, fn func(context.Context)) bool {
	if fn == nil || s.ctx.Err() != nil {
		return false
	}
	select {
	case s.q <- task{at: time.Now().Add(d), fn: fn}:
		return true
	default:
		return false
	}
}

// Close stops the workers and waits for a running task to return.
// Pending tasks are discarded. Safe to call multiple times.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
