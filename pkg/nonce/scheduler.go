package nonce

import (
	"container/heap"
	"sync"
	"time"
)

type task struct {
	at time.Time
	fn func()
}

type taskQueue []task

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q taskQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)        { *q = append(*q, x.(task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = task{}
	*q = old[:n-1]
	return t
}

// Scheduler runs deferred tasks on a single worker goroutine, earliest first.
// Tasks cannot be cancelled individually.
type Scheduler struct {
	mu      sync.Mutex
	queue   taskQueue
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewScheduler starts a scheduler worker.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule queues fn to run after delay. It returns false once the
// scheduler has been stopped.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	heap.Push(&s.queue, task{at: time.Now().Add(delay), fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop rejects new tasks, discards pending ones and waits for the worker to exit.
// It returns the number of discarded tasks and is safe to call more than once.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return 0
	}
	s.stopped = true
	discarded := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return discarded
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		fn, wait := s.next()
		if fn != nil {
			fn()
			continue
		}

		var fire <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-fire:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// next pops a due task, or reports how long until the earliest one is due.
// A zero wait with a nil task means the queue is empty.
func (s *Scheduler) next() (func(), time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || len(s.queue) == 0 {
		return nil, 0
	}
	wait := time.Until(s.queue[0].at)
	if wait > 0 {
		return nil, wait
	}
	return heap.Pop(&s.queue).(task).fn, 0
}
