package reasoning

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedJob pairs a job with the instant it becomes due
type delayedJob struct {
	readyAt time.Time
	job     *Job
}

// delayHeap is a min-heap ordered by readyAt
type delayHeap []delayedJob

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayedJob)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scheduler holds back retried jobs until their backoff delay elapses,
// then hands them to submit. One goroutine services the whole heap with a
// single timer, so a waiting retry never occupies a worker slot.
//
// Stopping the scheduler abandons undelivered jobs on purpose: they are
// already pending rows with next_retry_at in the store, and the next
// recovery scan picks them up.
type scheduler struct {
	mu     sync.Mutex
	heap   delayHeap
	wake   chan struct{}
	submit func(*Job)
}

func newScheduler(submit func(*Job)) *scheduler {
	return &scheduler{
		wake:   make(chan struct{}, 1),
		submit: submit,
	}
}

// schedule registers a job to be submitted at the given time and wakes the
// service goroutine so it can re-arm its timer
func (s *scheduler) schedule(job *Job, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, delayedJob{readyAt: at, job: job})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain discards every waiting entry and reports how many were dropped.
// Runs on shutdown so a later Start in the same process rebuilds the heap
// from the store instead of double-submitting recovered jobs.
func (s *scheduler) drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.heap)
	s.heap = nil
	return dropped
}

// pending returns the number of jobs waiting for their retry time
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// run services the heap until the context is cancelled
func (s *scheduler) run(ctx context.Context) {
	// Parked far in the future whenever the heap is empty; schedule()
	// wakes us to re-arm.
	const idleWait = time.Hour

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := idleWait
		s.mu.Lock()
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].readyAt)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			// re-arm against the new heap head
		case <-timer.C:
			for _, job := range s.popDue() {
				s.submit(job)
			}
		}
	}
}

// popDue removes and returns every job whose readyAt has passed
func (s *scheduler) popDue() []*Job {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Job
	for len(s.heap) > 0 && !s.heap[0].readyAt.After(now) {
		item := heap.Pop(&s.heap).(delayedJob)
		due = append(due, item.job)
	}
	return due
}
