package gateway

import "sync"

// listenQueue is the bounded FIFO of requests waiting for a free worker. It
// stands in for the kernel listen backlog a prefork server would lean on:
// requests park here when every worker is busy and are woken oldest-first as
// capacity frees up.
type listenQueue struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// join parks a new waiter at the tail. Returns false when the queue is at
// limit.
func (q *listenQueue) join(limit int) (chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) >= limit {
		return nil, false
	}
	ch := make(chan struct{}, 1)
	q.waiters = append(q.waiters, ch)
	return ch, true
}

// rejoin puts a woken waiter back at the head after it lost the race for the
// freed slot, preserving its place in line.
func (q *listenQueue) rejoin(ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = append([]chan struct{}{ch}, q.waiters...)
}

// leave removes a waiter wherever it sits, a no-op when it was already
// signaled out.
func (q *listenQueue) leave(ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// signal wakes the oldest waiter. Called whenever worker capacity frees up.
func (q *listenQueue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.waiters) > 0 {
		head := q.waiters[0]
		q.waiters = q.waiters[1:]
		select {
		case head <- struct{}{}:
			return
		default:
		}
	}
}

func (q *listenQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
