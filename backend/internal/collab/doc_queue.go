package collab

import "sync"

// docQueue 按到达顺序（FIFO）串行化同一文档的操作。
// sync.Mutex 不保证先来先得，这里把锁的所有权直接交给队首的等待者。
type docQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *docQueue) Lock() {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	<-ch
}

func (q *docQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}
