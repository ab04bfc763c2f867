package chatlog

import "sync"

// persistQueue hands snapshots to a single writer goroutine. Only the newest
// snapshot waits; older ones not yet written are replaced, so a slow sink
// never blocks writers and never sees snapshots out of order.
type persistQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	sink    Persister
	pending []Message
	seq     uint64 // sequence of pending
	saved   uint64 // sequence of the last snapshot written
	busy    bool
	closed  bool
}

func newPersistQueue(sink Persister) *persistQueue {
	q := &persistQueue{sink: sink}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *persistQueue) setSink(sink Persister) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

// offer queues snapshot unless a newer one has already been queued or written.
func (q *persistQueue) offer(seq uint64, snapshot []Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || seq <= q.seq || seq <= q.saved {
		return
	}
	q.pending = snapshot
	q.seq = seq
	q.cond.Broadcast()
}

func (q *persistQueue) run() {
	for {
		q.mu.Lock()
		for q.pending == nil && !q.closed {
			q.cond.Wait()
		}
		if q.pending == nil {
			q.mu.Unlock()
			return
		}
		snapshot, seq, sink := q.pending, q.seq, q.sink
		q.pending = nil
		q.busy = true
		q.mu.Unlock()

		if sink != nil {
			sink(snapshot)
		}

		q.mu.Lock()
		q.busy = false
		if seq > q.saved {
			q.saved = seq
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// flush waits until nothing is queued or being written.
func (q *persistQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending != nil || q.busy {
		q.cond.Wait()
	}
}

// close writes what is queued and stops the writer.
func (q *persistQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending != nil || q.busy {
		q.cond.Wait()
	}
	q.closed = true
	q.cond.Broadcast()
}
