package signaling

import "sync"

// dispatcher runs queued callbacks one at a time on its own goroutine, in
// enqueue order. Callbacks may enqueue further work.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wakeup chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

// close drops pending callbacks and waits for the running one to return.
// It must not be called from inside a callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wakeup:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}
