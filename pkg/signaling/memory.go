package signaling

import (
	"context"
	"sync"
)

var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is an in-process Channel. Writes are last-writer-wins and
// notifications are delivered by a single dispatcher goroutine in write
// order, so handlers may call back into the channel.
type MemoryChannel struct {
	mu         sync.Mutex
	records    map[string]*CallRecord
	broadcasts map[string]Broadcast
	keySubs    map[string]map[int]RecordHandler
	listSubs   map[int]BroadcastHandler
	nextSub    int
	closed     bool

	dispatch *dispatcher
}

// NewMemoryChannel creates a channel and starts its dispatcher.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		records:    make(map[string]*CallRecord),
		broadcasts: make(map[string]Broadcast),
		keySubs:    make(map[string]map[int]RecordHandler),
		listSubs:   make(map[int]BroadcastHandler),
		dispatch:   newDispatcher(),
	}
}

// Get returns a copy of the record, or nil when absent.
func (c *MemoryChannel) Get(_ context.Context, key string) (*CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.records[key].Clone(), nil
}

// Set replaces the whole record.
func (c *MemoryChannel) Set(_ context.Context, key string, rec CallRecord) error {
	return c.write(key, func(*CallRecord) *CallRecord {
		return rec.Clone()
	})
}

// Update merges patch into the record, creating it when absent.
func (c *MemoryChannel) Update(_ context.Context, key string, patch RecordPatch) error {
	return c.write(key, func(cur *CallRecord) *CallRecord {
		if cur == nil {
			cur = &CallRecord{}
		}
		cur.apply(patch)
		return cur
	})
}

// Remove deletes the record. Removing an absent record is not an error.
func (c *MemoryChannel) Remove(_ context.Context, key string) error {
	return c.write(key, func(*CallRecord) *CallRecord { return nil })
}

// PushCandidate appends a candidate under a new push id.
func (c *MemoryChannel) PushCandidate(_ context.Context, key string, bucket Bucket, cand ICECandidate) (string, error) {
	id := NewPushID()
	err := c.write(key, func(cur *CallRecord) *CallRecord {
		if cur == nil {
			cur = &CallRecord{}
		}
		cur.push(bucket, id, cand)
		return cur
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe registers fn for changes to key.
func (c *MemoryChannel) Subscribe(_ context.Context, key string, fn RecordHandler) (func(), error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id := c.nextSub
	c.nextSub++
	if c.keySubs[key] == nil {
		c.keySubs[key] = make(map[int]RecordHandler)
	}
	c.keySubs[key][id] = fn
	c.notifyLocked(key, id, c.records[key].Clone())

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.keySubs[key], id)
		if len(c.keySubs[key]) == 0 {
			delete(c.keySubs, key)
		}
	}, nil
}

// PushBroadcast stores a notice and returns its id.
func (c *MemoryChannel) PushBroadcast(_ context.Context, b Broadcast) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if b.ID == "" {
		b.ID = NewPushID()
	}
	c.broadcasts[b.ID] = b
	for id := range c.listSubs {
		c.notifyListLocked(id)
	}
	return b.ID, nil
}

// RemoveBroadcast deletes a notice.
func (c *MemoryChannel) RemoveBroadcast(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.broadcasts, id)
	for sub := range c.listSubs {
		c.notifyListLocked(sub)
	}
	return nil
}

// SubscribeBroadcasts registers fn for changes to the notice list.
func (c *MemoryChannel) SubscribeBroadcasts(_ context.Context, fn BroadcastHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id := c.nextSub
	c.nextSub++
	c.listSubs[id] = fn
	c.notifyListLocked(id)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listSubs, id)
	}, nil
}

// Close stops the dispatcher. Pending notifications are dropped.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.dispatch.close()
	return nil
}

func (c *MemoryChannel) write(key string, fn func(cur *CallRecord) *CallRecord) error {
	if key == "" {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	next := fn(c.records[key].Clone())
	if next == nil {
		delete(c.records, key)
	} else {
		c.records[key] = next
	}
	for id := range c.keySubs[key] {
		c.notifyLocked(key, id, next.Clone())
	}
	return nil
}

// notifyLocked queues delivery of rec to subscription id. The handler is
// looked up at delivery time so unsubscribed handlers are skipped.
func (c *MemoryChannel) notifyLocked(key string, id int, rec *CallRecord) {
	c.dispatch.enqueue(func() {
		c.mu.Lock()
		fn := c.keySubs[key][id]
		c.mu.Unlock()
		if fn != nil {
			fn(rec)
		}
	})
}

func (c *MemoryChannel) notifyListLocked(id int) {
	list := make([]Broadcast, 0, len(c.broadcasts))
	for _, b := range c.broadcasts {
		list = append(list, b)
	}
	sortBroadcasts(list)

	c.dispatch.enqueue(func() {
		c.mu.Lock()
		fn := c.listSubs[id]
		c.mu.Unlock()
		if fn != nil {
			fn(list)
		}
	})
}
