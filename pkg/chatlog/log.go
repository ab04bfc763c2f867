package chatlog

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMessageNotFound is returned when no message has the given id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrContentMismatch is returned when content does not fit the message kind.
	ErrContentMismatch = errors.New("content does not match message kind")
	// ErrFinalized is returned when changing the content of a finalized live message.
	ErrFinalized = errors.New("message is finalized")
)

// Op is the kind of change reported to subscribers.
type Op int

const (
	OpAppend Op = iota
	OpUpdate
	OpDelete
	OpReset
)

// Change describes one mutation of the log. Message is the post-mutation
// value for appends and updates and the removed value for deletes; it is
// zero for resets.
type Change struct {
	Op      Op
	Message Message
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Kind      *Kind
	Content   Content
	Citations []Citation
	Pinned    *bool
	Archived  *bool
}

// Persister receives full snapshots of the log. It runs on a single
// goroutine owned by the log; when it falls behind, intermediate snapshots
// are skipped and only the newest is written.
type Persister func([]Message)

// Log is an ordered, concurrency-safe message log. Updates replace the full
// content snapshot of a message, so callers updating the same message must
// not race with each other.
type Log struct {
	mu        sync.RWMutex
	messages  []Message
	finalized map[string]bool
	seq       uint64
	persist   *persistQueue
	listeners []chan<- Change
	now       func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		finalized: make(map[string]bool),
		now:       time.Now,
	}
}

// SetPersister installs the snapshot sink. Snapshots that still contain a
// live-partial message are not persisted.
func (l *Log) SetPersister(p Persister) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.persist != nil {
		l.persist.setSink(p)
		return
	}
	l.persist = newPersistQueue(p)
}

// Flush blocks until every snapshot queued so far has been persisted.
func (l *Log) Flush() {
	l.mu.RLock()
	q := l.persist
	l.mu.RUnlock()
	if q != nil {
		q.flush()
	}
}

// Close persists the last queued snapshot and stops the persister.
func (l *Log) Close() {
	l.mu.Lock()
	q := l.persist
	l.persist = nil
	l.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// Subscribe registers ch for change notifications. Sends never block; a full
// channel misses the change.
func (l *Log) Subscribe(ch chan<- Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, ch)
}

// Append adds a new message and returns it.
func (l *Log) Append(sender Sender, kind Kind, content Content) (Message, error) {
	if content == nil || !content.accepts(kind) {
		return Message{}, fmt.Errorf("%w: %s", ErrContentMismatch, kind)
	}

	l.mu.Lock()
	msg := Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Kind:      kind,
		Content:   content,
		Timestamp: l.now(),
	}
	l.messages = append(l.messages, msg)
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpAppend, Message: msg.clone()})
	return msg.clone(), nil
}

// Update applies p to the message with the given id.
func (l *Log) Update(id string, p Patch) (Message, error) {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}

	msg := l.messages[i]
	kind := msg.Kind
	if p.Kind != nil {
		kind = *p.Kind
	}
	if msg.Kind.IsLive() && kind != msg.Kind && kind != KindText {
		l.mu.Unlock()
		return Message{}, fmt.Errorf("%w: live message can only become %s", ErrContentMismatch, KindText)
	}
	if p.Content != nil && l.finalized[id] {
		l.mu.Unlock()
		return Message{}, ErrFinalized
	}

	content := msg.Content
	if p.Content != nil {
		content = p.Content
	}
	if !content.accepts(kind) {
		l.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrContentMismatch, kind)
	}

	if msg.Kind.IsLive() && kind == KindText {
		l.finalized[id] = true
	}
	msg.Kind = kind
	msg.Content = content
	if p.Citations != nil {
		msg.Citations = append([]Citation(nil), p.Citations...)
	}
	if p.Pinned != nil {
		msg.Pinned = *p.Pinned
	}
	if p.Archived != nil {
		msg.Archived = *p.Archived
	}
	l.messages[i] = msg
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpUpdate, Message: msg.clone()})
	return msg.clone(), nil
}

// Delete removes the message with the given id.
func (l *Log) Delete(id string) error {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	removed := l.messages[i]
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	delete(l.finalized, id)
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpDelete, Message: removed})
	return nil
}

// TruncateAfter drops every message after the one with the given id.
func (l *Log) TruncateAfter(id string) error {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	for _, m := range l.messages[i+1:] {
		delete(l.finalized, m.ID)
	}
	l.messages = append([]Message(nil), l.messages[:i+1]...)
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpReset})
	return nil
}

// Reset replaces the whole log.
func (l *Log) Reset(msgs []Message) {
	l.mu.Lock()
	l.messages = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		l.messages = append(l.messages, m.clone())
	}
	l.finalized = make(map[string]bool)
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpReset})
}

// ReplaceBroadcasts swaps every broadcast message for the given list and
// reorders the log by timestamp.
func (l *Log) ReplaceBroadcasts(broadcasts []Message) {
	l.mu.Lock()
	kept := make([]Message, 0, len(l.messages)+len(broadcasts))
	for _, m := range l.messages {
		if m.Kind != KindBroadcast {
			kept = append(kept, m)
		}
	}
	for _, b := range broadcasts {
		b.Kind = KindBroadcast
		kept = append(kept, b.clone())
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	l.messages = kept
	l.queueLocked()
	l.mu.Unlock()

	l.changed(Change{Op: OpReset})
}

// Get returns the message with the given id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	return l.messages[i].clone(), true
}

// Snapshot returns a copy of all messages in order.
func (l *Log) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// LastUserMessage returns the most recent user-authored message.
func (l *Log) LastUserMessage() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Sender == SenderUser {
			return l.messages[i].clone(), true
		}
	}
	return Message{}, false
}

// ContextMessages returns up to window of the most recent messages whose
// kind belongs in generation history and that carry text.
func (l *Log) ContextMessages(window int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Message
	for _, m := range l.messages {
		if m.Kind.InContext() && m.Text() != "" {
			out = append(out, m.clone())
		}
	}
	if window > 0 && len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}

func (l *Log) indexLocked(id string) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Log) snapshotLocked() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.clone()
	}
	return out
}

// queueLocked stamps the current state with the next sequence number and
// hands a snapshot to the persister. The caller holds the write lock, so
// sequence order matches mutation order.
func (l *Log) queueLocked() {
	l.seq++
	if l.persist == nil {
		return
	}
	for _, m := range l.messages {
		if m.Kind.IsLive() {
			return
		}
	}
	l.persist.offer(l.seq, l.snapshotLocked())
}

func (l *Log) changed(c Change) {
	l.mu.RLock()
	listeners := append([]chan<- Change(nil), l.listeners...)
	l.mu.RUnlock()

	for _, ch := range listeners {
		select {
		case ch <- c:
		default:
			log.Printf("[ChatLog] listener channel full, dropping change")
		}
	}
}
