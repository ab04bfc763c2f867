package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ Channel = (*WSChannel)(nil)

// WSConfig configures a WebSocket signaling client.
type WSConfig struct {
	// URL of the hub endpoint, e.g. "ws://localhost:8090/v1/signaling".
	URL string
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// RequestTimeout bounds each request round trip.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// DefaultWSConfig returns the default client configuration.
func DefaultWSConfig() WSConfig {
	url := os.Getenv("SIGNALING_URL")
	if url == "" {
		url = "ws://localhost:8090/v1/signaling"
	}
	return WSConfig{
		URL:              url,
		AuthToken:        os.Getenv("SIGNALING_TOKEN"),
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WSChannel is a Channel backed by a remote signaling hub.
type WSChannel struct {
	cfg  WSConfig
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Frame
	keySubs   map[string]map[int]RecordHandler
	last      map[string]*CallRecord
	known     map[string]bool
	listSubs  map[int]BroadcastHandler
	lastList  []Broadcast
	listKnown bool
	nextSub   int
	closed    bool

	done     chan struct{}
	dispatch *dispatcher
	wg       sync.WaitGroup
}

// DialWS connects to the hub.
func DialWS(ctx context.Context, cfg WSConfig) (*WSChannel, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling hub %s: %w", cfg.URL, err)
	}

	c := &WSChannel{
		cfg:      cfg,
		conn:     conn,
		pending:  make(map[string]chan Frame),
		keySubs:  make(map[string]map[int]RecordHandler),
		last:     make(map[string]*CallRecord),
		known:    make(map[string]bool),
		listSubs: make(map[int]BroadcastHandler),
		done:     make(chan struct{}),
		dispatch: newDispatcher(),
	}
	c.wg.Add(1)
	go c.readLoop()

	log.Printf("[Signaling] connected to %s", cfg.URL)
	return c, nil
}

// Get returns the record stored under key, or nil when absent.
func (c *WSChannel) Get(ctx context.Context, key string) (*CallRecord, error) {
	resp, err := c.request(ctx, Frame{Op: OpGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Set replaces the record under key.
func (c *WSChannel) Set(ctx context.Context, key string, rec CallRecord) error {
	_, err := c.request(ctx, Frame{Op: OpSet, Key: key, Record: &rec})
	return err
}

// Update merges patch into the record under key.
func (c *WSChannel) Update(ctx context.Context, key string, patch RecordPatch) error {
	_, err := c.request(ctx, Frame{Op: OpUpdate, Key: key, Patch: &patch})
	return err
}

// Remove deletes the record under key.
func (c *WSChannel) Remove(ctx context.Context, key string) error {
	_, err := c.request(ctx, Frame{Op: OpRemove, Key: key})
	return err
}

// PushCandidate appends a candidate and returns its push id.
func (c *WSChannel) PushCandidate(ctx context.Context, key string, bucket Bucket, cand ICECandidate) (string, error) {
	resp, err := c.request(ctx, Frame{Op: OpPushCandidate, Key: key, Bucket: bucket, Candidate: &cand})
	if err != nil {
		return "", err
	}
	return resp.PushID, nil
}

// Subscribe registers fn for changes to key.
func (c *WSChannel) Subscribe(ctx context.Context, key string, fn RecordHandler) (func(), error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextSub
	c.nextSub++
	first := len(c.keySubs[key]) == 0
	if first {
		c.keySubs[key] = make(map[int]RecordHandler)
	}
	c.keySubs[key][id] = fn
	if !first && c.known[key] {
		c.deliverLocked(key, id, c.last[key].Clone())
	}
	c.mu.Unlock()

	if first {
		if _, err := c.request(ctx, Frame{Op: OpSubscribe, Key: key}); err != nil {
			c.removeSub(key, id)
			return nil, err
		}
	}

	return func() { c.removeSub(key, id) }, nil
}

// PushBroadcast stores a notice.
func (c *WSChannel) PushBroadcast(ctx context.Context, b Broadcast) (string, error) {
	resp, err := c.request(ctx, Frame{Op: OpPushBroadcast, Broadcast: &b})
	if err != nil {
		return "", err
	}
	return resp.PushID, nil
}

// RemoveBroadcast deletes a notice.
func (c *WSChannel) RemoveBroadcast(ctx context.Context, id string) error {
	_, err := c.request(ctx, Frame{Op: OpRemoveBroadcast, PushID: id})
	return err
}

// SubscribeBroadcasts registers fn for changes to the notice list.
func (c *WSChannel) SubscribeBroadcasts(ctx context.Context, fn BroadcastHandler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextSub
	c.nextSub++
	first := len(c.listSubs) == 0
	c.listSubs[id] = fn
	if !first && c.listKnown {
		c.deliverListLocked(id, append([]Broadcast(nil), c.lastList...))
	}
	c.mu.Unlock()

	if first {
		if _, err := c.request(ctx, Frame{Op: OpSubscribeBroadcasts}); err != nil {
			c.removeListSub(id)
			return nil, err
		}
	}
	return func() { c.removeListSub(id) }, nil
}

// Close disconnects from the hub. Outstanding requests fail with ErrClosed.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()

	c.wg.Wait()
	c.dispatch.close()
	return err
}

func (c *WSChannel) request(ctx context.Context, f Frame) (Frame, error) {
	f.ID = uuid.New().String()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("signaling %s: %w", f.Op, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("signaling %s: %s", f.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, fmt.Errorf("signaling %s: timed out after %s", f.Op, c.cfg.RequestTimeout)
	case <-c.done:
		return Frame{}, ErrClosed
	}
}

func (c *WSChannel) readLoop() {
	defer c.wg.Done()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && !errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("[Signaling] read error: %v", err)
			}
			return
		}

		switch f.Op {
		case OpResult:
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case OpRecord:
			c.mu.Lock()
			if len(c.keySubs[f.Key]) == 0 {
				c.mu.Unlock()
				continue
			}
			c.last[f.Key] = f.Record
			c.known[f.Key] = true
			for id := range c.keySubs[f.Key] {
				c.deliverLocked(f.Key, id, f.Record.Clone())
			}
			c.mu.Unlock()
		case OpBroadcasts:
			c.mu.Lock()
			c.lastList = f.Broadcasts
			c.listKnown = true
			for id := range c.listSubs {
				c.deliverListLocked(id, append([]Broadcast(nil), f.Broadcasts...))
			}
			c.mu.Unlock()
		default:
			log.Printf("[Signaling] unexpected frame op %q", f.Op)
		}
	}
}

func (c *WSChannel) deliverLocked(key string, id int, rec *CallRecord) {
	c.dispatch.enqueue(func() {
		c.mu.Lock()
		fn := c.keySubs[key][id]
		c.mu.Unlock()
		if fn != nil {
			fn(rec)
		}
	})
}

func (c *WSChannel) deliverListLocked(id int, list []Broadcast) {
	c.dispatch.enqueue(func() {
		c.mu.Lock()
		fn := c.listSubs[id]
		c.mu.Unlock()
		if fn != nil {
			fn(list)
		}
	})
}

func (c *WSChannel) removeSub(key string, id int) {
	c.mu.Lock()
	delete(c.keySubs[key], id)
	last := len(c.keySubs[key]) == 0
	if last {
		delete(c.keySubs, key)
		delete(c.last, key)
		delete(c.known, key)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		go c.bestEffort(Frame{Op: OpUnsubscribe, Key: key})
	}
}

func (c *WSChannel) removeListSub(id int) {
	c.mu.Lock()
	delete(c.listSubs, id)
	last := len(c.listSubs) == 0
	if last {
		c.lastList = nil
		c.listKnown = false
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		go c.bestEffort(Frame{Op: OpUnsubscribeBroadcasts})
	}
}

func (c *WSChannel) bestEffort(f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.request(ctx, f); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("[Signaling] %s failed: %v", f.Op, err)
	}
}
