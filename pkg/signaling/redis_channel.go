package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

var _ Channel = (*RedisChannel)(nil)

const (
	redisRecordPrefix     = "signaling:call:"
	redisBroadcastHash    = "signaling:broadcasts"
	redisBroadcastChannel = "signaling:broadcasts:changed"
	redisMaxTxRetries     = 10
)

// RedisConfig configures a Redis-backed channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultRedisConfig reads REDIS_ADDR and REDIS_PASSWORD.
func DefaultRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return RedisConfig{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")}
}

// RedisChannel stores call records as JSON strings and announces every
// change on a per-key pub/sub channel carrying the new record. An empty
// message means the record was removed.
type RedisChannel struct {
	rdb      *redis.Client
	dispatch *dispatcher

	mu     sync.Mutex
	subs   map[int]*redis.PubSub
	next   int
	closed bool
	wg     sync.WaitGroup
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisChannel{
		rdb:      rdb,
		dispatch: newDispatcher(),
		subs:     make(map[int]*redis.PubSub),
	}, nil
}

// Get returns the record under key, or nil when absent.
func (c *RedisChannel) Get(ctx context.Context, key string) (*CallRecord, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	data, err := c.rdb.Get(ctx, redisRecordPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	return decodeRecord(data)
}

// Set replaces the record under key.
func (c *RedisChannel) Set(ctx context.Context, key string, rec CallRecord) error {
	return c.mutate(ctx, key, func(*CallRecord) *CallRecord { return rec.Clone() })
}

// Update merges patch into the record, creating it when absent.
func (c *RedisChannel) Update(ctx context.Context, key string, patch RecordPatch) error {
	return c.mutate(ctx, key, func(cur *CallRecord) *CallRecord {
		if cur == nil {
			cur = &CallRecord{}
		}
		cur.apply(patch)
		return cur
	})
}

// Remove deletes the record under key.
func (c *RedisChannel) Remove(ctx context.Context, key string) error {
	return c.mutate(ctx, key, func(*CallRecord) *CallRecord { return nil })
}

// PushCandidate appends a candidate under a new push id.
func (c *RedisChannel) PushCandidate(ctx context.Context, key string, bucket Bucket, cand ICECandidate) (string, error) {
	id := NewPushID()
	err := c.mutate(ctx, key, func(cur *CallRecord) *CallRecord {
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
func (c *RedisChannel) Subscribe(ctx context.Context, key string, fn RecordHandler) (func(), error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	ps, id, err := c.subscribe(ctx, redisRecordPrefix+key)
	if err != nil {
		return nil, err
	}

	current, err := c.Get(ctx, key)
	if err != nil {
		c.unsubscribe(id)
		return nil, err
	}

	var active sync.Mutex
	live := true
	deliver := func(rec *CallRecord) {
		c.dispatch.enqueue(func() {
			active.Lock()
			ok := live
			active.Unlock()
			if ok {
				fn(rec)
			}
		})
	}
	deliver(current)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range ps.Channel() {
			if msg.Payload == "" {
				deliver(nil)
				continue
			}
			rec, err := decodeRecord([]byte(msg.Payload))
			if err != nil {
				log.Printf("[Signaling] bad record on %s: %v", msg.Channel, err)
				continue
			}
			deliver(rec)
		}
	}()

	return func() {
		active.Lock()
		live = false
		active.Unlock()
		c.unsubscribe(id)
	}, nil
}

// PushBroadcast stores a notice.
func (c *RedisChannel) PushBroadcast(ctx context.Context, b Broadcast) (string, error) {
	if b.ID == "" {
		b.ID = NewPushID()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisBroadcastHash, b.ID, data)
		pipe.Publish(ctx, redisBroadcastChannel, b.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("push broadcast: %w", err)
	}
	return b.ID, nil
}

// RemoveBroadcast deletes a notice.
func (c *RedisChannel) RemoveBroadcast(ctx context.Context, id string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, redisBroadcastHash, id)
		pipe.Publish(ctx, redisBroadcastChannel, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove broadcast: %w", err)
	}
	return nil
}

// SubscribeBroadcasts registers fn for changes to the notice list.
func (c *RedisChannel) SubscribeBroadcasts(ctx context.Context, fn BroadcastHandler) (func(), error) {
	ps, id, err := c.subscribe(ctx, redisBroadcastChannel)
	if err != nil {
		return nil, err
	}

	var active sync.Mutex
	live := true
	reload := func(ctx context.Context) {
		list, err := c.broadcasts(ctx)
		if err != nil {
			log.Printf("[Signaling] load broadcasts: %v", err)
			return
		}
		c.dispatch.enqueue(func() {
			active.Lock()
			ok := live
			active.Unlock()
			if ok {
				fn(list)
			}
		})
	}
	reload(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for range ps.Channel() {
			reload(context.Background())
		}
	}()

	return func() {
		active.Lock()
		live = false
		active.Unlock()
		c.unsubscribe(id)
	}, nil
}

// Close releases every subscription and the client.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, ps := range subs {
		ps.Close()
	}
	c.wg.Wait()
	c.dispatch.close()
	return c.rdb.Close()
}

func (c *RedisChannel) mutate(ctx context.Context, key string, fn func(cur *CallRecord) *CallRecord) error {
	if key == "" {
		return ErrInvalidKey
	}
	redisKey := redisRecordPrefix + key

	txf := func(tx *redis.Tx) error {
		var cur *CallRecord
		data, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeRecord(data); err != nil {
				return err
			}
		}

		next := fn(cur)
		var payload []byte
		if next != nil {
			if payload, err = json.Marshal(next); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
			} else {
				pipe.Set(ctx, redisKey, payload, 0)
			}
			pipe.Publish(ctx, redisKey, string(payload))
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := c.rdb.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write record %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("write record %s: too much contention", key)
}

func (c *RedisChannel) subscribe(ctx context.Context, channel string) (*redis.PubSub, int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, ErrClosed
	}
	c.mu.Unlock()

	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, 0, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ps.Close()
		return nil, 0, ErrClosed
	}
	id := c.next
	c.next++
	c.subs[id] = ps
	return ps, id, nil
}

func (c *RedisChannel) unsubscribe(id int) {
	c.mu.Lock()
	ps := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ps != nil {
		ps.Close()
	}
}

func (c *RedisChannel) broadcasts(ctx context.Context) ([]Broadcast, error) {
	raw, err := c.rdb.HGetAll(ctx, redisBroadcastHash).Result()
	if err != nil {
		return nil, err
	}
	list := make([]Broadcast, 0, len(raw))
	for id, data := range raw {
		var b Broadcast
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			log.Printf("[Signaling] skip bad broadcast %s: %v", id, err)
			continue
		}
		list = append(list, b)
	}
	sortBroadcasts(list)
	return list, nil
}

func decodeRecord(data []byte) (*CallRecord, error) {
	var rec CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode call record: %w", err)
	}
	return &rec, nil
}
