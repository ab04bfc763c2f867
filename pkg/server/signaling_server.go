// Package server exposes a signaling.Channel to remote clients over
// WebSocket, so two chat clients on different machines can negotiate calls
// and share broadcast notices through one hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/realtime-ai/realtime-chat/pkg/signaling"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

// SignalingServerConfig holds the hub configuration.
type SignalingServerConfig struct {
	// Addr is the address to listen on (e.g., ":8090").
	Addr string

	// Path is the WebSocket endpoint path.
	Path string

	// AuthToken is the bearer token for authentication.
	// If empty, authentication is disabled.
	AuthToken string

	// MaxConnsPerIP limits concurrent sockets per client address.
	// 0 means no limit.
	MaxConnsPerIP int

	// SendQueueSize is the per-connection outbound frame buffer. A client
	// that falls this far behind is disconnected.
	SendQueueSize int

	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultSignalingServerConfig returns the default hub configuration.
func DefaultSignalingServerConfig() *SignalingServerConfig {
	addr := os.Getenv("SIGNALING_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	return &SignalingServerConfig{
		Addr:            addr,
		Path:            "/v1/signaling",
		AuthToken:       os.Getenv("SIGNALING_TOKEN"),
		MaxConnsPerIP:   20,
		SendQueueSize:   256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// SignalingServer is the WebSocket signaling hub.
type SignalingServer struct {
	config *SignalingServerConfig
	store  signaling.Channel

	conns   map[string]*hubConn
	ipConns map[string]int
	connsMu sync.Mutex

	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
}

// NewSignalingServer creates a hub serving store.
func NewSignalingServer(config *SignalingServerConfig, store signaling.Channel) *SignalingServer {
	if config == nil {
		config = DefaultSignalingServerConfig()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}

	s := &SignalingServer{
		config:  config,
		store:   store,
		conns:   make(map[string]*hubConn),
		ipConns: make(map[string]int),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.mux.HandleFunc(config.Path, s.handleWebSocket)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// Handler returns the hub's HTTP handler.
func (s *SignalingServer) Handler() http.Handler {
	return s.mux
}

// Start listens in the background.
func (s *SignalingServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.mux,
	}

	log.Printf("[SignalingServer] starting on %s%s", s.config.Addr, s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes every connection and shuts the listener down.
func (s *SignalingServer) Stop(ctx context.Context) error {
	s.connsMu.Lock()
	conns := make([]*hubConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.close()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ConnectionCount returns the number of open sockets.
func (s *SignalingServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *SignalingServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.AuthToken != "" {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") ||
			strings.TrimPrefix(authHeader, "Bearer ") != s.config.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	clientIP := getClientIP(r)
	if s.config.MaxConnsPerIP > 0 {
		s.connsMu.Lock()
		count := s.ipConns[clientIP]
		s.connsMu.Unlock()
		if count >= s.config.MaxConnsPerIP {
			http.Error(w, "Too many connections from this IP", http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SignalingServer] WebSocket upgrade failed: %v", err)
		return
	}

	c := newHubConn(ws, s.store, s.config.SendQueueSize)
	s.register(c, clientIP)
	defer s.unregister(c, clientIP)

	log.Printf("[SignalingServer] [conn %s] connected from %s", c.id, clientIP)
	c.serve()
	log.Printf("[SignalingServer] [conn %s] disconnected", c.id)
}

func (s *SignalingServer) register(c *hubConn, ip string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.id] = c
	s.ipConns[ip]++
}

func (s *SignalingServer) unregister(c *hubConn, ip string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.id)
	s.ipConns[ip]--
	if s.ipConns[ip] <= 0 {
		delete(s.ipConns, ip)
	}
}

// hubConn is one client socket and the store subscriptions it holds.
type hubConn struct {
	id    string
	ws    *websocket.Conn
	store signaling.Channel
	send  chan signaling.Frame

	mu        sync.Mutex
	subs      map[string]func()
	listUnsub func()
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHubConn(ws *websocket.Conn, store signaling.Channel, queue int) *hubConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &hubConn{
		id:     uuid.New().String()[:8],
		ws:     ws,
		store:  store,
		send:   make(chan signaling.Frame, queue),
		subs:   make(map[string]func()),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *hubConn) serve() {
	c.wg.Add(1)
	go c.writeLoop()
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[SignalingServer] [conn %s] read error: %v", c.id, err)
			}
			return
		}

		var req signaling.Frame
		if err := json.Unmarshal(data, &req); err != nil {
			c.push(signaling.Frame{Op: signaling.OpResult, Error: "invalid frame: " + err.Error()})
			continue
		}
		c.push(c.handle(req))
	}
}

func (c *hubConn) handle(req signaling.Frame) signaling.Frame {
	ctx, span := trace.InstrumentSignaling(c.ctx, string(req.Op), req.Key)
	defer span.End()

	resp := signaling.Frame{ID: req.ID, Op: signaling.OpResult, Key: req.Key}
	var err error

	switch req.Op {
	case signaling.OpGet:
		resp.Record, err = c.store.Get(ctx, req.Key)
	case signaling.OpSet:
		if req.Record == nil {
			err = errors.New("set requires a record")
			break
		}
		err = c.store.Set(ctx, req.Key, *req.Record)
	case signaling.OpUpdate:
		if req.Patch == nil {
			err = errors.New("update requires a patch")
			break
		}
		err = c.store.Update(ctx, req.Key, *req.Patch)
	case signaling.OpRemove:
		err = c.store.Remove(ctx, req.Key)
	case signaling.OpPushCandidate:
		if req.Candidate == nil {
			err = errors.New("push_candidate requires a candidate")
			break
		}
		resp.PushID, err = c.store.PushCandidate(ctx, req.Key, req.Bucket, *req.Candidate)
	case signaling.OpSubscribe:
		err = c.subscribe(ctx, req.Key)
	case signaling.OpUnsubscribe:
		c.unsubscribe(req.Key)
	case signaling.OpPushBroadcast:
		if req.Broadcast == nil {
			err = errors.New("push_broadcast requires a broadcast")
			break
		}
		resp.PushID, err = c.store.PushBroadcast(ctx, *req.Broadcast)
	case signaling.OpRemoveBroadcast:
		err = c.store.RemoveBroadcast(ctx, req.PushID)
	case signaling.OpSubscribeBroadcasts:
		err = c.subscribeBroadcasts(ctx)
	case signaling.OpUnsubscribeBroadcasts:
		c.unsubscribeBroadcasts()
	default:
		err = errors.New("unknown op " + string(req.Op))
	}

	if err != nil {
		trace.RecordError(span, err)
		resp.Error = err.Error()
	}
	return resp
}

func (c *hubConn) subscribe(ctx context.Context, key string) error {
	c.mu.Lock()
	_, exists := c.subs[key]
	c.mu.Unlock()
	if exists {
		return nil
	}

	unsub, err := c.store.Subscribe(ctx, key, func(rec *signaling.CallRecord) {
		c.push(signaling.Frame{Op: signaling.OpRecord, Key: key, Record: rec})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return signaling.ErrClosed
	}
	c.subs[key] = unsub
	return nil
}

func (c *hubConn) unsubscribe(key string) {
	c.mu.Lock()
	unsub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *hubConn) subscribeBroadcasts(ctx context.Context) error {
	c.mu.Lock()
	exists := c.listUnsub != nil
	c.mu.Unlock()
	if exists {
		return nil
	}

	unsub, err := c.store.SubscribeBroadcasts(ctx, func(list []signaling.Broadcast) {
		c.push(signaling.Frame{Op: signaling.OpBroadcasts, Broadcasts: list})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return signaling.ErrClosed
	}
	c.listUnsub = unsub
	return nil
}

func (c *hubConn) unsubscribeBroadcasts() {
	c.mu.Lock()
	unsub := c.listUnsub
	c.listUnsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// push queues f for the write loop. A full queue disconnects the client.
func (c *hubConn) push(f signaling.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		log.Printf("[SignalingServer] [conn %s] send queue full, disconnecting", c.id)
		c.cancel()
		_ = c.ws.Close()
	}
}

func (c *hubConn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			if err := c.ws.WriteJSON(f); err != nil {
				log.Printf("[SignalingServer] [conn %s] write error: %v", c.id, err)
				c.cancel()
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *hubConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	listUnsub := c.listUnsub
	c.listUnsub = nil
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if listUnsub != nil {
		listUnsub()
	}

	c.cancel()
	_ = c.ws.Close()
	c.wg.Wait()
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return strings.Split(r.RemoteAddr, ":")[0]
}
