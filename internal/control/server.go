// Package control exposes one adapter session to local consumers over a
// WebSocket event stream and command surface, plus /health and /metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbridge/internal/bus"
	"chatbridge/internal/clock"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxMessageSize  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Session is what the control channel drives.
type Session interface {
	AdapterID() string
	State() domain.ConnectionState
	Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error)
	FetchHistory(ctx context.Context, conversationID string, limit int, cursor string) (domain.HistoryResult, error)
	Cancel(requestID string) bool
	Edit(ctx context.Context, req domain.EditRequest) (domain.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
	React(ctx context.Context, req domain.ReactionRequest, add bool) error
}

// Config configures a Server.
type Config struct {
	Host           string
	Port           int
	Path           string   // WebSocket endpoint (default /ws)
	AllowedOrigins []string // "*" allows any origin
	SendBuffer     int      // per-consumer outbound buffer (default 256)
	Metrics        *metrics.MetricsCollector
	ClientGauge    *metrics.Gauge
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Server is the control channel of one adapter.
type Server struct {
	cfg       Config
	session   Session
	events    *bus.EventBus
	upgrader  websocket.Upgrader
	clock     clock.Clock
	logger    *slog.Logger
	handlerID string

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New creates a server and subscribes it to the session's events.
func New(cfg Config, session Session, events *bus.EventBus) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Collector
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		session: session,
		events:  events,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	s.handlerID = events.On("*", s.broadcast)
	return s
}

// Handler returns the HTTP routes of the control channel.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	return s.cors(mux)
}

// Run serves until ctx is cancelled, then closes every consumer
// connection after flushing its pending events.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control channel listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("control channel listening",
		"adapter", s.session.AdapterID(),
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.closeAllClients()
			return fmt.Errorf("control channel: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAllClients()
	s.waitClients(shutdownCtx)
	s.events.Off("*", s.handlerID)
	s.logger.Info("control channel stopped", "adapter", s.session.AdapterID())
	return err
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if origin != "" && !s.originAllowed(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	AdapterID string                 `json:"adapter_id"`
	Status    string                 `json:"status"`
	State     domain.ConnectionState `json:"connection"`
	Clients   int                    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.State()
	resp := healthResponse{
		AdapterID: s.session.AdapterID(),
		Status:    "ok",
		State:     st,
		Clients:   s.ClientCount(),
	}
	code := http.StatusOK
	switch st.State {
	case domain.StateConnected:
	case domain.StateFailed:
		resp.Status = "failed"
		code = http.StatusServiceUnavailable
	default:
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// ClientCount returns the number of connected consumers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	replay := false
	if v := r.URL.Query().Get("since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			http.Error(w, "since must be unix milliseconds", http.StatusBadRequest)
			return
		}
		since, replay = time.UnixMilli(ms), true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, s.cfg.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingRequest),
		inflight: make(map[string]context.CancelFunc),
	}

	// the latest connection state goes first; registering under the same
	// lock keeps it ahead of any broadcast
	s.mu.Lock()
	if latest, ok := s.events.Latest(bus.EventConnectionState); ok {
		c.trySend(s.encodeEvent(latest))
	} else {
		c.trySend(s.encode(bus.EventConnectionState, "", "", s.session.State()))
	}
	// a reconnecting consumer catches up on what it missed from the
	// bounded history
	if replay {
		for _, e := range s.events.Replay("*", since) {
			if e.Type == bus.EventConnectionState {
				continue
			}
			c.trySend(s.encodeEvent(e))
		}
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	if s.cfg.ClientGauge != nil {
		s.cfg.ClientGauge.Set(int64(n))
	}
	s.logger.Info("control client connected", "adapter", s.session.AdapterID(), "client_id", c.id, "remote", r.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		if s.cfg.ClientGauge != nil {
			s.cfg.ClientGauge.Set(int64(n))
		}
		c.cancel()
		c.closeSend()
		s.logger.Info("control client disconnected", "adapter", s.session.AdapterID(), "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("control client read error", "client_id", c.id, "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid control message", "client_id", c.id, "err", err)
			c.trySend(s.encode(TypeRequestFailed, "", "", failure(fmt.Errorf("%w: malformed JSON", domain.ErrInvalidRequest))))
			continue
		}
		if env.RequestID == "" {
			env.RequestID = uuid.NewString()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(c, env)
		}()
	}
}

func (s *Server) closeAllClients() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.cancel()
		c.closeSend()
	}
}

func (s *Server) waitClients(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("control clients did not close in time")
	}
}

// broadcast fans a session event out to every consumer and resolves
// queued sends the consumer is waiting on.
func (s *Server) broadcast(e bus.Event) {
	data := s.encodeEvent(e)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.trySend(data) {
			s.logger.Warn("control client too slow, dropping", "client_id", c.id)
			go c.conn.Close()
			continue
		}
		if e.RequestID != "" && (e.Type == bus.EventMessageSent || e.Type == bus.EventMessageFailed) {
			if reply := c.resolve(e); reply != nil {
				c.trySend(s.encodeReply(*reply))
			}
		}
	}
}

func (s *Server) encodeEvent(e bus.Event) []byte {
	env := outEnvelope{
		Type:           e.Type,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode event failed", "type", e.Type, "err", err)
		return nil
	}
	return data
}

func (s *Server) encode(eventType, conversationID, requestID string, payload any) []byte {
	return s.encodeEvent(bus.Event{
		Type:           eventType,
		ConversationID: conversationID,
		RequestID:      requestID,
		Payload:        payload,
		Timestamp:      s.clock.Now(),
	})
}

func (s *Server) encodeReply(r reply) []byte {
	return s.encode(r.typ, r.conversationID, r.requestID, r.payload)
}

// client is one connected consumer.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	pending  map[string]*pendingRequest
	inflight map[string]context.CancelFunc
}

func (c *client) trySend(data []byte) bool {
	if data == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
