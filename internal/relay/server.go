package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pitlane/internal/domain"
	"pitlane/internal/wire"
)

const (
	DefaultUserID = "default-user"
	Greeting      = "Connected to Purple Sector telemetry server"

	initFailedReason = "Failed to initialize telemetry stream"
	shutdownReason   = "server shutting down"
)

type Config struct {
	Path            string
	DemoRateHz      int
	SendQueue       int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	InboundRate     float64
	InboundBurst    int
}

func (c *Config) withDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.DemoRateHz <= 0 {
		c.DemoRateHz = 30
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 50
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 100
	}
}

type Stats struct {
	Connections      int
	TotalConnections uint64
	DemoSessions     uint64
	DroppedInbound   uint64
	Errors           uint64
	Hub              HubStats
}

// Server accepts client websockets, binds each to its user in the Hub and
// serves demo playback on request.
type Server struct {
	cfg      Config
	hub      *Hub
	frames   []domain.TelemetryFrame
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*client
	conns    map[string]*wsConn
	closing  bool
	hooks    []func(context.Context) error
	httpSrv  *http.Server
	handlers sync.WaitGroup

	total    atomic.Uint64
	demos    atomic.Uint64
	inDrops  atomic.Uint64
	errCount atomic.Uint64
}

func NewServer(cfg Config, hub *Hub, frames []domain.TelemetryFrame, logger *slog.Logger) *Server {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		hub:    hub,
		frames: frames,
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		conns:   make(map[string]*wsConn),
	}
}

// OnShutdown registers a step that runs after every connection is closed
// and before the consumers are stopped, e.g. flushing an in-process producer.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("relay listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	if !closing {
		s.handlers.Add(1)
	}
	s.mu.Unlock()
	if closing {
		http.Error(w, shutdownReason, http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errCount.Add(1)
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = DefaultUserID
	}
	id := uuid.NewString()
	conn := newWSConn(ws, s.cfg.SendQueue, s.cfg.PingInterval, s.cfg.WriteTimeout)
	c := newClient(id, userID, conn, s.logger.With("conn_id", id, "user_id", userID))

	admitted := s.track(c, conn)
	s.total.Add(1)
	c.logger.Info("client connected", "remote", r.RemoteAddr)

	go conn.writeLoop()
	_ = c.send(wire.Connected(time.Now().UnixMilli(), Greeting))

	ctx := context.WithoutCancel(r.Context())
	if !admitted {
		// Shutdown began after the upgrade and did not see this client
		conn.CloseWith(websocket.CloseGoingAway, shutdownReason)
	} else if err := s.hub.Register(ctx, c); err != nil {
		s.errCount.Add(1)
		c.logger.Error("consumer init failed", "err", err)
		conn.CloseWith(websocket.CloseInternalServerErr, initFailedReason)
	}

	s.readLoop(c, conn)

	c.stopDemo()
	if err := s.hub.Unregister(ctx, c); err != nil {
		s.errCount.Add(1)
		c.logger.Warn("consumer teardown failed", "err", err)
	}
	_ = conn.Close()
	s.mu.Lock()
	delete(s.clients, id)
	delete(s.conns, id)
	s.mu.Unlock()
	c.logger.Info("client disconnected")
}

// track records the connection so Shutdown can close it. It reports false
// when shutdown has already taken its snapshot of the clients.
func (s *Server) track(c *client, conn *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.conns[c.id] = conn
	return !s.closing
}

func (s *Server) readLoop(c *client, conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	readWait := 2 * s.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		if conn.closing.Load() {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})
	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseInternalServerErr) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		if !limiter.Allow() {
			s.inDrops.Add(1)
			continue
		}
		var m wire.Message
		switch kind {
		case websocket.BinaryMessage:
			m, err = wire.Decode(data)
		case websocket.TextMessage:
			m, err = wire.DecodeText(data)
		default:
			continue
		}
		if err != nil {
			c.logger.Debug("dropping malformed client message", "err", err)
			continue
		}
		s.handleControl(c, m)
	}
}

func (s *Server) handleControl(c *client, m wire.Message) {
	switch m.Type {
	case wire.TypeStartDemo:
		if len(s.frames) == 0 {
			c.logger.Warn("demo requested but no dataset is loaded")
			return
		}
		s.demos.Add(1)
		c.startDemo(s.frames, time.Second/time.Duration(s.cfg.DemoRateHz))
	case wire.TypeStopDemo:
		c.stopDemo()
	case wire.TypePing:
		_ = c.send(wire.Pong(time.Now().UnixMilli()))
	default:
		c.logger.Debug("ignoring client message", "type", m.Type.String())
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return Stats{
		Connections:      n,
		TotalConnections: s.total.Load(),
		DemoSessions:     s.demos.Load(),
		DroppedInbound:   s.inDrops.Load(),
		Errors:           s.errCount.Load(),
		Hub:              s.hub.Stats(),
	}
}

// Shutdown stops accepting connections, stops demo playback, closes every
// connection, runs the OnShutdown hooks and finally stops the consumers.
// Each step runs even if an earlier one failed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	srv := s.httpSrv
	hooks := append([]func(context.Context) error(nil), s.hooks...)
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop listener: %w", err))
		}
	}
	for _, c := range clients {
		c.stopDemo()
	}
	for _, c := range clients {
		c.out.CloseWith(websocket.CloseGoingAway, shutdownReason)
	}
	if err := s.waitHandlers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumers: %w", err))
	}
	s.logger.Info("relay stopped", "connections_served", s.total.Load())
	return errors.Join(errs...)
}

// waitHandlers waits for the connection handlers; sockets whose peer never
// answers the close frame are cut when ctx expires.
func (s *Server) waitHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}
