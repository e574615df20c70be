// Package server is the HTTP front of the hub: live sessions on /ws, the
// chat bridge riding on them, the content API, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/config"
	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/messenger"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/pidfile"
	"github.com/zot/scholar-hub/internal/presence"
	"github.com/zot/scholar-hub/internal/protocol"
)

// Deps are the services the server fronts. Messenger and Metrics may be nil.
type Deps struct {
	Config    *config.Config
	Presence  *presence.Service
	Users     presence.Users
	Verifier  *auth.Verifier
	Content   *contentstore.Client
	Messenger *messenger.Messenger
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Server manages the HTTP server and WebSocket connections
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	config     *config.Config
	log        *zap.Logger
	verbose    logging.Verbose
	presence   *presence.Service
	users      presence.Users
	verifier   *auth.Verifier
	content    *contentstore.Client
	chat       *chatBridge
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	router     *mux.Router
	httpServer *http.Server
	port       int

	mu          sync.Mutex
	connections map[*WSConnection]bool
}

func New(ctx context.Context, deps Deps) *Server {
	ctx, cancel := context.WithCancel(ctx)
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		config:      deps.Config,
		log:         log,
		verbose:     logging.Verbose{Log: log, Verbosity: deps.Config.Behavior.Verbosity},
		presence:    deps.Presence,
		users:       deps.Users,
		verifier:    deps.Verifier,
		content:     deps.Content,
		chat:        newChatBridge(deps.Messenger, log.Named("chat"), deps.Metrics),
		metrics:     deps.Metrics,
		upgrader:    newUpgrader(deps.Config.WebSocket),
		port:        deps.Config.Server.Port,
		connections: make(map[*WSConnection]bool),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.config.Metrics.Enabled && s.metrics != nil {
		r.Handle(s.config.Metrics.Path, promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	s.routeAPI(r)
	return r
}

// Handler is the complete HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// dispatch routes one inbound event of an authenticated connection.
func (s *Server) dispatch(ctx context.Context, ws *WSConnection, ev *protocol.Event) error {
	if isChatEvent(ev.Event) {
		return s.chat.handle(ctx, ws, ev)
	}
	return s.presence.Dispatch(ctx, ws.session, ev)
}

// Start listens on the first free port of the configured range and serves
// in the background.
func (s *Server) Start() error {
	startPort := s.config.Server.Port
	if startPort == 0 {
		startPort = 10000
	}
	attempts := s.config.Server.PortRange
	if attempts <= 0 {
		attempts = 1
	}

	var listener net.Listener
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		port := startPort + attempt
		listener, err = net.Listen("tcp", net.JoinHostPort(s.config.Server.Host, fmt.Sprint(port)))
		if err == nil {
			s.port = port
			break
		}
	}
	if listener == nil {
		return fmt.Errorf("failed to find available port starting from %d: %w", startPort, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.Server.Timeouts.Read.Duration,
		WriteTimeout:      s.config.Server.Timeouts.Write.Duration,
		IdleTimeout:       s.config.Server.Timeouts.Idle.Duration,
		ReadHeaderTimeout: s.config.Server.Timeouts.ReadHeader.Duration,
		MaxHeaderBytes:    s.config.Server.MaxHeaderBytes,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
			s.cancel()
		}
	}()

	if err := pidfile.Register(s.port); err != nil {
		s.log.Warn("failed to register process", zap.Error(err))
	}
	s.log.Info("server started", zap.String("url", fmt.Sprintf("http://localhost:%d", s.port)))
	return nil
}

// Stop closes every connection, shuts the HTTP server down and removes the
// process from the PID file.
func (s *Server) Stop() error {
	s.verbose.At(logging.LevelDebug, "stopping server")
	s.cancel()

	s.mu.Lock()
	conns := make([]*WSConnection, 0, len(s.connections))
	for ws := range s.connections {
		conns = append(conns, ws)
	}
	s.mu.Unlock()

	s.presence.Shutdown()
	for _, ws := range conns {
		ws.Close()
	}
	for _, ws := range conns {
		select {
		case <-ws.Done():
		case <-time.After(2 * time.Second):
		}
	}

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	// Unregister last so ps never misses a process that is still running.
	if err := pidfile.Unregister(); err != nil {
		s.log.Warn("failed to unregister process", zap.Error(err))
	}
	s.verbose.At(logging.LevelDebug, "server stopped")
	return shutdownErr
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Done is closed when the server context is cancelled
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}
