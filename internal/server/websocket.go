package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/config"
	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/presence"
	"github.com/zot/scholar-hub/internal/protocol"
)

func newUpgrader(cfg config.WebSocketConfig) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if cfg.CheckOrigin {
		allowed := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			allowed[origin] = true
		}
		up.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return up
}

// WSConnection is one live-session connection. It implements presence.Conn:
// Send never blocks and Close only signals the write pump, which flushes
// what is already queued before closing the socket.
type WSConnection struct {
	conn    *websocket.Conn
	server  *Server
	session *presence.Session
	limiter *rate.Limiter
	sendCh  chan *protocol.Event
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	doneCh  chan struct{}
}

func newWSConnection(conn *websocket.Conn, s *Server) *WSConnection {
	queue := s.config.WebSocket.SendQueue
	if queue <= 0 {
		queue = 100
	}
	return &WSConnection{
		conn:    conn,
		server:  s,
		limiter: rate.NewLimiter(rate.Limit(s.config.RateLimit.EventsPerSecond), s.config.RateLimit.Burst),
		sendCh:  make(chan *protocol.Event, queue),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins processing the connection
func (ws *WSConnection) Start() {
	go ws.readPump()
	go ws.writePump()
}

// Send queues an event for the client. It reports false when the connection
// is closed or its queue is full.
func (ws *WSConnection) Send(ev *protocol.Event) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return false
	}
	select {
	case ws.sendCh <- ev:
		return true
	default:
		return false
	}
}

// Close asks the write pump to flush and close the socket. Idempotent.
func (ws *WSConnection) Close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}
	ws.closed = true
	close(ws.closeCh)
}

// Done is closed once the connection has been fully torn down.
func (ws *WSConnection) Done() <-chan struct{} {
	return ws.doneCh
}

func (ws *WSConnection) userID() string {
	if ws.session == nil {
		return "unknown"
	}
	return ws.session.UserID
}

// readPump reads events from the client until the socket fails, then tears
// the session down.
func (ws *WSConnection) readPump() {
	defer func() {
		ws.Close()
		ws.server.connectionClosed(ws)
		close(ws.doneCh)
	}()

	cfg := ws.server.config.WebSocket
	if cfg.MaxMessageBytes > 0 {
		ws.conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	pongWait := cfg.PongTimeout.Duration
	if pongWait > 0 {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		ws.conn.SetPongHandler(func(string) error {
			return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.server.log.Warn("websocket read error", zap.String("user", ws.userID()), zap.Error(err))
			}
			return
		}

		ev, err := protocol.Parse(data)
		if err != nil {
			ws.Send(protocol.NewError(nil, err))
			continue
		}
		if !ws.limiter.Allow() {
			if ws.server.metrics != nil {
				ws.server.metrics.RateLimited.Inc()
			}
			errEv := protocol.NewErrorCode(errs.CodeRateLimited, "too many events")
			errEv.RequestID = ev.RequestID
			ws.Send(errEv)
			continue
		}
		if err := ws.server.dispatch(ws.server.ctx, ws, ev); err != nil {
			ws.server.verbose.At(logging.LevelEvents, "event rejected",
				zap.String("user", ws.userID()), zap.String("event", ev.Event), zap.Error(err))
			ws.Send(protocol.NewError(ev, err))
		}
	}
}

// writePump writes queued events and keepalive pings. On close it flushes
// the queue, sends a close frame and closes the socket, which ends readPump.
func (ws *WSConnection) writePump() {
	cfg := ws.server.config.WebSocket
	pingEvery := cfg.PongTimeout.Duration * 9 / 10
	var ping <-chan time.Time
	if pingEvery > 0 {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer ws.conn.Close()

	for {
		select {
		case ev := <-ws.sendCh:
			if err := ws.write(ev); err != nil {
				ws.Close()
				return
			}

		case <-ping:
			if cfg.WriteTimeout.Duration > 0 {
				ws.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout.Duration))
			}
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}

		case <-ws.closeCh:
			ws.drain()
			ws.writeClose(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// drain writes whatever is still queued.
func (ws *WSConnection) drain() {
	for {
		select {
		case ev := <-ws.sendCh:
			if err := ws.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (ws *WSConnection) write(ev *protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		ws.server.log.Error("failed to encode event", zap.String("event", ev.Event), zap.Error(err))
		return nil
	}
	if timeout := ws.server.config.WebSocket.WriteTimeout.Duration; timeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.server.verbose.At(logging.LevelDebug, "websocket write failed", zap.String("user", ws.userID()), zap.Error(err))
		return err
	}
	ws.server.verbose.At(logging.LevelEvents, "sent", zap.String("user", ws.userID()), zap.String("event", ev.Event))
	return nil
}

func (ws *WSConnection) writeClose(code int, text string) {
	deadline := time.Now().Add(time.Second)
	if timeout := ws.server.config.WebSocket.WriteTimeout.Duration; timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// handleWebSocket upgrades the request and authenticates it. A rejected
// handshake gets one error event and a close frame; no session exists and
// connected is never sent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	ws := newWSConnection(conn, s)
	session, err := s.presence.Authenticate(r.Context(), ws, token)
	if err != nil {
		s.rejectHandshake(ws, err)
		return
	}
	ws.session = session

	s.mu.Lock()
	s.connections[ws] = true
	s.mu.Unlock()

	ws.Start()
	s.verbose.At(logging.LevelLifecycle, "websocket connection established", zap.String("user", session.UserID))
}

func (s *Server) rejectHandshake(ws *WSConnection, err error) {
	defer ws.conn.Close()
	if data, encErr := protocol.NewError(nil, err).Encode(); encErr == nil {
		ws.conn.SetWriteDeadline(time.Now().Add(time.Second))
		ws.conn.WriteMessage(websocket.TextMessage, data)
	}
	code := websocket.ClosePolicyViolation
	if errs.Code(err) == errs.CodeInternal {
		code = websocket.CloseInternalServerErr
	}
	ws.writeClose(code, errs.Code(err))
}

// connectionClosed runs once per authenticated connection after its read
// pump exits.
func (s *Server) connectionClosed(ws *WSConnection) {
	s.mu.Lock()
	delete(s.connections, ws)
	s.mu.Unlock()

	s.chat.detach(ws)
	if ws.session != nil {
		s.presence.Disconnect(ws.session)
	}
	s.verbose.At(logging.LevelLifecycle, "websocket connection closed", zap.String("user", ws.userID()))
}
