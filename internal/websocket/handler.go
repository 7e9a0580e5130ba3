package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"lectern/internal/liveness"
	"lectern/internal/metrics"
	"lectern/internal/session"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// FrameRouter handles inbound frames and forgets per-connection state on disconnect.
type FrameRouter interface {
	interfaces.FrameHandler
	Forget(connectionID string)
}

// HandlerOptions tunes the upgrade endpoint.
type HandlerOptions struct {
	Connection ConnectionOptions
	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	// Backoff is advertised to clients in connection-ack.
	Backoff liveness.Backoff
}

func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{
		Connection:      DefaultConnectionOptions(),
		MaxMessageBytes: 2 << 20,
		Backoff:         liveness.DefaultBackoff(),
	}
}

// Handler upgrades /ws requests and runs each connection's read loop.
// ARCHITECTURAL DISCOVERY: the handler owns transport lifecycle only; roles,
// routing and liveness decisions live in their own packages.
type Handler struct {
	registry   *session.Registry
	router     FrameRouter
	supervisor *liveness.Supervisor
	upgrader   websocket.Upgrader
	opts       HandlerOptions
	logger     *log.Logger
}

// NewHandler creates a WebSocket handler. supervisor may be nil to disable probing.
func NewHandler(registry *session.Registry, router FrameRouter, supervisor *liveness.Supervisor, opts HandlerOptions, logger *log.Logger) *Handler {
	def := DefaultHandlerOptions()
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	if opts.Backoff == (liveness.Backoff{}) {
		opts.Backoff = def.Backoff
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		registry:   registry,
		router:     router,
		supervisor: supervisor,
		opts:       opts,
		logger:     logger.WithPrefix("ws"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket accepts GET /ws?class=CODE. The connection joins the class
// session with no role; the client registers over the socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	classCode := r.URL.Query().Get("class")
	if !types.IsValidClassCode(classCode) {
		http.Error(w, types.ErrInvalidClassCode.Error(), http.StatusBadRequest)
		return
	}

	// FUNCTIONAL DISCOVERY: validate before upgrading so bad requests get a
	// plain HTTP error instead of a socket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageBytes)
	wsConn := NewConnection(conn, h.opts.Connection)

	sc, err := h.registry.CreateConnection(classCode, wsConn)
	if err != nil {
		h.logger.Error("accept failed", "class", classCode, "err", err)
		_ = wsConn.WriteJSON(types.ErrorFrame(err, ""))
		_ = wsConn.Close()
		return
	}
	metrics.ConnectionsAccepted.Inc()
	h.logger.Debug("connection accepted", "conn", sc.ID(), "session", sc.SessionID(), "class", classCode)

	ack := types.Frame{
		Type: types.MessageTypeConnectionAck,
		Payload: types.ConnectionAckPayload{
			SessionID:    sc.SessionID(),
			ConnectionID: sc.ID(),
			ClassCode:    classCode,
			Reconnect:    h.opts.Backoff.Policy(),
		},
	}
	if err := wsConn.WriteJSON(ack); err != nil {
		h.logger.Debug("ack failed", "conn", sc.ID(), "err", err)
	}

	go h.handleConnection(wsConn, sc)
}

// handleConnection runs the read loop until the socket closes, then detaches
// the connection from its session.
func (h *Handler) handleConnection(wsConn *Connection, sc *session.Connection) {
	ctx, cancel := context.WithCancel(sc.Session().Context())
	defer func() {
		cancel()
		if err := h.registry.RemoveConnection(sc.ID()); err == nil {
			h.logger.Debug("connection removed", "conn", sc.ID(), "session", sc.SessionID())
		}
		h.router.Forget(sc.ID())
		_ = wsConn.Close()
	}()

	if h.supervisor != nil {
		go h.supervisor.Watch(ctx, sc)
	}

	for {
		_, data, err := wsConn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read failed", "conn", sc.ID(), "err", err)
			}
			return
		}
		if err := h.router.HandleFrame(ctx, sc.ID(), data); err != nil {
			h.logger.Info("closing connection", "conn", sc.ID(), "reason", err)
			return
		}
	}
}
