package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull is returned when a slow client falls behind.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// Config holds websocket endpoint settings.
type Config struct {
	WriteTimeout   time.Duration
	ReadLimit      int64
	SendBuffer     int
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
}

// wsTransport owns the write side of a websocket. A single writer goroutine
// drains send; pings use WriteControl, which may run concurrently with it.
type wsTransport struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) Ping() error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
	})
	return nil
}

func (t *wsTransport) writePump() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

// Handler upgrades HTTP requests to push connections and speaks the
// client protocol on them.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger
}

// NewHandler returns a Handler registering connections in registry.
func NewHandler(registry *Registry, cfg Config, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	h := &Handler{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP runs one connection until the client goes away. A userId query
// parameter identifies the connection right after the handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	t := newWSTransport(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	id := h.registry.Register(t)
	go t.writePump()
	defer h.registry.Disconnect(id)

	logger := h.logger.With(slog.String("connection_id", id))
	logger.Debug("Connection opened", slog.String("remote_addr", r.RemoteAddr))

	h.registry.Send(id, ServerMessage{Type: TypeConnected, ConnectionID: id})
	if userID := r.URL.Query().Get("userId"); userID != "" {
		h.identify(id, userID)
	}

	ws.SetReadLimit(h.cfg.ReadLimit)
	ws.SetPongHandler(func(string) error {
		h.registry.MarkAlive(id)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Connection closed unexpectedly", slog.Any("error", err))
			}
			return
		}
		h.registry.MarkAlive(id)
		h.handleMessage(id, data)
	}
}

func (h *Handler) handleMessage(id string, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.registry.Send(id, ServerMessage{Type: TypeError, Error: "invalid message"})
		return
	}

	switch msg.Type {
	case TypeIdentify:
		if msg.UserID == "" {
			h.registry.Send(id, ServerMessage{Type: TypeError, Error: "userId is required"})
			return
		}
		h.identify(id, msg.UserID)

	case TypeSubscribe:
		if msg.Topic == "" {
			h.registry.Send(id, ServerMessage{Type: TypeError, Error: "topic is required"})
			return
		}
		if err := h.registry.Subscribe(id, msg.Topic); err == nil {
			h.registry.Send(id, ServerMessage{Type: TypeSubscribed, Topic: msg.Topic})
		}

	case TypeUnsubscribe:
		if err := h.registry.Unsubscribe(id, msg.Topic); err == nil {
			h.registry.Send(id, ServerMessage{Type: TypeUnsubscribed, Topic: msg.Topic})
		}

	case TypeSetLanguage:
		if err := h.registry.SetLanguage(id, msg.Language); err == nil {
			h.registry.Send(id, ServerMessage{Type: TypeLanguageSet, Language: msg.Language})
		}

	case TypePing:
		h.registry.Send(id, ServerMessage{Type: TypePong})

	default:
		h.registry.Send(id, ServerMessage{Type: TypeError, Error: "unknown message type"})
	}
}

func (h *Handler) identify(id, userID string) {
	if err := h.registry.Identify(id, userID); err == nil {
		h.registry.Send(id, ServerMessage{Type: TypeIdentified, UserID: userID})
	}
}
