package socket

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/caseline/relay/internal/model/relay"
	"github.com/caseline/relay/internal/service/dispatch"
)

// Config controls per-connection limits.
type Config struct {
	SendBuffer    int
	MaxFrameBytes int64
	// RateLimit is frames per second; zero disables limiting.
	RateLimit    float64
	RateBurst    int
	PongWait     time.Duration
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	return c
}

// Handler is the websocket transport of the relay.
type Handler struct {
	svc      *dispatch.Service
	cfg      Config
	upgrader websocket.Upgrader
}

// New creates a websocket handler backed by svc.
func New(svc *dispatch.Service, cfg Config) *Handler {
	return &Handler{
		svc: svc,
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	conn := newConnection(ws, h.cfg.SendBuffer)
	h.svc.Connect(conn)
	go conn.writePump(h.cfg.PingInterval)

	cause := h.readLoop(conn)
	h.svc.Disconnect(conn.ID(), cause)
	conn.Close("")
}

// readLoop feeds inbound frames to the service until the socket fails. It
// returns nil for a clean close.
func (h *Handler) readLoop(conn *connection) error {
	ws := conn.ws
	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if conn.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error conn=%s: %v", conn.ID(), err)
			}
			return err
		}

		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if kind != websocket.TextMessage {
			h.sendError(conn, "only text frames are supported")
			continue
		}

		if limiter != nil && !limiter.Allow() {
			h.svc.RecordRateLimited(conn.ID())
			h.sendError(conn, dispatch.ErrRateLimited.Error())
			continue
		}

		if _, err := h.svc.HandleFrame(conn.ID(), data); err != nil {
			if errors.Is(err, dispatch.ErrSlowConsumer) || errors.Is(err, dispatch.ErrConnectionClosed) {
				// The service already dropped this connection.
				continue
			}
			h.sendError(conn, err.Error())
		}
	}
}

func (h *Handler) sendError(conn *connection, message string) {
	msg := relay.ServerMessage(relay.TypeError, map[string]any{"message": message})
	if err := conn.Send(msg); err != nil && !errors.Is(err, dispatch.ErrConnectionClosed) {
		log.Printf("[websocket] write error failed conn=%s: %v", conn.ID(), err)
	}
}
