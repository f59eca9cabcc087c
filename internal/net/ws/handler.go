// Package ws upgrades HTTP requests to websocket sessions and bridges them
// into the connection registry and dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	server "cardroom/server"
	"cardroom/server/internal/delivery"
	"cardroom/server/internal/net/proto"
	"cardroom/server/internal/registry"
	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
)

// CloseTryAgainLater tells a refused client the rejection is load-related
// and a later attempt may succeed.
const CloseTryAgainLater = 4001

// Dispatcher routes one inbound frame from an accepted connection.
type Dispatcher interface {
	Handle(ctx context.Context, connID string, raw []byte)
}

type HandlerConfig struct {
	ReadLimit int64
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{ReadLimit: 64 * 1024}
}

// Handler owns the websocket endpoint. Admission happens before any
// session state is created; a refused socket gets a close frame naming
// the reason and never touches the registry.
type Handler struct {
	cfg      HandlerConfig
	registry *registry.Registry
	queue    *delivery.Queue
	dispatch Dispatcher
	clock    logging.Clock
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg HandlerConfig, reg *registry.Registry, queue *delivery.Queue, dispatch Dispatcher, clock logging.Clock, logger telemetry.Logger) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultHandlerConfig().ReadLimit
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Handler{
		cfg:      cfg,
		registry: reg,
		queue:    queue,
		dispatch: dispatch,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	socket.SetReadLimit(h.cfg.ReadLimit)

	identityHint := r.URL.Query().Get("playerId")
	conn, err := h.registry.Accept(wsConn{socket}, r.RemoteAddr, identityHint)
	if err != nil {
		h.refuse(socket, err)
		return
	}

	h.queue.Register(conn.ID)
	h.sendConnected(conn.ID)

	ctx := r.Context()
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("ws: read loop ended for %s: %v", conn.ID, err)
			}
			h.queue.Drop(conn.ID)
			h.registry.Remove(conn.ID)
			return
		}
		h.registry.RecordActivity(conn.ID)
		h.dispatch.Handle(ctx, conn.ID, payload)
	}
}

// refuse closes a socket the registry declined. Capacity and load-shed
// refusals use the try-again-later code so clients back off instead of
// treating it as fatal.
func (h *Handler) refuse(socket *websocket.Conn, err error) {
	code := websocket.ClosePolicyViolation
	reason := server.RejectInternal
	switch {
	case errors.Is(err, registry.ErrCapacity):
		code = CloseTryAgainLater
		reason = server.RejectCapacity
	case errors.Is(err, registry.ErrLoadShed):
		code = CloseTryAgainLater
		reason = server.RejectLoadShed
	}
	deadline := time.Now().Add(server.WriteWait())
	message := websocket.FormatCloseMessage(code, reason)
	socket.WriteControl(websocket.CloseMessage, message, deadline)
	socket.Close()
}

func (h *Handler) sendConnected(connID string) {
	payload, err := json.Marshal(proto.ConnectedMessage{
		Type:       proto.TypeConnected,
		ConnID:     connID,
		ServerTime: h.clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.queue.Enqueue(connID, payload, delivery.ClassHigh)
}

// wsConn adapts *websocket.Conn to the registry's transport interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Write(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c wsConn) Close() error {
	return c.conn.Close()
}
