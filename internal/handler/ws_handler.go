package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-sync-relay/internal/config"
	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/internal/service"
	"github.com/weiawesome/wes-sync-relay/internal/transport"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

type WSHandler struct {
	service  service.RelayService
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(svc service.RelayService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		service: svc,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			// Rooms are open to any origin; CORS is enforced on the HTTP API.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := transport.NewClient(conn, transport.Config{
		WriteWait:      h.wsCfg.WriteWait,
		MaxMessageSize: h.wsCfg.MaxMessageSize,
		SendBuffer:     h.wsCfg.SendBuffer,
	})

	// The request context ends when this handler returns; keep its logger.
	ctx := context.WithoutCancel(c.Request.Context())
	id := h.service.Connect(ctx, client)
	ctx = log.WithConn(ctx, id)

	go client.WritePump()
	go func() {
		defer h.service.HandleDisconnect(ctx, id)
		client.ReadPump(
			func(message []byte) { h.handleMessage(ctx, id, message) },
			func(size int64) { h.logMessageError(ctx, h.service.HandleOversize(ctx, id, size), int(size)) },
			func() { h.service.HandlePong(id) },
		)
	}()
}

func (h *WSHandler) handleMessage(ctx context.Context, connID string, message []byte) {
	h.logMessageError(ctx, h.service.HandleMessage(ctx, connID, message), len(message))
}

func (h *WSHandler) logMessageError(ctx context.Context, err error, size int) {
	if err == nil {
		return
	}

	l := log.Ctx(ctx)
	switch {
	case errors.Is(err, domain.ErrMalformedMessage),
		errors.Is(err, domain.ErrMissingRoomID),
		errors.Is(err, domain.ErrMissingAction),
		errors.Is(err, domain.ErrMessageTooLarge):
		l.Debug().Err(err).Int("bytes", size).Msg("dropped invalid message")
	default:
		l.Warn().Err(err).Msg("failed to handle message")
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.HandleWebSocket)
}
