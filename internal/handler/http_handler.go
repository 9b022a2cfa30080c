package handler

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-sync-relay/internal/oauth"
	"github.com/weiawesome/wes-sync-relay/internal/service"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
	"github.com/weiawesome/wes-sync-relay/pkg/response"
)

// Handler serves the HTTP side of the relay: health, status, diagnostics
// and the token exchange callback.
type Handler struct {
	service service.RelayService
	ws      *WSHandler
	metrics http.Handler
	version string
}

func NewHandler(svc service.RelayService, ws *WSHandler, metrics http.Handler, version string) *Handler {
	return &Handler{
		service: svc,
		ws:      ws,
		metrics: metrics,
		version: version,
	}
}

// RegisterRoutes registers all routes, including the WebSocket ones.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/ws-test", h.WSTestPage)
	r.GET("/ws-send-test", h.SendTest)
	r.POST("/auth/callback", h.AuthCallback)
	r.GET("/metrics", gin.WrapH(h.metrics))

	api := r.Group("/api/v1")
	{
		api.GET("/status", h.Status)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}

	h.ws.RegisterRoutes(r)
}

// Root accepts WebSocket upgrades on "/" and otherwise describes the
// service.
func (h *Handler) Root(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.ws.HandleWebSocket(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service":   "sync-relay",
		"version":   h.version,
		"websocket": []string{"/", "/ws"},
	})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	response.Success(c, h.service.Status())
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms := h.service.Rooms()
	response.Success(c, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (h *Handler) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := h.service.Room(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			response.NotFound(c, "room not found")
			return
		}
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("room lookup failed")
		response.InternalError(c, "failed to look up room")
		return
	}
	response.Success(c, room)
}

// SendTest broadcasts the test action to every connection, or to one room
// when ?roomId= is given.
func (h *Handler) SendTest(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Query("roomId")

	n, err := h.service.TestBroadcast(ctx, roomID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("test broadcast failed")
		response.InternalError(c, "failed to send test message")
		return
	}

	target := "all WebSocket clients"
	if roomID != "" {
		target = "room " + roomID
	}
	response.Success(c, gin.H{
		"message":   "Test messages sent to " + target,
		"delivered": n,
	})
}

type authCallbackRequest struct {
	Code string `json:"code"`
}

// AuthCallback exchanges an authorization code and returns the provider's
// token response unchanged.
func (h *Handler) AuthCallback(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req authCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	if req.Code == "" {
		response.BadRequest(c, "code is required")
		return
	}

	tokens, err := h.service.ExchangeToken(ctx, req.Code)
	if err != nil {
		if errors.Is(err, oauth.ErrMissingCode) {
			response.BadRequest(c, "code is required")
			return
		}
		l.Error().Err(err).Msg("token exchange failed")
		response.Error(c, http.StatusInternalServerError, "AUTH_ERROR", "Auth error")
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", tokens.Raw)
}

var wsTestPage = template.Must(template.New("ws-test").Parse(`<!DOCTYPE html>
<html>
  <body>
    <h1>WebSocket Test</h1>
    <script>
      const ws = new WebSocket({{.URL}});
      ws.onopen = () => document.body.innerHTML += '<p>Connected!</p>';
      ws.onerror = (e) => document.body.innerHTML += '<p>Error: ' + e + '</p>';
      ws.onmessage = (e) => {
        const p = document.createElement('p');
        p.textContent = 'Message: ' + e.data;
        document.body.appendChild(p);
      };
    </script>
  </body>
</html>
`))

// WSTestPage serves a page that opens a WebSocket back to this host and
// prints whatever arrives.
func (h *Handler) WSTestPage(c *gin.Context) {
	scheme := "ws"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := wsTestPage.Execute(c.Writer, gin.H{"URL": scheme + "://" + c.Request.Host + "/ws"}); err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to render ws-test page")
	}
}
