package server

import (
	"context"
	"net/http"
	"strings"

	"convosync/internal/services"
	"convosync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades authenticated requests to change-feed sockets.
type WebSocketHandler struct {
	hub         *Hub
	authService *services.AuthService
}

func NewWebSocketHandler(hub *Hub, authService *services.AuthService) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, authService: authService}
}

// Handle upgrades HTTP to WebSocket. Browsers cannot set headers on the
// handshake, so the token may come in the query string.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	claims, err := h.authService.ParseAccessToken(extractToken(c))
	if err != nil || claims.UserID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("invalid token", "UNAUTHORIZED"))
		return
	}
	if !h.hub.AllowConnection(claims.UserID) {
		h.hub.logger.Warn("connection rate limit exceeded", claims.UserID, "")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("too many connections", "RATE_LIMITED"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Error("websocket upgrade failed", claims.UserID, "", err)
		return
	}

	client := NewClient(h.hub, conn, claims.UserID)
	go client.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), pongWait)
	client.open(ctx)
	cancel()

	h.hub.Register(client)
	go client.readPump()
}

func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
