package handler

import (
	"net/http"
	"time"

	"convosync/internal/services"
	"convosync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues development tokens. The route is only mounted outside
// release mode.
type AuthHandler struct {
	service *services.AuthService
}

func NewAuthHandler(service *services.AuthService) *AuthHandler {
	return &AuthHandler{service: service}
}

func (h *AuthHandler) DevToken(c *gin.Context) {
	var req httpdto.DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	token, expiresAt, err := h.service.IssueAccessToken(req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.TokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	}))
}
