package middleware

import (
	"net/http"
	"strings"

	"convosync/internal/services"
	"convosync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(service *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := service.ParseAccessToken(extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}

		ctx := services.WithUserSessionContext(c.Request.Context(), claims.UserID, claims.SessionID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractBearer reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so the token query parameter is accepted too.
func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return c.Query("token")
}
