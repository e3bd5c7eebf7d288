package middleware

import (
	"net/http"

	"convosync/internal/transport/httpdto"
	"convosync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	log := logger.OrGlobal(l)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := httpdto.HTTPStatus(err)
		if c.Errors.Last().IsType(gin.ErrorTypeBind) {
			status, code = http.StatusBadRequest, "INVALID_REQUEST"
		}
		if status >= http.StatusInternalServerError {
			log.WithContext(c.Request.Context()).Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.JSON(status, httpdto.NewErrorResponse(httpdto.ErrorMessage(err, status), code))
	}
}
