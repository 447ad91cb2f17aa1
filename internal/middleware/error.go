package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/handler"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
)

// ErrorHandler logs errors attached to the context and answers for handlers that
// returned without writing a response.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		for _, e := range c.Errors {
			fields := []interface{}{
				"request_id", c.GetString(ContextRequestID),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"code", int(apperrors.CodeOf(e.Err)),
			}
			if apperrors.HTTPStatus(e.Err) >= 500 {
				log.Error(e.Err, "request failed", fields...)
			} else {
				log.Debug("request rejected", append(fields, "error", e.Err.Error())...)
			}
		}

		if !c.Writer.Written() {
			handler.RespondWithError(c, c.Errors.Last().Err)
		}
	}
}
