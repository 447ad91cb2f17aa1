package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/handler"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
)

// Recovery handles panics and logs them appropriately
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				log.Error(err, "Request panic recovered",
					"stack", string(debug.Stack()),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(ContextRequestID))

				handler.RespondWithError(c, apperrors.NewInternal(err))
			}
		}()
		c.Next()
	}
}
