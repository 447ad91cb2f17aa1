package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/handler"
	"github.com/jwalitptl/message-scheduler/pkg/auth"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type AuthMiddleware struct {
	tokens auth.JWTService
}

func NewAuthMiddleware(tokens auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the bearer token and puts the principal in the context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			handler.RespondWithError(c, apperrors.Unauthorized(nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			handler.RespondWithError(c, apperrors.Unauthorized(nil))
			return
		}

		principal, err := m.tokens.ValidateToken(parts[1])
		if err != nil {
			handler.RespondWithError(c, apperrors.Unauthorized(err))
			return
		}

		handler.SetPrincipal(c, principal)
		c.Next()
	}
}
