package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/model"
)

const contextPrincipal = "principal"

func SetPrincipal(c *gin.Context, p model.Principal) {
	c.Set(contextPrincipal, p)
}

// PrincipalFrom returns the authenticated principal, or the zero principal which
// holds no capabilities.
func PrincipalFrom(c *gin.Context) model.Principal {
	if v, ok := c.Get(contextPrincipal); ok {
		if p, ok := v.(model.Principal); ok {
			return p
		}
	}
	return model.Principal{}
}
