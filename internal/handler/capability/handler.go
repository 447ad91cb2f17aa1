package capability

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/handler"
	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/service/capability"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type SetCapabilitiesRequest struct {
	Role         string                                `json:"role" binding:"required"`
	Capabilities map[model.Channel]model.CapabilitySet `json:"capabilities"`
}

type Handler struct {
	service  *capability.Service
	elevated func(role string) bool
}

func NewHandler(service *capability.Service, elevated func(role string) bool) *Handler {
	return &Handler{service: service, elevated: elevated}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	principals := r.Group("/principals")
	{
		principals.GET("/:id/capabilities", h.GetCapabilities)
		principals.PUT("/:id/capabilities", h.SetCapabilities)
	}
}

// GetCapabilities is available to the principal itself and to administrators.
func (h *Handler) GetCapabilities(c *gin.Context) {
	caller := handler.PrincipalFrom(c)
	id := c.Param("id")
	if caller.ID != id && !h.elevated(caller.Role) {
		handler.RespondWithError(c, apperrors.NewForbidden("not allowed to read capabilities of another principal"))
		return
	}

	profile, err := h.service.Profile(c.Request.Context(), id)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, profile)
}

func (h *Handler) SetCapabilities(c *gin.Context) {
	caller := handler.PrincipalFrom(c)
	if !h.elevated(caller.Role) {
		handler.RespondWithError(c, apperrors.NewForbidden("only administrators can change capabilities"))
		return
	}

	var req SetCapabilitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondWithError(c, apperrors.NewValidation(err.Error(), err))
		return
	}

	profile := &model.AuthorizationProfile{
		PrincipalID:  c.Param("id"),
		Role:         req.Role,
		Capabilities: req.Capabilities,
	}
	if err := h.service.SetCapabilities(c.Request.Context(), profile); err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, profile)
}
