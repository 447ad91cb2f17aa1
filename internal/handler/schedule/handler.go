package schedule

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/message-scheduler/internal/handler"
	"github.com/jwalitptl/message-scheduler/internal/service/schedule"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type Handler struct {
	service *schedule.Service
}

func NewHandler(service *schedule.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	schedules := r.Group("/schedules")
	{
		schedules.POST("", h.CreateSchedule)
		schedules.GET("", h.ListSchedules)
		schedules.GET("/statistics", h.GetStatistics)
		schedules.POST("/execute-due", h.ExecuteDue)
		schedules.GET("/:id", h.GetSchedule)
		schedules.PATCH("/:id", h.UpdateSchedule)
		schedules.DELETE("/:id", h.DeleteSchedule)
		schedules.POST("/:id/execute", h.ExecuteSchedule)
		schedules.GET("/:id/logs", h.ListLogs)
	}
}

func (h *Handler) CreateSchedule(c *gin.Context) {
	var req schedule.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondWithError(c, asValidation(err))
		return
	}

	created, err := h.service.Create(c.Request.Context(), handler.PrincipalFrom(c), &req)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusCreated, created)
}

func (h *Handler) GetSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	view, err := h.service.Get(c.Request.Context(), handler.PrincipalFrom(c), id)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, view)
}

func (h *Handler) ListSchedules(c *gin.Context) {
	var filter schedule.QueryFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		handler.RespondWithError(c, asValidation(err))
		return
	}

	views, err := h.service.Query(c.Request.Context(), handler.PrincipalFrom(c), filter)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}

	limit := filter.Limit
	switch {
	case limit == 0:
		limit = schedule.DefaultPageSize
	case limit > schedule.MaxPageSize:
		limit = schedule.MaxPageSize
	}
	handler.RespondWithPage(c, views, limit, filter.Offset, len(views))
}

func (h *Handler) UpdateSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	var patch schedule.SchedulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		handler.RespondWithError(c, asValidation(err))
		return
	}

	updated, err := h.service.Update(c.Request.Context(), handler.PrincipalFrom(c), id, &patch)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, updated)
}

func (h *Handler) DeleteSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), handler.PrincipalFrom(c), id); err != nil {
		handler.RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ExecuteSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	result, err := h.service.ExecuteNow(c.Request.Context(), handler.PrincipalFrom(c), id)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, result)
}

func (h *Handler) ExecuteDue(c *gin.Context) {
	summary, err := h.service.TriggerDue(c.Request.Context(), handler.PrincipalFrom(c))
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, summary)
}

func (h *Handler) ListLogs(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			handler.RespondWithError(c, apperrors.NewValidation("limit must be a number", err))
			return
		}
		limit = n
	}

	entries, err := h.service.FetchLogs(c.Request.Context(), handler.PrincipalFrom(c), id, limit)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, entries)
}

func (h *Handler) GetStatistics(c *gin.Context) {
	stats, err := h.service.Statistics(c.Request.Context(), handler.PrincipalFrom(c))
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	handler.RespondWithSuccess(c, http.StatusOK, stats)
}

func scheduleID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handler.RespondWithError(c, apperrors.NewValidation("invalid schedule ID", err))
		return uuid.Nil, false
	}
	return id, true
}

// asValidation keeps typed errors raised while decoding and wraps the rest.
func asValidation(err error) error {
	if apperrors.CodeOf(err) != apperrors.ErrInternal {
		return err
	}
	return apperrors.NewValidation("invalid request body", err)
}
