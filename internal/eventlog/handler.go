package eventlog

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"herald/internal/logger"
	apperrors "herald/pkg/errors"
	"herald/pkg/middleware"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	events := router.Group("/api/v1/events")
	{
		events.POST("", h.Record)
		events.GET("/:id", h.Get)
	}
}

// Record accepts an occurrence from the event source. Fan-out happens
// asynchronously, hence 202.
func (h *Handler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondError(c, apperrors.ErrValidation.WithCause(err))
		return
	}

	ev, err := h.service.RecordEvent(c.Request.Context(), req.Type, req.Scope, req.Payload)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ev)
}

func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		middleware.RespondError(c, apperrors.ErrValidation.WithMessage("invalid id %q", c.Param("id")))
		return
	}

	ev, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if ev == nil {
		middleware.RespondError(c, apperrors.ErrNotFound.WithDetail("event_id", id))
		return
	}
	c.JSON(http.StatusOK, ev)
}
