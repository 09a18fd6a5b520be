package notification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"herald/internal/constants"
	"herald/internal/logger"
	"herald/internal/subscription"
	apperrors "herald/pkg/errors"
	"herald/pkg/middleware"
)

type Handler struct {
	dispatcher *Dispatcher
	logger     logger.Logger
}

func NewHandler(dispatcher *Dispatcher, log logger.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/notifications/:id", h.Get)
		api.GET("/subscriptions/:id/notifications", h.ListBySubscription)
	}
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := subscription.ParseID(c)
	if !ok {
		return
	}

	n, err := h.dispatcher.Get(c.Request.Context(), id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if n == nil {
		middleware.RespondError(c, apperrors.ErrNotFound.WithDetail("notification_id", id))
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) ListBySubscription(c *gin.Context) {
	id, ok := subscription.ParseID(c)
	if !ok {
		return
	}

	filter := Filter{SubscriptionID: id, Status: Status(c.Query("status")), Limit: constants.DefaultLimit}
	if filter.Status != "" && !filter.Status.Valid() {
		middleware.RespondError(c, apperrors.ErrValidation.WithMessage("unknown status %q", filter.Status))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > constants.MaxLimit {
			middleware.RespondError(c, apperrors.ErrValidation.WithMessage("limit must be between 1 and %d", constants.MaxLimit))
			return
		}
		filter.Limit = limit
	}

	out, err := h.dispatcher.List(c.Request.Context(), filter)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
