package subscription

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"herald/internal/logger"
	apperrors "herald/pkg/errors"
	"herald/pkg/middleware"
)

type Handler struct {
	registry *Registry
	logger   logger.Logger
}

func NewHandler(registry *Registry, log logger.Logger) *Handler {
	return &Handler{registry: registry, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	subs := router.Group("/api/v1/subscriptions")
	{
		subs.POST("", h.Create)
		subs.GET("", h.List)
		subs.GET("/:id", h.Get)
		subs.DELETE("/:id", h.Terminate)
	}
}

// Create registers a subscription. The legitimacy secret is only ever
// returned in this response.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondError(c, apperrors.ErrValidation.WithCause(err))
		return
	}

	sub, err := h.registry.Create(c.Request.Context(), req)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateResponse{Subscription: sub, LegitimacySecret: sub.LegitimacySecret})
}

func (h *Handler) List(c *gin.Context) {
	filter := Filter{
		Status:    Status(c.Query("status")),
		EventType: c.Query("event_type"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		middleware.RespondError(c, apperrors.ErrValidation.WithMessage("unknown status %q", filter.Status))
		return
	}

	subs, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}

	sub, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if sub == nil {
		middleware.RespondError(c, apperrors.ErrNotFound.WithDetail("subscription_id", id))
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) Terminate(c *gin.Context) {
	id, ok := ParseID(c)
	if !ok {
		return
	}

	sub, err := h.registry.Terminate(c.Request.Context(), id)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ParseID reads the :id path parameter and answers 400 when it is not an
// integer.
func ParseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		middleware.RespondError(c, apperrors.ErrValidation.WithMessage("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}
