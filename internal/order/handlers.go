package order

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/money"
	"github.com/mbd888/tradeguard/internal/pagination"
)

// TierWriter records a user's verification tier.
type TierWriter interface {
	SetVerified(ctx context.Context, userID string, verified bool) error
}

// Handler exposes the order state machine over HTTP.
type Handler struct {
	svc    *Service
	tiers  TierWriter // optional
	logger *slog.Logger
}

// NewHandler creates an order handler. tiers may be nil, in which case the
// tier admin route is not registered.
func NewHandler(svc *Service, tiers TierWriter, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, tiers: tiers, logger: logger}
}

// RegisterRoutes sets up participant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Publish)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/dispute", h.GetOrderDispute)
	r.POST("/orders/:id/actions/:action", h.ApplyAction)
	r.GET("/users/:id/orders", h.ListUserOrders)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)
	r.POST("/timeouts/check", h.CheckTimeouts)
	if h.tiers != nil {
		r.PUT("/users/:id/tier", h.SetTier)
	}
}

type publishRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
}

// Publish handles POST /orders
func (h *Handler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	price, ok := money.ParsePositive(req.Price)
	if !ok {
		badRequest(c, "price must be a positive decimal with at most 2 places")
		return
	}
	actor, _ := auth.GetActor(c)
	o, err := h.svc.Publish(c.Request.Context(), actor, PublishRequest{
		Title:       req.Title,
		Description: req.Description,
		Price:       price,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetOrderDispute handles GET /orders/:id/dispute
func (h *Handler) GetOrderDispute(c *gin.Context) {
	o, ok := h.loadVisible(c)
	if !ok {
		return
	}
	if o.DisputeID == "" {
		h.fail(c, ErrNotFound)
		return
	}
	d, err := h.svc.GetDispute(c.Request.Context(), o.DisputeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// loadVisible fetches the order. Published listings are public; once
// sold, an order is hidden from non-participants.
func (h *Handler) loadVisible(c *gin.Context) (*Order, bool) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	actor, _ := auth.GetActor(c)
	if o.Status != StatusPublished && !o.IsParticipant(actor.ID) && !actor.IsAdmin() {
		h.fail(c, ErrNotFound)
		return nil, false
	}
	return o, true
}

// ListUserOrders handles GET /users/:id/orders?cursor=&limit=
func (h *Handler) ListUserOrders(c *gin.Context) {
	userID := c.Param("id")
	actor, _ := auth.GetActor(c)
	if actor.ID != userID && !actor.IsAdmin() {
		h.fail(c, ErrPermission)
		return
	}
	page, err := h.svc.ListForUser(c.Request.Context(), userID, c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type actionRequest struct {
	ExpectedVersion *int64 `json:"expectedVersion" binding:"required"`
	Payload
}

// ApplyAction handles POST /orders/:id/actions/:action
func (h *Handler) ApplyAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "expectedVersion is required")
		return
	}
	action, err := ParseAction(c.Param("action"), req.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	o, err := h.svc.Apply(c.Request.Context(), Command{
		OrderID:         c.Param("id"),
		ExpectedVersion: *req.ExpectedVersion,
		Actor:           actor,
		Action:          action,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ReviewDispute handles POST /admin/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.svc.StartDisputeReview(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CloseDispute handles POST /admin/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.svc.CloseDispute(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CheckTimeouts handles POST /admin/timeouts/check
func (h *Handler) CheckTimeouts(c *gin.Context) {
	res, err := h.svc.CheckTimeouts(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type tierRequest struct {
	Verified *bool `json:"verified" binding:"required"`
}

// SetTier handles PUT /admin/users/:id/tier
func (h *Handler) SetTier(c *gin.Context) {
	var req tierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "verified is required")
		return
	}
	userID := c.Param("id")
	if err := h.tiers.SetVerified(c.Request.Context(), userID, *req.Verified); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "verified": *req.Verified})
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := Kind(err)
	status := HTTPStatus(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("order request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": kind, "message": msg, "retryable": Retryable(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
