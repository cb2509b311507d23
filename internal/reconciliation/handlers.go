package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
	timer  *Timer
	logger *slog.Logger
}

// NewHandler creates a handler. timer may be nil.
func NewHandler(runner *Runner, timer *Timer, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, timer: timer, logger: logger}
}

// RegisterAdminRoutes sets up the routes. The group must already require
// the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Run)
	r.GET("/reconcile", h.Last)
}

// Run handles POST /admin/reconcile and runs every check now.
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		if rep == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error(), "report": rep})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// Last handles GET /admin/reconcile and returns the timer's latest report.
func (h *Handler) Last(c *gin.Context) {
	if h.timer == nil || h.timer.Last() == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": h.timer.Last()})
}
