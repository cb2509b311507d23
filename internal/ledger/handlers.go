package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/money"
	"github.com/mbd888/tradeguard/internal/pagination"
)

// Handler exposes wallet operations over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a wallet handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up routes for the calling user's wallet.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/entries", h.ListEntries)
	r.POST("/wallet/withdrawals", h.RequestWithdrawal)
	r.GET("/wallet/withdrawals/:id", h.GetWithdrawal)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits", h.RecordDeposit)
	r.POST("/wallet/adjust", h.Adjust)
	r.POST("/withdrawals/:id/approve", h.withdrawalAction("approve"))
	r.POST("/withdrawals/:id/process", h.withdrawalAction("process"))
	r.POST("/withdrawals/:id/complete", h.withdrawalAction("complete"))
	r.POST("/withdrawals/:id/reject", h.withdrawalAction("reject"))
	r.POST("/withdrawals/:id/fail", h.withdrawalAction("fail"))
	r.POST("/withdrawals/:id/refund", h.withdrawalAction("refund"))
}

// GetBalance handles GET /wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	acct, err := h.svc.Balance(c.Request.Context(), actor.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": acct.UserID, "balance": money.Format(acct.Balance)})
}

// ListEntries handles GET /wallet/entries?cursor=&limit=
func (h *Handler) ListEntries(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	page, err := h.svc.History(c.Request.Context(), actor.ID, c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type withdrawalRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// RequestWithdrawal handles POST /wallet/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		badRequest(c, "amount must be a positive decimal with at most 2 places")
		return
	}
	actor, _ := auth.GetActor(c)
	wd, err := h.svc.RequestWithdrawal(c.Request.Context(), actor.ID, amount, req.Destination)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": wd})
}

// GetWithdrawal handles GET /wallet/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	wd, err := h.svc.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	actor, _ := auth.GetActor(c)
	if wd.UserID != actor.ID && !actor.IsAdmin() {
		// Other users' withdrawals are reported as missing.
		h.fail(c, ErrWithdrawalNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

type depositRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	ExternalRef string `json:"externalRef" binding:"required"`
}

// RecordDeposit handles POST /admin/wallet/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		badRequest(c, "amount must be a positive decimal with at most 2 places")
		return
	}
	entry, err := h.svc.Deposit(c.Request.Context(), req.UserID, amount, req.ExternalRef)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

type adjustRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	IsCredit bool   `json:"isCredit"`
	Reason   string `json:"reason"`
}

// Adjust handles POST /admin/wallet/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		badRequest(c, "amount must be a positive decimal with at most 2 places")
		return
	}
	actor, _ := auth.GetActor(c)
	entry, err := h.svc.AdminAdjust(c.Request.Context(), AdjustRequest{
		UserID:   req.UserID,
		Amount:   amount,
		IsCredit: req.IsCredit,
		Reason:   req.Reason,
		AdminID:  actor.ID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

type withdrawalActionRequest struct {
	Reason       string `json:"reason"`
	ExternalTxID string `json:"externalTxId"`
}

func (h *Handler) withdrawalAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawalActionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "Invalid request body")
				return
			}
		}
		actor, _ := auth.GetActor(c)
		ctx, id := c.Request.Context(), c.Param("id")

		var (
			wd  *Withdrawal
			err error
		)
		switch action {
		case "approve":
			wd, err = h.svc.ApproveWithdrawal(ctx, id, actor.ID)
		case "process":
			wd, err = h.svc.MarkWithdrawalProcessing(ctx, id, actor.ID)
		case "complete":
			wd, err = h.svc.CompleteWithdrawal(ctx, id, req.ExternalTxID, actor.ID)
		case "reject":
			wd, err = h.svc.RejectWithdrawal(ctx, id, req.Reason, actor.ID)
		case "fail":
			wd, err = h.svc.FailWithdrawal(ctx, id, req.Reason, actor.ID)
		case "refund":
			wd, err = h.svc.RefundWithdrawal(ctx, id, req.Reason, actor.ID)
		}
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
	}
}

// StatusCode maps ledger errors to HTTP status codes.
func StatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ErrWithdrawalNotFound), errors.Is(err, ErrEntryNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicateDeposit):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidWithdrawal):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidEntryType),
		errors.Is(err, ErrReasonRequired), errors.Is(err, ErrBelowMinimum),
		errors.Is(err, ErrMissingField), errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("wallet request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
