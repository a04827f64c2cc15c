package ledger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/apperr"
	"github.com/mbd888/creditsaga/internal/idempotency"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/validation"
)

// Handler provides HTTP endpoints for credit and company balances
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, keys *idempotency.Middleware) {
	credits := r.Group("/credits/:customerId", validation.IDParamMiddleware("customerId"))
	credits.GET("/balance", h.GetBalance)
	credits.POST("/grant", keys.Optional(), h.Grant)
	credits.POST("/deduct", keys.Optional(), h.Deduct)

	r.GET("/company/balance", h.GetCompanyBalance)
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// GetBalance handles GET /credits/:customerId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.svc.Balance(c.Request.Context(), c.Param("customerId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// Grant handles POST /credits/:customerId/grant
func (h *Handler) Grant(c *gin.Context) {
	h.move(c, h.svc.Grant)
}

// Deduct handles POST /credits/:customerId/deduct
func (h *Handler) Deduct(c *gin.Context) {
	h.move(c, h.svc.Deduct)
}

type creditOp func(ctx context.Context, customerID string, amount decimal.Decimal, reason string) (*CreditEntry, error)

func (h *Handler) move(c *gin.Context, op creditOp) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	amount := money.MustParse(req.Amount)
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	entry, err := op(c.Request.Context(), c.Param("customerId"), amount, reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	bal, err := h.svc.Balance(c.Request.Context(), c.Param("customerId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "balance": bal.Balance})
}

// GetCompanyBalance handles GET /company/balance
func (h *Handler) GetCompanyBalance(c *gin.Context) {
	stmt, err := h.svc.CompanyBalance(c.Request.Context())
	if err != nil {
		h.logger.Error("company balance failed", "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, stmt)
}
