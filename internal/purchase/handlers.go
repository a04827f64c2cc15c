package purchase

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/apperr"
	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/idempotency"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/pagination"
	"github.com/mbd888/creditsaga/internal/validation"
)

// Handler provides HTTP endpoints for purchases, shipments and refund requests
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new purchase handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up purchase routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, keys *idempotency.Middleware) {
	r.POST("/purchases", keys.Required(), h.CreatePurchase)
	r.GET("/purchases", h.ListPurchases)

	p := r.Group("/purchases/:id", validation.IDParamMiddleware("id"))
	p.GET("", h.GetPurchase)
	p.GET("/transactions", h.ListTransactions)
	p.POST("/cancel", keys.Required(), h.CancelPurchase)
	p.POST("/refund-requests", keys.Optional(), h.CreateRefundRequest)

	r.PATCH("/shipments/:shipmentId", validation.IDParamMiddleware("shipmentId"), keys.Required(), h.UpdateShipment)

	r.GET("/refund-requests", h.ListRefundRequests)
	rr := r.Group("/refund-requests/:id", validation.IDParamMiddleware("id"))
	rr.GET("", h.GetRefundRequest)
	rr.POST("/approve", keys.Required(), h.ApproveRefundRequest)
	rr.POST("/reject", keys.Optional(), h.RejectRefundRequest)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

type createPurchaseRequest struct {
	CustomerID      string            `json:"customerId" binding:"required"`
	ProductID       string            `json:"productId" binding:"required"`
	Quantity        int               `json:"quantity"`
	PromoCode       string            `json:"promoCode"`
	ShippingAddress *external.Address `json:"shippingAddress"`
}

// CreatePurchase handles POST /purchases
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req createPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "customerId and productId are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidID("customerId", req.CustomerID),
		validation.ValidID("productId", req.ProductID),
		validation.PositiveInt("quantity", req.Quantity),
		validation.MaxLength("promoCode", req.PromoCode, 64),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	p, err := h.svc.CreatePurchase(c.Request.Context(), CreateRequest{
		CustomerID:      req.CustomerID,
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		PromoCode:       validation.SanitizeString(req.PromoCode, 64),
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		h.logger.Warn("purchase failed", "customer_id", req.CustomerID, "product_id", req.ProductID, "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// ListPurchases handles GET /purchases
func (h *Handler) ListPurchases(c *gin.Context) {
	page, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	customerID := c.Query("customerId")
	if customerID != "" && !validation.IsValidID(customerID) {
		badRequest(c, "invalid customerId")
		return
	}

	res, err := h.svc.List(c.Request.Context(), customerID, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPurchase handles GET /purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListTransactions handles GET /purchases/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.svc.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type customerRequest struct {
	CustomerID string `json:"customerId" binding:"required"`
}

// CancelPurchase handles POST /purchases/:id/cancel
func (h *Handler) CancelPurchase(c *gin.Context) {
	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "customerId is required")
		return
	}

	p, err := h.svc.CancelPurchase(c.Request.Context(), c.Param("id"), req.CustomerID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type shipmentStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateShipment handles PATCH /shipments/:shipmentId
func (h *Handler) UpdateShipment(c *gin.Context) {
	var req shipmentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("status", req.Status,
			string(external.ShipmentProcessing), string(external.ShipmentShipped),
			string(external.ShipmentDelivered), string(external.ShipmentReturned),
			string(external.ShipmentCancelled)),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	out, err := h.svc.UpdateShipmentStatus(c.Request.Context(), c.Param("shipmentId"), external.ShipmentStatus(req.Status))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type refundRequestBody struct {
	CustomerID string `json:"customerId" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Reason     string `json:"reason"`
	Amount     string `json:"amount"`
}

// CreateRefundRequest handles POST /purchases/:id/refund-requests
func (h *Handler) CreateRefundRequest(c *gin.Context) {
	var req refundRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "customerId and type are required")
		return
	}
	checks := []validation.Rule{
		validation.ValidID("customerId", req.CustomerID),
		validation.OneOf("type", req.Type, string(KindReturn), string(KindRefund)),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	}
	if req.Amount != "" {
		checks = append(checks, validation.ValidAmount("amount", req.Amount))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	in := RefundInput{
		CustomerID: req.CustomerID,
		PurchaseID: c.Param("id"),
		Kind:       RefundKind(req.Type),
		Reason:     validation.SanitizeString(req.Reason, validation.MaxStringLength),
	}
	if req.Amount != "" {
		amount := money.MustParse(req.Amount)
		in.RequestedAmount = &amount
	}

	r, err := h.svc.CreateRefundRequest(c.Request.Context(), in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// ListRefundRequests handles GET /refund-requests
func (h *Handler) ListRefundRequests(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID != "" && !validation.IsValidID(customerID) {
		badRequest(c, "invalid customerId")
		return
	}
	reqs, err := h.svc.ListRefundRequests(c.Request.Context(), RequestFilter{
		Status:     RequestStatus(c.Query("status")),
		CustomerID: customerID,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refundRequests": reqs, "count": len(reqs)})
}

// GetRefundRequest handles GET /refund-requests/:id
func (h *Handler) GetRefundRequest(c *gin.Context) {
	r, err := h.svc.GetRefundRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type reviewRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

// bindReview accepts an empty body.
func bindReview(c *gin.Context) (reviewRequest, bool) {
	var req reviewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return req, false
		}
	}
	checks := []validation.Rule{
		validation.MaxLength("note", req.Note, validation.MaxStringLength),
	}
	if req.Amount != "" {
		checks = append(checks, validation.ValidAmount("amount", req.Amount))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return req, false
	}
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)
	return req, true
}

// ApproveRefundRequest handles POST /refund-requests/:id/approve
func (h *Handler) ApproveRefundRequest(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		a := money.MustParse(req.Amount)
		amount = &a
	}

	r, err := h.svc.ApproveRefundRequest(c.Request.Context(), c.Param("id"), amount, req.Note)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// RejectRefundRequest handles POST /refund-requests/:id/reject
func (h *Handler) RejectRefundRequest(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	r, err := h.svc.RejectRefundRequest(c.Request.Context(), c.Param("id"), req.Note)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
