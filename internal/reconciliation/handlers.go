package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditsaga/internal/apperr"
)

// Handler exposes an on-demand reconciliation run.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up reconciliation routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/company/reconciliation", h.Reconcile)
}

// Reconcile handles GET /company/reconciliation
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
