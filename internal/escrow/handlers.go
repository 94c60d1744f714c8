package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the escrow ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetAccount)
	r.POST("/escrow/:id/fund", h.Fund)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/escrow/:id/refund", h.Refund)
	r.POST("/escrow/:id/dispute", h.OpenDispute)
	r.POST("/escrow/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/escrow/:id/reconcile", h.Reconcile)
}

// RegisterWebhookRoutes sets up the provider callback endpoint. It is
// registered outside the authenticated group.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/escrow", h.ProviderWebhook)
}

// TransferRequestBody is the body for fund/release/refund endpoints.
type TransferRequestBody struct {
	Amount    float64 `json:"amount" binding:"required"`
	Reference string  `json:"reference"`
}

// DisputeRequestBody is the body for the dispute endpoint.
type DisputeRequestBody struct {
	OpenedBy string  `json:"openedBy" binding:"required"`
	Reason   string  `json:"reason" binding:"required"`
	Amount   float64 `json:"amount"`
}

// ResolveDisputeRequestBody is the body for the dispute resolution endpoint.
type ResolveDisputeRequestBody struct {
	ActorID string `json:"actorId" binding:"required"`
}

// GetAccount handles GET /v1/escrow/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// Fund handles POST /v1/escrow/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req TransferRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	account, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req TransferRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	account, warning, err := h.service.Release(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondErr(c, err)
		return
	}
	resp := gin.H{"account": account}
	if warning != "" {
		resp["warning"] = warning
	}
	c.JSON(http.StatusOK, resp)
}

// Refund handles POST /v1/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req TransferRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	account, warning, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondErr(c, err)
		return
	}
	resp := gin.H{"account": account}
	if warning != "" {
		resp["warning"] = warning
	}
	c.JSON(http.StatusOK, resp)
}

// OpenDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	account, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.OpenedBy, req.Reason, req.Amount)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// ResolveDispute handles POST /v1/escrow/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	account, err := h.service.ReturnToFunded(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// Reconcile handles POST /v1/escrow/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": result})
}

// ProviderWebhook handles POST /v1/webhooks/escrow
func (h *Handler) ProviderWebhook(c *gin.Context) {
	var env WebhookEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c)
		return
	}

	if err := h.service.HandleWebhook(c.Request.Context(), env); err != nil {
		// Unknown accounts are acknowledged so the provider stops retrying
		// notifications for escrows we never opened.
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func respondErr(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error":   Code(err),
		"message": err.Error(),
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDisputed), errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
