package negotiation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the negotiation engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up negotiation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.Create)
	r.GET("/negotiations/:id", h.Get)
	r.GET("/negotiations/:id/snapshot", h.GetSnapshot)
	r.GET("/negotiations/:id/events", h.ListEvents)
	r.POST("/negotiations/:id/counter", h.SubmitCounterOffer)
	r.POST("/negotiations/:id/accept", h.AcceptOffer)
	r.POST("/negotiations/:id/cancel", h.Cancel)
	r.GET("/parties/:partyId/negotiations", h.ListByParty)
	r.GET("/listings/:listingId/negotiations", h.ListByListing)
}

// RegisterAdminRoutes sets up operator-only negotiation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations/:id/cancel", h.AdminCancel)
	r.POST("/negotiations/expire", h.ExpireNow)
}

// Create handles POST /v1/negotiations
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	n, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// Get handles GET /v1/negotiations/:id
func (h *Handler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// GetSnapshot handles GET /v1/negotiations/:id/snapshot
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, err := h.service.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// ListEvents handles GET /v1/negotiations/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	recs, err := h.service.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

// SubmitCounterOffer handles POST /v1/negotiations/:id/counter
func (h *Handler) SubmitCounterOffer(c *gin.Context) {
	var req CounterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	n, err := h.service.SubmitCounterOffer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// AcceptOffer handles POST /v1/negotiations/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	n, err := h.service.AcceptOffer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// Cancel handles POST /v1/negotiations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelNegotiationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	n, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// AdminCancel handles POST /v1/admin/negotiations/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req CancelNegotiationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	req.Admin = true

	n, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// ExpireNow handles POST /v1/admin/negotiations/expire
func (h *Handler) ExpireNow(c *gin.Context) {
	expired := h.service.ExpireNegotiations(c.Request.Context(), timeNow(), expirySweepLimit)
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// ListByParty handles GET /v1/parties/:partyId/negotiations
func (h *Handler) ListByParty(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	role := Role(strings.ToUpper(c.Query("role")))
	if role != "" && role != RoleBuyer && role != RoleSeller {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "role must be BUYER or SELLER",
		})
		return
	}

	list, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), role, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": list})
}

// ListByListing handles GET /v1/listings/:listingId/negotiations
func (h *Handler) ListByListing(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)
	list, err := h.service.ListByListing(c.Request.Context(), c.Param("listingId"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": list})
}

func parseLimit(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
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
	case errors.Is(err, ErrClosed), errors.Is(err, ErrOutOfTurn):
		return http.StatusConflict
	case errors.Is(err, ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, ErrSelfDeal), errors.Is(err, ErrEmptyOffer), errors.Is(err, ErrInvalidOffer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
