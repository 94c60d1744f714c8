package contracts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the revision workshop.
type Handler struct {
	service *Service
}

// NewHandler creates a new contracts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up workshop routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/revisions", h.CreateRevision)
	r.GET("/revisions/:id", h.GetRevision)
	r.POST("/revisions/:id/status", h.SetRevisionStatus)
	r.POST("/revisions/:id/comments", h.AddComment)
	r.GET("/revisions/:id/comments", h.ListComments)
	r.POST("/comments/:commentId/resolve", h.ResolveComment)
	r.GET("/negotiations/:id/revisions", h.ListRevisions)
	r.GET("/contracts/:id/current-revision", h.GetCurrentRevision)
}

// CreateRevision handles POST /v1/revisions
func (h *Handler) CreateRevision(c *gin.Context) {
	var req CreateRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	revision, err := h.service.CreateRevision(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"revision": revision})
}

// GetRevision handles GET /v1/revisions/:id
func (h *Handler) GetRevision(c *gin.Context) {
	revision, err := h.service.GetRevision(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": revision})
}

// SetRevisionStatus handles POST /v1/revisions/:id/status
func (h *Handler) SetRevisionStatus(c *gin.Context) {
	var req SetRevisionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	revision, err := h.service.SetRevisionStatus(c.Request.Context(), c.Param("id"), req.ActorID, req.Status)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": revision})
}

// AddComment handles POST /v1/revisions/:id/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	comment, err := h.service.AddComment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": comment})
}

// ListComments handles GET /v1/revisions/:id/comments
func (h *Handler) ListComments(c *gin.Context) {
	comments, err := h.service.ListComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// ResolveComment handles POST /v1/comments/:commentId/resolve
func (h *Handler) ResolveComment(c *gin.Context) {
	var req ResolveCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	comment, err := h.service.ResolveComment(c.Request.Context(), c.Param("commentId"), req.ActorID, req.Resolved)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comment": comment})
}

// ListRevisions handles GET /v1/negotiations/:id/revisions
func (h *Handler) ListRevisions(c *gin.Context) {
	revisions, err := h.service.ListRevisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revisions": revisions})
}

// GetCurrentRevision handles GET /v1/contracts/:id/current-revision
func (h *Handler) GetCurrentRevision(c *gin.Context) {
	revision, err := h.service.GetCurrentRevision(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": revision})
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
	case errors.Is(err, ErrContractNotFound),
		errors.Is(err, ErrRevisionNotFound),
		errors.Is(err, ErrCommentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
