package challenge

import (
	"errors"
	"io"

	apperrors "github.com/ahwlsqja/nonce-guard/internal/common/errors"
	"github.com/ahwlsqja/nonce-guard/internal/common/middleware"
	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests for nonce operations
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers nonce routes on the router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	nonces := rg.Group("/nonces")
	{
		nonces.POST("", h.IssueNonce)
		nonces.POST("/validate", h.ValidateNonce)
	}
}

// IssueNonce godoc
// @Summary Issue a nonce
// @Description Issue a signed, time-bounded nonce optionally bound to a salt
// @Tags nonces
// @Accept json
// @Produce json
// @Param request body IssueNonceRequest false "Optional salt"
// @Success 201 {object} middleware.SuccessResponse{data=NonceResponse} "Nonce issued"
// @Failure 400 {object} middleware.ErrorResponse "Invalid input"
// @Failure 503 {object} middleware.ErrorResponse "Service shutting down"
// @Router /api/v1/nonces [post]
func (h *Handler) IssueNonce(c *gin.Context) {
	var req IssueNonceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.RespondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	resp, err := h.service.IssueNonce(c.Request.Context(), &req)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	middleware.RespondCreated(c, resp)
}

// ValidateNonce godoc
// @Summary Validate a nonce
// @Description Check freshness, signature and replay state of a nonce. The reason for a rejection is never returned.
// @Tags nonces
// @Accept json
// @Produce json
// @Param request body ValidateNonceRequest true "Nonce to validate"
// @Success 200 {object} middleware.SuccessResponse{data=ValidationResponse} "Validation outcome"
// @Failure 400 {object} middleware.ErrorResponse "Malformed nonce or invalid input"
// @Router /api/v1/nonces/validate [post]
func (h *Handler) ValidateNonce(c *gin.Context) {
	var req ValidateNonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	resp, err := h.service.ValidateNonce(c.Request.Context(), &req)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	middleware.RespondOK(c, resp)
}
