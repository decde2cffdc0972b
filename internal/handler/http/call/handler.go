package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/service/billing"
	"consultlink-backend/pkg/pagination"
	"consultlink-backend/pkg/response"
)

// SessionHistoryStore lists persisted session records for the history endpoint
type SessionHistoryStore interface {
	GetUserSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Session, error)
	CountUserSessions(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Handler handles consultation-call HTTP requests
type Handler struct {
	billingService *billing.Service
	sessions       SessionHistoryStore
}

// NewHandler creates a new call handler
func NewHandler(billingService *billing.Service, sessions SessionHistoryStore) *Handler {
	return &Handler{
		billingService: billingService,
		sessions:       sessions,
	}
}

// PrecheckRequest represents a pre-call affordability check
type PrecheckRequest struct {
	AdvisorID       string `json:"advisor_id" binding:"required,uuid"`
	DurationSeconds int    `json:"duration_seconds" binding:"required,min=1"`
}

// Precheck prices a consultation against the caller's balance
// POST /api/calls/precheck
func (h *Handler) Precheck(c *gin.Context) {
	var req PrecheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	advisorID, err := uuid.Parse(req.AdvisorID)
	if err != nil {
		response.ValidationError(c, "Invalid advisor ID")
		return
	}

	quote, err := h.billingService.CheckAffordability(c.Request.Context(), userID, advisorID, req.DurationSeconds)
	if err != nil {
		response.AppError(c, err)
		return
	}

	if !quote.Affordable {
		response.Success(c, http.StatusPaymentRequired, gin.H{
			"affordable":      false,
			"required_amount": quote.Cost,
			"current_balance": quote.CurrentBalance,
		})
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"affordable":           true,
		"cost":                 quote.Cost,
		"current_balance":      quote.CurrentBalance,
		"max_duration_seconds": quote.MaxDurationSeconds,
	})
}

// History lists the caller's past consultations, newest first
// GET /api/calls/history
func (h *Handler) History(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.sessions.GetUserSessions(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.InternalError(c, "Failed to load consultation history")
		return
	}

	total, err := h.sessions.CountUserSessions(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "Failed to load consultation history")
		return
	}

	response.Success(c, http.StatusOK, pagination.NewResponse(params, total, sessions))
}

// authenticatedUser pulls the principal set by the auth middleware
func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}

	return userID, true
}
