package advisor

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/response"
)

// OnlineDirectory reports the identities currently holding a live connection
type OnlineDirectory interface {
	GetOnline(ctx context.Context) ([]uuid.UUID, error)
}

// AdvisorStore resolves advisor profiles for directory listings
type AdvisorStore interface {
	GetByIDs(ctx context.Context, advisorIDs []uuid.UUID) ([]*domain.Advisor, error)
}

// Handler handles advisor directory HTTP requests
type Handler struct {
	directory OnlineDirectory
	advisors  AdvisorStore
}

// NewHandler creates a new advisor handler
func NewHandler(directory OnlineDirectory, advisors AdvisorStore) *Handler {
	return &Handler{
		directory: directory,
		advisors:  advisors,
	}
}

// OnlineAdvisor is one entry in the online directory listing
type OnlineAdvisor struct {
	AdvisorID     uuid.UUID `json:"advisor_id"`
	DisplayName   string    `json:"display_name"`
	RatePerMinute int64     `json:"rate_per_minute"`
}

// ListOnline returns the advisors currently reachable for calls. Identities
// in the online set without an advisor profile are plain requesters and are
// filtered out here.
// GET /api/advisors/online
func (h *Handler) ListOnline(c *gin.Context) {
	ids, err := h.directory.GetOnline(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Failed to load online directory")
		return
	}

	if len(ids) == 0 {
		response.Success(c, http.StatusOK, []OnlineAdvisor{})
		return
	}

	advisors, err := h.advisors.GetByIDs(c.Request.Context(), ids)
	if err != nil {
		response.InternalError(c, "Failed to load advisor profiles")
		return
	}

	listing := make([]OnlineAdvisor, 0, len(advisors))
	for _, a := range advisors {
		listing = append(listing, OnlineAdvisor{
			AdvisorID:     a.AdvisorID,
			DisplayName:   a.DisplayName,
			RatePerMinute: a.RatePerMinute,
		})
	}

	response.Success(c, http.StatusOK, listing)
}
