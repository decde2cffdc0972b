package wallet

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/cockroach"
	"consultlink-backend/pkg/pagination"
	"consultlink-backend/pkg/response"
)

// Store reads account balances and the billing ledger
type Store interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	GetLedgerEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Handler handles wallet HTTP requests
type Handler struct {
	wallets Store
}

// NewHandler creates a new wallet handler
func NewHandler(wallets Store) *Handler {
	return &Handler{wallets: wallets}
}

// GetWallet returns the caller's current balance
// GET /api/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	account, err := h.wallets.GetAccount(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, cockroach.ErrAccountNotFound) {
			response.NotFound(c, "Account not found")
			return
		}
		response.InternalError(c, "Failed to load wallet")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
	})
}

// GetLedger lists the caller's debit and refund entries, newest first
// GET /api/wallet/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	entries, err := h.wallets.GetLedgerEntries(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.InternalError(c, "Failed to load ledger")
		return
	}

	total, err := h.wallets.CountLedgerEntries(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "Failed to load ledger")
		return
	}

	response.Success(c, http.StatusOK, pagination.NewResponse(params, total, entries))
}

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
