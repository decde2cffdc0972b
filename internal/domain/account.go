package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a requester-side user record. Profile CRUD is owned by the auth
// collaborator; the broker only reads the fields it bills against.
type Account struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

// Advisor is a provider-side record with the per-minute consultation rate
type Advisor struct {
	AdvisorID     uuid.UUID `json:"advisor_id"`
	DisplayName   string    `json:"display_name"`
	RatePerMinute int64     `json:"rate_per_minute"`
	CreatedAt     time.Time `json:"created_at"`
}
