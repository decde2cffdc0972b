package domain

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntryType distinguishes debits from compensating credits
type LedgerEntryType string

const (
	LedgerDebit  LedgerEntryType = "DEBIT"
	LedgerRefund LedgerEntryType = "REFUND"
)

// LedgerEntry is an immutable, append-only billing record. Exactly one DEBIT
// entry exists per admitted session, written in the same transaction as the
// balance decrement.
type LedgerEntry struct {
	EntryID         uuid.UUID       `json:"entry_id"`
	RequesterID     uuid.UUID       `json:"requester_id"`
	AdvisorID       uuid.UUID       `json:"advisor_id"`
	Amount          int64           `json:"amount"`
	DurationSeconds int             `json:"duration_seconds"`
	Type            LedgerEntryType `json:"type"`
	Room            string          `json:"room,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Wallet is a requester's prepaid balance, in minor currency units
type Wallet struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}
