package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks the lifecycle of a consultation session.
// Transitions are monotonic: ENDED is terminal and a session never leaves it.
type SessionStatus string

const (
	SessionPendingBilling SessionStatus = "PENDING_BILLING"
	SessionActive         SessionStatus = "ACTIVE"
	SessionEnding         SessionStatus = "ENDING"
	SessionEnded          SessionStatus = "ENDED"
)

// EndCause records why a session reached ENDED
type EndCause string

const (
	EndCauseHangup          EndCause = "hangup"
	EndCauseDurationExpired EndCause = "duration_expired"
	EndCauseGraceTimeout    EndCause = "grace_timeout"
	EndCauseAdmissionFailed EndCause = "admission_failed"
)

// Session represents an admitted consultation between a requester and an advisor
type Session struct {
	Room            string        `json:"room"`
	RequesterID     uuid.UUID     `json:"requester_id"`
	AdvisorID       uuid.UUID     `json:"advisor_id"`
	DurationSeconds int           `json:"duration_seconds"`
	Cost            int64         `json:"cost"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	EndCause        EndCause      `json:"end_cause,omitempty"`
}

// Invitation is the ephemeral record between call_request and accept/reject.
// It is never persisted.
type Invitation struct {
	Room            string    `json:"room"`
	RequesterID     uuid.UUID `json:"requester_id"`
	RequesterName   string    `json:"requester_name"`
	AdvisorID       uuid.UUID `json:"advisor_id"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}
