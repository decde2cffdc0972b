package broker

import "github.com/google/uuid"

// Outbound signaling event names
const (
	EventIncomingCall    = "incoming_call"
	EventCallAccepted    = "call_accepted"
	EventCallFailed      = "call_failed"
	EventForceDisconnect = "force_disconnect"
)

// IncomingCallPayload is delivered to an advisor when a requester calls
type IncomingCallPayload struct {
	RequesterID     uuid.UUID `json:"requester_id"`
	RequesterName   string    `json:"requester_name"`
	DurationSeconds int       `json:"duration_seconds"`
	Room            string    `json:"room"`
}

// CallAcceptedPayload carries a party's own capability grant for the room
type CallAcceptedPayload struct {
	Room        string    `json:"room"`
	Token       string    `json:"token"`
	RequesterID uuid.UUID `json:"requester_id"`
}

// CallFailedPayload reports an admission failure. The amounts are only set
// for insufficient-funds declines so the client can prompt a top-up.
type CallFailedPayload struct {
	Message        string `json:"message"`
	RequiredAmount int64  `json:"required_amount,omitempty"`
	CurrentBalance int64  `json:"current_balance,omitempty"`
}
