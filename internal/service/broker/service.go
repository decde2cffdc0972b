// Package broker implements the session state machine at the heart of the
// consultation service: it matches requesters to online advisors, gates
// admission on a billing authorization, hands out media-room grants, and
// enforces duration limits and disconnect grace periods.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/presence"
	"consultlink-backend/internal/service/billing"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

// BillingGate authorizes and reverses session debits
type BillingGate interface {
	Authorize(ctx context.Context, requesterID, advisorID uuid.UUID, durationSeconds int, room string) (*billing.Authorization, error)
	Refund(ctx context.Context, auth *billing.Authorization) error
}

// GrantIssuer mints room-scoped capability tokens for the media transport
type GrantIssuer interface {
	Mint(identity uuid.UUID, room, displayName string) (string, error)
}

// AdvisorDirectory resolves advisor display names for grant minting
type AdvisorDirectory interface {
	GetByID(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error)
}

// SessionStore persists session records for history; writes are best-effort
// and never gate a state transition
type SessionStore interface {
	Create(ctx context.Context, session *domain.Session) error
	MarkEnded(ctx context.Context, room string, cause domain.EndCause, endedAt time.Time) error
}

// session is the broker's live view of one admitted (or admitting) session
type session struct {
	domain.Session
	admitting bool
}

// Service is the session state machine. A single mutex serializes all state
// transitions; the blocking billing and grant calls run outside it with the
// room reserved, so concurrent operations on the same room are rejected
// rather than interleaved.
type Service struct {
	mu       sync.Mutex
	invites  map[string]*domain.Invitation
	sessions map[string]*session
	byParty  map[uuid.UUID]string

	registry *presence.Registry
	timers   *TimerManager
	billing  BillingGate
	grants   GrantIssuer
	advisors AdvisorDirectory
	store    SessionStore
	metrics  *metrics.Metrics

	gracePeriod time.Duration
	inviteTTL   time.Duration
}

// Config bundles the broker's collaborators
type Config struct {
	Registry    *presence.Registry
	Timers      *TimerManager
	Billing     BillingGate
	Grants      GrantIssuer
	Advisors    AdvisorDirectory
	Store       SessionStore // may be nil
	Metrics     *metrics.Metrics
	GracePeriod time.Duration
	InviteTTL   time.Duration // defaults to constants.InvitationTTL
}

// NewService creates the session broker
func NewService(cfg *Config) *Service {
	inviteTTL := cfg.InviteTTL
	if inviteTTL <= 0 {
		inviteTTL = constants.InvitationTTL
	}
	return &Service{
		invites:     make(map[string]*domain.Invitation),
		sessions:    make(map[string]*session),
		byParty:     make(map[uuid.UUID]string),
		registry:    cfg.Registry,
		timers:      cfg.Timers,
		billing:     cfg.Billing,
		grants:      cfg.Grants,
		advisors:    cfg.Advisors,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		gracePeriod: cfg.GracePeriod,
		inviteTTL:   inviteTTL,
	}
}

// NewRoomID builds a globally unique room identifier for one invitation
// attempt. The random suffix keeps repeated calls between the same pair from
// colliding with a stale room.
func NewRoomID(requesterID, advisorID uuid.UUID) string {
	return fmt.Sprintf("room-%s-%s-%s", requesterID, advisorID, uuid.New())
}

// RequestCall looks up the advisor's presence and either forwards an invite
// carrying a fresh room identifier, or signals a terminal "offline" failure
// to the requester. An advisor already in an active room is unreachable for
// new invites.
func (s *Service) RequestCall(ctx context.Context, requesterID uuid.UUID, requesterName string, advisorID uuid.UUID, durationSeconds int) error {
	if durationSeconds <= 0 {
		return apperrors.ProtocolError("duration_seconds must be positive")
	}
	if requesterID == advisorID {
		return apperrors.ProtocolError("requester and advisor must differ")
	}

	advisorConn, online := s.registry.Lookup(advisorID)

	s.mu.Lock()
	_, busy := s.byParty[advisorID]
	if !online || busy {
		s.mu.Unlock()
		outcome := "offline"
		if busy {
			outcome = "busy"
		}
		s.recordInvite(outcome)
		s.notify(requesterID, EventCallFailed, CallFailedPayload{Message: "Advisor is offline."})
		return nil
	}

	invite := &domain.Invitation{
		Room:            NewRoomID(requesterID, advisorID),
		RequesterID:     requesterID,
		RequesterName:   requesterName,
		AdvisorID:       advisorID,
		DurationSeconds: durationSeconds,
		CreatedAt:       time.Now(),
	}
	s.invites[invite.Room] = invite
	s.mu.Unlock()

	err := advisorConn.Send(EventIncomingCall, IncomingCallPayload{
		RequesterID:     requesterID,
		RequesterName:   requesterName,
		DurationSeconds: durationSeconds,
		Room:            invite.Room,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.invites, invite.Room)
		s.mu.Unlock()
		s.recordInvite("offline")
		s.notify(requesterID, EventCallFailed, CallFailedPayload{Message: "Advisor is offline."})
		return nil
	}

	// An unanswered invite must not stay acceptable forever
	time.AfterFunc(s.inviteTTL, func() {
		s.expireInvite(invite)
	})

	s.recordInvite("delivered")
	logger.Debug("Invite delivered",
		zap.String("room", invite.Room),
		zap.String("advisor_id", advisorID.String()))
	return nil
}

// expireInvite drops an invitation that was neither accepted nor rejected
// within the TTL and signals a terminal "timeout" failure to the requester.
// The pointer comparison makes the expiry a no-op once the invite has been
// consumed; a fresh invite for the same pair lives under a new room.
func (s *Service) expireInvite(invite *domain.Invitation) {
	s.mu.Lock()
	current, ok := s.invites[invite.Room]
	if !ok || current != invite {
		s.mu.Unlock()
		return
	}
	delete(s.invites, invite.Room)
	s.mu.Unlock()

	s.recordInvite("timeout")
	s.notify(invite.RequesterID, EventCallFailed, CallFailedPayload{Message: "Call timed out."})
	logger.Debug("Invitation expired",
		zap.String("room", invite.Room),
		zap.String("advisor_id", invite.AdvisorID.String()))
}

// RejectCall handles an explicit decline from the advisor: the invitation is
// dropped and the requester receives a terminal "rejected" failure.
func (s *Service) RejectCall(ctx context.Context, advisorID uuid.UUID, room string) error {
	s.mu.Lock()
	invite, ok := s.invites[room]
	if !ok || invite.AdvisorID != advisorID {
		s.mu.Unlock()
		return apperrors.ProtocolError("no pending invitation for room")
	}
	delete(s.invites, room)
	s.mu.Unlock()

	s.recordInvite("rejected")
	s.notify(invite.RequesterID, EventCallFailed, CallFailedPayload{Message: "Call rejected."})
	return nil
}

// AcceptCall drives the PENDING_BILLING → ACTIVE transition: it reserves the
// room, invokes the billing gate exactly once, mints one capability grant
// per party, joins both parties, arms the duration timer, and delivers the
// grants. Any failure before the debit commits leaves no trace; a grant
// failure after the debit triggers a compensating refund.
func (s *Service) AcceptCall(ctx context.Context, advisorID, requesterID uuid.UUID, room string, durationSeconds int) error {
	s.mu.Lock()
	invite, ok := s.invites[room]
	if !ok {
		// Either the room was never invited or a concurrent accept won
		_, exists := s.sessions[room]
		s.mu.Unlock()
		if exists {
			return apperrors.SessionConflictError("room already admitted")
		}
		return apperrors.ProtocolError("no pending invitation for room")
	}
	if invite.AdvisorID != advisorID || invite.RequesterID != requesterID {
		s.mu.Unlock()
		return apperrors.ProtocolError("invitation does not match accepting parties")
	}
	if durationSeconds != invite.DurationSeconds {
		s.mu.Unlock()
		return apperrors.ProtocolError("duration does not match invitation")
	}
	if _, busy := s.byParty[requesterID]; busy {
		s.mu.Unlock()
		return apperrors.SessionConflictError("requester already in a session")
	}
	if _, busy := s.byParty[advisorID]; busy {
		s.mu.Unlock()
		return apperrors.SessionConflictError("advisor already in a session")
	}

	// Reserve the room: concurrent operations on it are rejected until the
	// admission transition completes
	sess := &session{
		Session: domain.Session{
			Room:            room,
			RequesterID:     requesterID,
			AdvisorID:       advisorID,
			DurationSeconds: durationSeconds,
			Status:          domain.SessionPendingBilling,
		},
		admitting: true,
	}
	s.sessions[room] = sess
	s.byParty[requesterID] = room
	s.byParty[advisorID] = room
	delete(s.invites, room)
	s.mu.Unlock()

	auth, err := s.billing.Authorize(ctx, requesterID, advisorID, durationSeconds, room)
	if err != nil {
		s.abortAdmission(room, requesterID, advisorID)
		s.notifyAdmissionFailure(requesterID, advisorID, err)
		return err
	}

	requesterToken, advisorToken, err := s.mintGrants(ctx, invite, room)
	if err != nil {
		// Billing has committed; reverse it before tearing down
		if refundErr := s.billing.Refund(ctx, auth); refundErr != nil {
			logger.Error("Compensating refund failed",
				zap.String("room", room),
				zap.String("requester_id", requesterID.String()),
				zap.Error(refundErr))
		}
		s.abortAdmission(room, requesterID, advisorID)
		s.notifyAdmissionFailure(requesterID, advisorID, err)
		return err
	}

	now := time.Now()
	s.mu.Lock()
	sess.Status = domain.SessionActive
	sess.Cost = auth.Cost
	sess.StartedAt = now
	sess.admitting = false
	s.mu.Unlock()

	if err := s.timers.ArmDuration(room, time.Duration(durationSeconds)*time.Second, func() {
		s.EndSession(context.Background(), room, domain.EndCauseDurationExpired)
	}); err != nil {
		// Unreachable for correctly generated rooms; log and continue
		logger.Warn("Duration timer already armed", zap.String("room", room))
	}

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.persistCreate(ctx, &sess.Session)

	// Deliver each party its own grant through its current presence entry;
	// a party that dropped during admission gets a grace timer instead
	s.deliverOrArmGrace(requesterID, room, CallAcceptedPayload{Room: room, Token: requesterToken, RequesterID: requesterID})
	s.deliverOrArmGrace(advisorID, room, CallAcceptedPayload{Room: room, Token: advisorToken, RequesterID: requesterID})

	logger.Info("Session admitted",
		zap.String("room", room),
		zap.String("requester_id", requesterID.String()),
		zap.String("advisor_id", advisorID.String()),
		zap.Int("duration_seconds", durationSeconds),
		zap.Int64("cost", auth.Cost))
	return nil
}

// EndSession transitions a session to ENDED exactly once. Second and later
// calls on the same room are no-ops. Pending duration and grace timers for
// the room are cancelled and every handle still joined receives the
// termination notice.
func (s *Service) EndSession(ctx context.Context, room string, cause domain.EndCause) error {
	s.mu.Lock()
	sess, ok := s.sessions[room]
	if !ok || sess.Status == domain.SessionEnded {
		s.mu.Unlock()
		return nil
	}
	if sess.admitting {
		s.mu.Unlock()
		return apperrors.SessionConflictError("admission in progress for room")
	}

	now := time.Now()
	sess.Status = domain.SessionEnded
	sess.EndedAt = &now
	sess.EndCause = cause
	requesterID, advisorID := sess.RequesterID, sess.AdvisorID
	delete(s.byParty, sess.RequesterID)
	delete(s.byParty, sess.AdvisorID)
	delete(s.sessions, room)
	s.mu.Unlock()

	s.timers.CancelDuration(room)
	s.timers.CancelGraceForRoom(room)

	s.notify(requesterID, EventForceDisconnect, struct{}{})
	s.notify(advisorID, EventForceDisconnect, struct{}{})

	if s.metrics != nil {
		s.metrics.SessionEnded(string(cause))
	}
	s.persistEnd(ctx, room, cause, now)

	logger.Info("Session ended",
		zap.String("room", room),
		zap.String("cause", string(cause)))
	return nil
}

// HandleDisconnect arms the grace period for a party that dropped out of an
// active session. Disconnection is expected on network hiccups and page
// reloads and must not be conflated with an intentional hangup.
func (s *Service) HandleDisconnect(identity uuid.UUID) {
	s.mu.Lock()
	room, inSession := s.byParty[identity]
	var active bool
	if inSession {
		if sess, ok := s.sessions[room]; ok {
			active = sess.Status == domain.SessionActive && !sess.admitting
		}
	}
	s.mu.Unlock()

	if !active {
		return
	}

	s.armGrace(identity, room)
}

// HandleReconnect resumes a session after a transport drop: it verifies the
// reconnecting identity actually belongs to the room, cancels the matching
// grace timer, and re-registers the fresh connection handle. A reconnect
// naming the wrong room leaves any pending grace timer untouched.
func (s *Service) HandleReconnect(identity uuid.UUID, room string, conn presence.Conn) error {
	if room == "" {
		return apperrors.ProtocolError("room is required on reconnect")
	}

	s.mu.Lock()
	sess, ok := s.sessions[room]
	member := ok && (sess.RequesterID == identity || sess.AdvisorID == identity)
	active := member && sess.Status == domain.SessionActive
	s.mu.Unlock()

	if !member {
		return apperrors.SessionNotFoundError()
	}
	if !active {
		return apperrors.SessionConflictError("session is not active")
	}

	s.registry.Register(identity, conn)

	if s.timers.CancelGrace(identity, room) {
		if s.metrics != nil {
			s.metrics.GraceCancelled()
		}
		logger.Info("Reconnect cancelled grace timer",
			zap.String("identity", identity.String()),
			zap.String("room", room))
	}

	return nil
}

// ActiveRoom reports the room an identity is currently admitted to
func (s *Service) ActiveRoom(identity uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.byParty[identity]
	return room, ok
}

// abortAdmission removes a reserved room after a failed admission
func (s *Service) abortAdmission(room string, requesterID, advisorID uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, room)
	delete(s.byParty, requesterID)
	delete(s.byParty, advisorID)
	s.mu.Unlock()
}

// mintGrants obtains one capability token per party, both bound to room
func (s *Service) mintGrants(ctx context.Context, invite *domain.Invitation, room string) (requesterToken, advisorToken string, err error) {
	advisorName := ""
	if advisor, advErr := s.advisors.GetByID(ctx, invite.AdvisorID); advErr == nil {
		advisorName = advisor.DisplayName
	}

	requesterToken, err = s.grants.Mint(invite.RequesterID, room, invite.RequesterName)
	if err != nil {
		return "", "", apperrors.ExternalServiceError("grant issuer", err)
	}
	advisorToken, err = s.grants.Mint(invite.AdvisorID, room, advisorName)
	if err != nil {
		return "", "", apperrors.ExternalServiceError("grant issuer", err)
	}
	return requesterToken, advisorToken, nil
}

// deliverOrArmGrace sends payload to the party's current presence entry, or
// arms its grace timer when the party dropped during admission
func (s *Service) deliverOrArmGrace(identity uuid.UUID, room string, payload CallAcceptedPayload) {
	conn, ok := s.registry.Lookup(identity)
	if !ok {
		s.armGrace(identity, room)
		return
	}
	if err := conn.Send(EventCallAccepted, payload); err != nil {
		logger.Warn("Failed to deliver grant",
			zap.String("identity", identity.String()),
			zap.String("room", room),
			zap.Error(err))
	}
}

func (s *Service) armGrace(identity uuid.UUID, room string) {
	s.timers.ArmGrace(identity, room, s.gracePeriod, func() {
		if s.metrics != nil {
			s.metrics.GraceTimeout()
		}
		logger.Info("Grace period expired",
			zap.String("identity", identity.String()),
			zap.String("room", room))
		s.EndSession(context.Background(), room, domain.EndCauseGraceTimeout)
	})

	logger.Debug("Grace timer armed",
		zap.String("identity", identity.String()),
		zap.String("room", room),
		zap.Duration("grace_period", s.gracePeriod))
}

// notifyAdmissionFailure reports a decline to the advisor and, if still
// reachable, the requester. Insufficient-funds declines carry the amounts
// the client needs to prompt a top-up.
func (s *Service) notifyAdmissionFailure(requesterID, advisorID uuid.UUID, err error) {
	payload := CallFailedPayload{Message: "Could not start session."}

	appErr := apperrors.GetAppError(err)
	switch appErr.Code {
	case apperrors.ErrCodeInsufficientFunds:
		payload.Message = "Insufficient balance."
		if details, ok := appErr.Details.(apperrors.ShortfallDetails); ok {
			payload.RequiredAmount = details.RequiredAmount
			payload.CurrentBalance = details.CurrentBalance
		}
	case apperrors.ErrCodeUserNotFound, apperrors.ErrCodeAdvisorNotFound:
		payload.Message = "Account not found."
	}

	s.notify(advisorID, EventCallFailed, payload)
	s.notify(requesterID, EventCallFailed, payload)
}

// notify delivers an event to an identity's current handle, if any
func (s *Service) notify(identity uuid.UUID, event string, payload interface{}) {
	conn, ok := s.registry.Lookup(identity)
	if !ok {
		return
	}
	if err := conn.Send(event, payload); err != nil {
		logger.Debug("Event delivery failed",
			zap.String("identity", identity.String()),
			zap.String("event", event))
	}
}

func (s *Service) recordInvite(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordInvite(outcome)
	}
}

func (s *Service) persistCreate(ctx context.Context, sess *domain.Session) {
	if s.store == nil {
		return
	}
	if err := s.store.Create(ctx, sess); err != nil {
		logger.Warn("Failed to persist session record",
			zap.String("room", sess.Room),
			zap.Error(err))
	}
}

func (s *Service) persistEnd(ctx context.Context, room string, cause domain.EndCause, endedAt time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.MarkEnded(ctx, room, cause, endedAt); err != nil {
		logger.Warn("Failed to persist session end",
			zap.String("room", room),
			zap.Error(err))
	}
}
