package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/presence"
	"consultlink-backend/internal/service/billing"
	apperrors "consultlink-backend/pkg/errors"
)

// testConn records delivered events; safe for delivery from timer goroutines
type testConn struct {
	mu     sync.Mutex
	events []deliveredEvent
}

type deliveredEvent struct {
	event   string
	payload interface{}
}

func (c *testConn) Send(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, deliveredEvent{event: event, payload: payload})
	return nil
}

func (c *testConn) received(event string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payloads []interface{}
	for _, e := range c.events {
		if e.event == event {
			payloads = append(payloads, e.payload)
		}
	}
	return payloads
}

func (c *testConn) waitFor(t *testing.T, event string) interface{} {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if payloads := c.received(event); len(payloads) > 0 {
			return payloads[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %q was not delivered", event)
	return nil
}

// deadConn fails every delivery, simulating a connection that dropped
// between the presence lookup and the write
type deadConn struct{}

func (deadConn) Send(event string, payload interface{}) error {
	return errors.New("connection closed")
}

// MockBillingGate is a mock implementation of BillingGate
type MockBillingGate struct {
	mock.Mock
}

func (m *MockBillingGate) Authorize(ctx context.Context, requesterID, advisorID uuid.UUID, durationSeconds int, room string) (*billing.Authorization, error) {
	args := m.Called(ctx, requesterID, advisorID, durationSeconds, room)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Authorization), args.Error(1)
}

func (m *MockBillingGate) Refund(ctx context.Context, auth *billing.Authorization) error {
	args := m.Called(ctx, auth)
	return args.Error(0)
}

// MockGrantIssuer is a mock implementation of GrantIssuer
type MockGrantIssuer struct {
	mock.Mock
}

func (m *MockGrantIssuer) Mint(identity uuid.UUID, room, displayName string) (string, error) {
	args := m.Called(identity, room, displayName)
	return args.String(0), args.Error(1)
}

// MockAdvisorDirectory is a mock implementation of AdvisorDirectory
type MockAdvisorDirectory struct {
	mock.Mock
}

func (m *MockAdvisorDirectory) GetByID(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error) {
	args := m.Called(ctx, advisorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Advisor), args.Error(1)
}

type brokerFixture struct {
	service   *Service
	registry  *presence.Registry
	billing   *MockBillingGate
	grants    *MockGrantIssuer
	advisors  *MockAdvisorDirectory
	requester uuid.UUID
	advisor   uuid.UUID

	requesterConn *testConn
	advisorConn   *testConn
}

func newBrokerFixture(gracePeriod time.Duration) *brokerFixture {
	return newBrokerFixtureWithInviteTTL(gracePeriod, time.Minute)
}

func newBrokerFixtureWithInviteTTL(gracePeriod, inviteTTL time.Duration) *brokerFixture {
	f := &brokerFixture{
		registry:      presence.NewRegistry(),
		billing:       new(MockBillingGate),
		grants:        new(MockGrantIssuer),
		advisors:      new(MockAdvisorDirectory),
		requester:     uuid.New(),
		advisor:       uuid.New(),
		requesterConn: &testConn{},
		advisorConn:   &testConn{},
	}
	f.service = NewService(&Config{
		Registry:    f.registry,
		Timers:      NewTimerManager(),
		Billing:     f.billing,
		Grants:      f.grants,
		Advisors:    f.advisors,
		Metrics:     nil,
		GracePeriod: gracePeriod,
		InviteTTL:   inviteTTL,
	})
	f.registry.Register(f.requester, f.requesterConn)
	f.registry.Register(f.advisor, f.advisorConn)
	return f
}

// admit drives a full invite-accept flow and returns the admitted room
func (f *brokerFixture) admit(t *testing.T, durationSeconds int) string {
	t.Helper()
	ctx := context.Background()

	f.advisors.On("GetByID", mock.Anything, f.advisor).Return(&domain.Advisor{
		AdvisorID:     f.advisor,
		DisplayName:   "Vega",
		RatePerMinute: 20,
	}, nil)
	f.billing.On("Authorize", mock.Anything, f.requester, f.advisor, durationSeconds, mock.AnythingOfType("string")).
		Return(&billing.Authorization{
			EntryID:         uuid.New(),
			RequesterID:     f.requester,
			AdvisorID:       f.advisor,
			Cost:            20,
			DurationSeconds: durationSeconds,
		}, nil)
	f.grants.On("Mint", f.requester, mock.AnythingOfType("string"), "Nova").Return("requester-token", nil)
	f.grants.On("Mint", f.advisor, mock.AnythingOfType("string"), "Vega").Return("advisor-token", nil)

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, durationSeconds))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	assert.NoError(t, f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, durationSeconds))
	return invite.Room
}

func TestRequestCallOfflineAdvisor(t *testing.T) {
	f := newBrokerFixture(time.Second)
	offlineAdvisor := uuid.New()

	err := f.service.RequestCall(context.Background(), f.requester, "Nova", offlineAdvisor, 60)

	assert.NoError(t, err)
	payload := f.requesterConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, "Advisor is offline.", payload.Message)
	f.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRequestCallDeliversInvite(t *testing.T) {
	f := newBrokerFixture(time.Second)

	err := f.service.RequestCall(context.Background(), f.requester, "Nova", f.advisor, 120)

	assert.NoError(t, err)
	payload := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)
	assert.Equal(t, f.requester, payload.RequesterID)
	assert.Equal(t, "Nova", payload.RequesterName)
	assert.Equal(t, 120, payload.DurationSeconds)
	assert.NotEmpty(t, payload.Room)
}

func TestRequestCallUndeliverableInvite(t *testing.T) {
	f := newBrokerFixture(time.Second)
	f.registry.Register(f.advisor, deadConn{})

	err := f.service.RequestCall(context.Background(), f.requester, "Nova", f.advisor, 60)

	assert.NoError(t, err)
	payload := f.requesterConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, "Advisor is offline.", payload.Message)
}

func TestRejectCall(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, 60))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	assert.NoError(t, f.service.RejectCall(ctx, f.advisor, invite.Room))

	payload := f.requesterConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, "Call rejected.", payload.Message)

	// The invitation is consumed; accepting afterwards is a protocol error
	err := f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, 60)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProtocol))
}

func TestInviteExpiresUnanswered(t *testing.T) {
	f := newBrokerFixtureWithInviteTTL(time.Second, 30*time.Millisecond)
	ctx := context.Background()

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, 600))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	payload := f.requesterConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, "Call timed out.", payload.Message)

	// The expired invitation is gone; a late accept must not reach billing
	err := f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, 600)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProtocol))
	f.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInviteExpiryIgnoresConsumedInvite(t *testing.T) {
	f := newBrokerFixtureWithInviteTTL(time.Second, 30*time.Millisecond)

	room := f.admit(t, 60)

	// The expiry fires after the accept; the session must survive it
	time.Sleep(60 * time.Millisecond)
	activeRoom, ok := f.service.ActiveRoom(f.requester)
	assert.True(t, ok)
	assert.Equal(t, room, activeRoom)
	assert.Empty(t, f.requesterConn.received(EventCallFailed))
}

func TestAcceptCallAdmitsSession(t *testing.T) {
	f := newBrokerFixture(time.Second)

	room := f.admit(t, 60)

	// Each party receives its own grant, bound to the same room
	reqPayload := f.requesterConn.waitFor(t, EventCallAccepted).(CallAcceptedPayload)
	advPayload := f.advisorConn.waitFor(t, EventCallAccepted).(CallAcceptedPayload)
	assert.Equal(t, "requester-token", reqPayload.Token)
	assert.Equal(t, "advisor-token", advPayload.Token)
	assert.Equal(t, room, reqPayload.Room)
	assert.Equal(t, room, advPayload.Room)

	// Exactly one billing authorization
	f.billing.AssertNumberOfCalls(t, "Authorize", 1)

	// Both parties are now busy
	activeRoom, ok := f.service.ActiveRoom(f.requester)
	assert.True(t, ok)
	assert.Equal(t, room, activeRoom)
	activeRoom, ok = f.service.ActiveRoom(f.advisor)
	assert.True(t, ok)
	assert.Equal(t, room, activeRoom)
}

func TestAcceptCallDuplicateAccept(t *testing.T) {
	f := newBrokerFixture(time.Second)

	room := f.admit(t, 60)

	// The invitation was consumed by the first accept
	err := f.service.AcceptCall(context.Background(), f.advisor, f.requester, room, 60)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionConflict))
	f.billing.AssertNumberOfCalls(t, "Authorize", 1)
}

func TestAcceptCallMismatchedDuration(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, 60))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	err := f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, 120)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProtocol))
	f.billing.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptCallBillingDeclined(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	f.billing.On("Authorize", mock.Anything, f.requester, f.advisor, 600, mock.AnythingOfType("string")).
		Return(nil, apperrors.InsufficientFundsError(200, 100))

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, 600))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	err := f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, 600)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientFunds))

	// The decline reaches both parties with the shortfall amounts
	payload := f.requesterConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, int64(200), payload.RequiredAmount)
	assert.Equal(t, int64(100), payload.CurrentBalance)
	f.advisorConn.waitFor(t, EventCallFailed)

	// The reservation is rolled back; neither party is busy
	_, ok := f.service.ActiveRoom(f.requester)
	assert.False(t, ok)
	_, ok = f.service.ActiveRoom(f.advisor)
	assert.False(t, ok)
	f.grants.AssertNotCalled(t, "Mint", mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptCallGrantFailureRefunds(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	auth := &billing.Authorization{
		EntryID:     uuid.New(),
		RequesterID: f.requester,
		AdvisorID:   f.advisor,
		Cost:        20,
	}
	f.advisors.On("GetByID", mock.Anything, f.advisor).Return(&domain.Advisor{
		AdvisorID:   f.advisor,
		DisplayName: "Vega",
	}, nil)
	f.billing.On("Authorize", mock.Anything, f.requester, f.advisor, 60, mock.AnythingOfType("string")).Return(auth, nil)
	f.billing.On("Refund", mock.Anything, auth).Return(nil)
	f.grants.On("Mint", f.requester, mock.AnythingOfType("string"), "Nova").Return("", errors.New("issuer unreachable"))

	assert.NoError(t, f.service.RequestCall(ctx, f.requester, "Nova", f.advisor, 60))
	invite := f.advisorConn.waitFor(t, EventIncomingCall).(IncomingCallPayload)

	err := f.service.AcceptCall(ctx, f.advisor, f.requester, invite.Room, 60)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExternalService))

	// The committed debit is compensated exactly once
	f.billing.AssertNumberOfCalls(t, "Refund", 1)
	_, ok := f.service.ActiveRoom(f.requester)
	assert.False(t, ok)
}

func TestEndSessionIdempotent(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	room := f.admit(t, 60)

	assert.NoError(t, f.service.EndSession(ctx, room, domain.EndCauseHangup))
	f.requesterConn.waitFor(t, EventForceDisconnect)
	f.advisorConn.waitFor(t, EventForceDisconnect)

	// Later causes lose the race and change nothing
	assert.NoError(t, f.service.EndSession(ctx, room, domain.EndCauseDurationExpired))
	assert.Len(t, f.requesterConn.received(EventForceDisconnect), 1)

	// Ended sessions never resurrect
	_, ok := f.service.ActiveRoom(f.requester)
	assert.False(t, ok)
}

func TestEndSessionUnknownRoom(t *testing.T) {
	f := newBrokerFixture(time.Second)
	assert.NoError(t, f.service.EndSession(context.Background(), "room-never-admitted", domain.EndCauseHangup))
}

func TestAdvisorBusyDuringSession(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	f.admit(t, 60)

	// A second requester finds the advisor unreachable
	other := uuid.New()
	otherConn := &testConn{}
	f.registry.Register(other, otherConn)

	assert.NoError(t, f.service.RequestCall(ctx, other, "Lyra", f.advisor, 60))
	payload := otherConn.waitFor(t, EventCallFailed).(CallFailedPayload)
	assert.Equal(t, "Advisor is offline.", payload.Message)
}

func TestDisconnectThenReconnectKeepsSession(t *testing.T) {
	f := newBrokerFixture(100 * time.Millisecond)

	room := f.admit(t, 60)

	f.registry.Remove(f.requester, f.requesterConn)
	f.service.HandleDisconnect(f.requester)

	freshConn := &testConn{}
	assert.NoError(t, f.service.HandleReconnect(f.requester, room, freshConn))

	// Well past the grace period the session is still active
	time.Sleep(200 * time.Millisecond)
	activeRoom, ok := f.service.ActiveRoom(f.requester)
	assert.True(t, ok)
	assert.Equal(t, room, activeRoom)

	// The fresh handle receives session events now
	got, ok := f.registry.Lookup(f.requester)
	assert.True(t, ok)
	assert.Same(t, freshConn, got.(*testConn))
}

func TestGraceTimeoutEndsSession(t *testing.T) {
	f := newBrokerFixture(50 * time.Millisecond)

	room := f.admit(t, 60)

	f.registry.Remove(f.requester, f.requesterConn)
	f.service.HandleDisconnect(f.requester)

	// The remaining party is told once the grace period lapses
	f.advisorConn.waitFor(t, EventForceDisconnect)
	_, ok := f.service.ActiveRoom(f.advisor)
	assert.False(t, ok)
	_, ok = f.service.ActiveRoom(f.requester)
	assert.False(t, ok)

	// The room stays dead
	assert.NoError(t, f.service.EndSession(context.Background(), room, domain.EndCauseHangup))
}

func TestReconnectWrongRoomLeavesGracePending(t *testing.T) {
	f := newBrokerFixture(80 * time.Millisecond)

	room := f.admit(t, 60)

	f.registry.Remove(f.requester, f.requesterConn)
	f.service.HandleDisconnect(f.requester)

	// A reconnect naming a stale room is rejected and cancels nothing
	err := f.service.HandleReconnect(f.requester, "room-stale", &testConn{})
	assert.Error(t, err)

	f.advisorConn.waitFor(t, EventForceDisconnect)
	_, ok := f.service.ActiveRoom(f.requester)
	assert.False(t, ok)

	// And the real room can no longer be rejoined
	err = f.service.HandleReconnect(f.requester, room, &testConn{})
	assert.Error(t, err)
}

func TestDisconnectWithoutSessionIsNoop(t *testing.T) {
	f := newBrokerFixture(20 * time.Millisecond)

	f.service.HandleDisconnect(f.requester)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.requesterConn.received(EventForceDisconnect))
	assert.Empty(t, f.advisorConn.received(EventForceDisconnect))
}

func TestReconnectAfterEndIsRejected(t *testing.T) {
	f := newBrokerFixture(time.Second)
	ctx := context.Background()

	room := f.admit(t, 60)
	assert.NoError(t, f.service.EndSession(ctx, room, domain.EndCauseHangup))

	err := f.service.HandleReconnect(f.requester, room, &testConn{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNotFound))
}
