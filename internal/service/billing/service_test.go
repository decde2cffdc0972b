package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/cockroach"
	apperrors "consultlink-backend/pkg/errors"
)

// MockWalletRepository is a mock implementation of WalletRepository
type MockWalletRepository struct {
	mock.Mock
}

func (m *MockWalletRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *MockWalletRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWalletRepository) DebitWithLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockWalletRepository) CreditWithLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// MockAdvisorRepository is a mock implementation of AdvisorRepository
type MockAdvisorRepository struct {
	mock.Mock
}

func (m *MockAdvisorRepository) GetByID(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error) {
	args := m.Called(ctx, advisorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Advisor), args.Error(1)
}

func TestCost(t *testing.T) {
	// Partial minutes round up to the next whole minute
	assert.Equal(t, int64(20), Cost(20, 60))
	assert.Equal(t, int64(40), Cost(20, 61))
	assert.Equal(t, int64(200), Cost(20, 600))
	assert.Equal(t, int64(90), Cost(10, 540))
	assert.Equal(t, int64(100), Cost(10, 541))
}

func TestAuthorize(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	requesterID := uuid.New()
	advisorID := uuid.New()
	room := "room-test"

	mockAdvisors.On("GetByID", mock.Anything, advisorID).Return(&domain.Advisor{
		AdvisorID:     advisorID,
		DisplayName:   "Vega",
		RatePerMinute: 20,
	}, nil)
	mockWallets.On("GetBalance", mock.Anything, requesterID).Return(int64(300), nil)
	mockWallets.On("DebitWithLedger", mock.Anything, mock.AnythingOfType("*domain.LedgerEntry")).Return(nil)

	auth, err := service.Authorize(context.Background(), requesterID, advisorID, 600, room)

	assert.NoError(t, err)
	assert.NotNil(t, auth)
	assert.Equal(t, int64(200), auth.Cost)
	assert.Equal(t, room, auth.Room)
	assert.Equal(t, requesterID, auth.RequesterID)

	// Exactly one debit, carrying the full cost
	mockWallets.AssertNumberOfCalls(t, "DebitWithLedger", 1)
	entry := mockWallets.Calls[1].Arguments.Get(1).(*domain.LedgerEntry)
	assert.Equal(t, int64(200), entry.Amount)
	assert.Equal(t, domain.LedgerDebit, entry.Type)
	assert.Equal(t, room, entry.Room)
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	requesterID := uuid.New()
	advisorID := uuid.New()

	mockAdvisors.On("GetByID", mock.Anything, advisorID).Return(&domain.Advisor{
		AdvisorID:     advisorID,
		RatePerMinute: 20,
	}, nil)
	mockWallets.On("GetBalance", mock.Anything, requesterID).Return(int64(100), nil)

	auth, err := service.Authorize(context.Background(), requesterID, advisorID, 600, "room-test")

	assert.Error(t, err)
	assert.Nil(t, auth)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientFunds))

	// The decline carries the amounts so the client can prompt a top-up
	appErr := apperrors.GetAppError(err)
	details, ok := appErr.Details.(apperrors.ShortfallDetails)
	assert.True(t, ok)
	assert.Equal(t, int64(200), details.RequiredAmount)
	assert.Equal(t, int64(100), details.CurrentBalance)

	// No debit, no ledger write
	mockWallets.AssertNotCalled(t, "DebitWithLedger", mock.Anything, mock.Anything)
}

func TestAuthorizeDebitRace(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	requesterID := uuid.New()
	advisorID := uuid.New()

	mockAdvisors.On("GetByID", mock.Anything, advisorID).Return(&domain.Advisor{
		AdvisorID:     advisorID,
		RatePerMinute: 20,
	}, nil)
	// Balance looks sufficient at pre-check but the guarded debit loses a race
	mockWallets.On("GetBalance", mock.Anything, requesterID).Return(int64(300), nil)
	mockWallets.On("DebitWithLedger", mock.Anything, mock.Anything).Return(cockroach.ErrInsufficientFunds)

	auth, err := service.Authorize(context.Background(), requesterID, advisorID, 600, "room-test")

	assert.Error(t, err)
	assert.Nil(t, auth)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientFunds))
}

func TestAuthorizeDurationBounds(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	_, err := service.Authorize(context.Background(), uuid.New(), uuid.New(), 30, "room-test")
	assert.Error(t, err)

	_, err = service.Authorize(context.Background(), uuid.New(), uuid.New(), 5*3600, "room-test")
	assert.Error(t, err)

	mockAdvisors.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestAuthorizeUnknownAdvisor(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	advisorID := uuid.New()
	mockAdvisors.On("GetByID", mock.Anything, advisorID).Return(nil, cockroach.ErrAdvisorNotFound)

	_, err := service.Authorize(context.Background(), uuid.New(), advisorID, 600, "room-test")

	assert.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAdvisorNotFound))
}

func TestRefund(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	requesterID := uuid.New()
	advisorID := uuid.New()

	mockWallets.On("CreditWithLedger", mock.Anything, mock.AnythingOfType("*domain.LedgerEntry")).Return(nil)

	err := service.Refund(context.Background(), &Authorization{
		EntryID:         uuid.New(),
		RequesterID:     requesterID,
		AdvisorID:       advisorID,
		Cost:            200,
		DurationSeconds: 600,
		Room:            "room-test",
	})

	assert.NoError(t, err)
	entry := mockWallets.Calls[0].Arguments.Get(1).(*domain.LedgerEntry)
	assert.Equal(t, int64(200), entry.Amount)
	assert.Equal(t, domain.LedgerRefund, entry.Type)
	assert.Equal(t, requesterID, entry.RequesterID)
}

func TestCheckAffordability(t *testing.T) {
	mockWallets := new(MockWalletRepository)
	mockAdvisors := new(MockAdvisorRepository)
	service := NewService(mockWallets, mockAdvisors, nil)

	requesterID := uuid.New()
	advisorID := uuid.New()

	mockAdvisors.On("GetByID", mock.Anything, advisorID).Return(&domain.Advisor{
		AdvisorID:     advisorID,
		RatePerMinute: 20,
	}, nil)
	mockWallets.On("GetBalance", mock.Anything, requesterID).Return(int64(100), nil)

	quote, err := service.CheckAffordability(context.Background(), requesterID, advisorID, 600)

	assert.NoError(t, err)
	assert.False(t, quote.Affordable)
	assert.Equal(t, int64(200), quote.Cost)
	assert.Equal(t, int64(100), quote.CurrentBalance)
	// 100 buys five whole minutes at 20/minute
	assert.Equal(t, 300, quote.MaxDurationSeconds)
}
