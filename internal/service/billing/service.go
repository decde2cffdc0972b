package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/cockroach"
	"consultlink-backend/pkg/cache"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/metrics"
)

// WalletRepository is the account-store dependency of the billing gate
type WalletRepository interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	DebitWithLedger(ctx context.Context, entry *domain.LedgerEntry) error
	CreditWithLedger(ctx context.Context, entry *domain.LedgerEntry) error
}

// AdvisorRepository is the rate-lookup dependency of the billing gate
type AdvisorRepository interface {
	GetByID(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error)
}

// Service is the billing gate: it prices a requested consultation, checks the
// prepaid balance, and performs the atomic debit-plus-ledger write
type Service struct {
	wallets  WalletRepository
	advisors AdvisorRepository
	rates    *cache.MemoryCache
	metrics  *metrics.Metrics
}

// NewService creates a new billing service. metrics may be nil in tests.
func NewService(wallets WalletRepository, advisors AdvisorRepository, m *metrics.Metrics) *Service {
	return &Service{
		wallets:  wallets,
		advisors: advisors,
		rates:    cache.NewMemoryCache(constants.RateCacheTTL, constants.RateCacheMaxSize),
		metrics:  m,
	}
}

// Authorization is the result of a successful admission debit
type Authorization struct {
	EntryID         uuid.UUID
	RequesterID     uuid.UUID
	AdvisorID       uuid.UUID
	Cost            int64
	DurationSeconds int
	Room            string
}

// Quote is the result of a non-mutating affordability check.
// MaxDurationSeconds is the longest whole-minute consultation the current
// balance covers at the advisor's rate, capped at the service maximum.
type Quote struct {
	Cost               int64
	CurrentBalance     int64
	Affordable         bool
	MaxDurationSeconds int
}

// Cost prices a consultation: rate per minute times the requested duration
// rounded up to whole minutes.
func Cost(ratePerMinute int64, durationSeconds int) int64 {
	minutes := int64((durationSeconds + 59) / 60)
	return ratePerMinute * minutes
}

// Authorize prices the consultation, verifies the balance, and atomically
// debits it while appending the ledger entry. Called at most once per
// session; the broker invokes it only on the PENDING_BILLING transition.
func (s *Service) Authorize(ctx context.Context, requesterID, advisorID uuid.UUID, durationSeconds int, room string) (*Authorization, error) {
	if durationSeconds < constants.MinConsultationSeconds || durationSeconds > constants.MaxConsultationSeconds {
		return nil, apperrors.ValidationError(
			fmt.Sprintf("duration must be between %d and %d seconds", constants.MinConsultationSeconds, constants.MaxConsultationSeconds))
	}

	advisor, err := s.advisor(ctx, advisorID)
	if err != nil {
		return nil, err
	}

	cost := Cost(advisor.RatePerMinute, durationSeconds)

	balance, err := s.wallets.GetBalance(ctx, requesterID)
	if err != nil {
		if errors.Is(err, cockroach.ErrAccountNotFound) {
			s.declined("not_found")
			return nil, apperrors.UserNotFoundError()
		}
		s.declined("internal_error")
		return nil, apperrors.DatabaseError(err)
	}

	if balance < cost {
		s.declined("insufficient_funds")
		return nil, apperrors.InsufficientFundsError(cost, balance)
	}

	entry := &domain.LedgerEntry{
		EntryID:         uuid.New(),
		RequesterID:     requesterID,
		AdvisorID:       advisorID,
		Amount:          cost,
		DurationSeconds: durationSeconds,
		Type:            domain.LedgerDebit,
		Room:            room,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.wallets.DebitWithLedger(ctx, entry); err != nil {
		switch {
		case errors.Is(err, cockroach.ErrInsufficientFunds):
			// Balance moved between the read and the guarded decrement
			available, balErr := s.wallets.GetBalance(ctx, requesterID)
			if balErr != nil {
				available = 0
			}
			s.declined("insufficient_funds")
			return nil, apperrors.InsufficientFundsError(cost, available)
		case errors.Is(err, cockroach.ErrAccountNotFound):
			s.declined("not_found")
			return nil, apperrors.UserNotFoundError()
		default:
			s.declined("internal_error")
			return nil, apperrors.DatabaseError(err)
		}
	}

	if s.metrics != nil {
		s.metrics.BillingApproved()
	}

	return &Authorization{
		EntryID:         entry.EntryID,
		RequesterID:     requesterID,
		AdvisorID:       advisorID,
		Cost:            cost,
		DurationSeconds: durationSeconds,
		Room:            room,
	}, nil
}

// Refund reverses a committed authorization with a compensating credit and a
// REFUND ledger entry. Used when grant issuance fails after the debit.
func (s *Service) Refund(ctx context.Context, auth *Authorization) error {
	entry := &domain.LedgerEntry{
		EntryID:         uuid.New(),
		RequesterID:     auth.RequesterID,
		AdvisorID:       auth.AdvisorID,
		Amount:          auth.Cost,
		DurationSeconds: auth.DurationSeconds,
		Type:            domain.LedgerRefund,
		Room:            auth.Room,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.wallets.CreditWithLedger(ctx, entry); err != nil {
		return apperrors.DatabaseError(err)
	}

	if s.metrics != nil {
		s.metrics.BillingRefunded()
	}

	return nil
}

// CheckAffordability prices the consultation against the current balance
// without mutating anything. Backs the pre-call check endpoint.
func (s *Service) CheckAffordability(ctx context.Context, requesterID, advisorID uuid.UUID, durationSeconds int) (*Quote, error) {
	if durationSeconds < constants.MinConsultationSeconds || durationSeconds > constants.MaxConsultationSeconds {
		return nil, apperrors.ValidationError(
			fmt.Sprintf("duration must be between %d and %d seconds", constants.MinConsultationSeconds, constants.MaxConsultationSeconds))
	}

	advisor, err := s.advisor(ctx, advisorID)
	if err != nil {
		return nil, err
	}

	balance, err := s.wallets.GetBalance(ctx, requesterID)
	if err != nil {
		if errors.Is(err, cockroach.ErrAccountNotFound) {
			return nil, apperrors.UserNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	cost := Cost(advisor.RatePerMinute, durationSeconds)

	maxSeconds := 0
	if advisor.RatePerMinute > 0 {
		maxSeconds = int(balance/advisor.RatePerMinute) * 60
		if maxSeconds > constants.MaxConsultationSeconds {
			maxSeconds = constants.MaxConsultationSeconds
		}
	}

	return &Quote{
		Cost:               cost,
		CurrentBalance:     balance,
		Affordable:         balance >= cost,
		MaxDurationSeconds: maxSeconds,
	}, nil
}

// advisor resolves an advisor record through the short-lived rate cache
func (s *Service) advisor(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error) {
	cacheKey := "advisor:" + advisorID.String()
	if cached, ok := s.rates.Get(cacheKey); ok {
		if advisor, ok := cached.(*domain.Advisor); ok {
			return advisor, nil
		}
	}

	advisor, err := s.advisors.GetByID(ctx, advisorID)
	if err != nil {
		if errors.Is(err, cockroach.ErrAdvisorNotFound) {
			s.declined("not_found")
			return nil, apperrors.AdvisorNotFoundError()
		}
		s.declined("internal_error")
		return nil, apperrors.DatabaseError(err)
	}

	s.rates.Set(cacheKey, advisor, 0)
	return advisor, nil
}

func (s *Service) declined(reason string) {
	if s.metrics != nil {
		s.metrics.BillingDeclined(reason)
	}
}
