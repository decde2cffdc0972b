package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/internal/domain"
)

// Sentinel errors for wallet operations
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// WalletRepository handles prepaid balances and the billing ledger
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// GetAccount retrieves a requester account with its current balance
func (r *WalletRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT user_id, display_name, balance, created_at
		FROM accounts
		WHERE user_id = $1
	`

	account := &domain.Account{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&account.UserID,
		&account.DisplayName,
		&account.Balance,
		&account.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// GetBalance retrieves the current prepaid balance for a requester
func (r *WalletRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `SELECT balance FROM accounts WHERE user_id = $1`

	var balance int64
	err := r.pool.QueryRow(ctx, query, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	return balance, nil
}

// DebitWithLedger atomically decrements the requester's balance and appends
// the matching DEBIT ledger entry. Both writes happen in one transaction;
// a debit without a ledger entry (or vice versa) is never observable.
func (r *WalletRepository) DebitWithLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guarded decrement: only applies when the balance covers the amount
	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance - $2
		WHERE user_id = $1 AND balance >= $2
	`, entry.RequesterID, entry.Amount)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, entry.RequesterID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect balance: %w", err)
		}
		return ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_ledger (
			entry_id, requester_id, advisor_id, amount, duration_seconds, entry_type, room, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.EntryID,
		entry.RequesterID,
		entry.AdvisorID,
		entry.Amount,
		entry.DurationSeconds,
		entry.Type,
		entry.Room,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}

	return nil
}

// CreditWithLedger atomically increments the requester's balance and appends
// a REFUND ledger entry. Used only as a compensating write when grant
// issuance fails after the debit has committed.
func (r *WalletRepository) CreditWithLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $2
		WHERE user_id = $1
	`, entry.RequesterID, entry.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_ledger (
			entry_id, requester_id, advisor_id, amount, duration_seconds, entry_type, room, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.EntryID,
		entry.RequesterID,
		entry.AdvisorID,
		entry.Amount,
		entry.DurationSeconds,
		entry.Type,
		entry.Room,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append refund entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}

	return nil
}

// GetLedgerEntries retrieves a page of a requester's ledger, newest first
func (r *WalletRepository) GetLedgerEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.LedgerEntry, error) {
	query := `
		SELECT entry_id, requester_id, advisor_id, amount, duration_seconds, entry_type, room, created_at
		FROM wallet_ledger
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		entry := &domain.LedgerEntry{}
		var createdAt time.Time
		err := rows.Scan(
			&entry.EntryID,
			&entry.RequesterID,
			&entry.AdvisorID,
			&entry.Amount,
			&entry.DurationSeconds,
			&entry.Type,
			&entry.Room,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.CreatedAt = createdAt
		entries = append(entries, entry)
	}

	return entries, nil
}

// CountLedgerEntries returns the total ledger entries for a requester
func (r *WalletRepository) CountLedgerEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_ledger WHERE requester_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}
