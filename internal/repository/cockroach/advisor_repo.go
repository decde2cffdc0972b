package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/internal/domain"
)

// ErrAdvisorNotFound is returned when no advisor record exists for an id
var ErrAdvisorNotFound = errors.New("advisor not found")

// AdvisorRepository handles advisor records and rate lookups
type AdvisorRepository struct {
	pool *pgxpool.Pool
}

// NewAdvisorRepository creates a new advisor repository
func NewAdvisorRepository(pool *pgxpool.Pool) *AdvisorRepository {
	return &AdvisorRepository{pool: pool}
}

// GetByID retrieves an advisor by ID
func (r *AdvisorRepository) GetByID(ctx context.Context, advisorID uuid.UUID) (*domain.Advisor, error) {
	query := `
		SELECT advisor_id, display_name, rate_per_minute, created_at
		FROM advisors
		WHERE advisor_id = $1
	`

	advisor := &domain.Advisor{}
	err := r.pool.QueryRow(ctx, query, advisorID).Scan(
		&advisor.AdvisorID,
		&advisor.DisplayName,
		&advisor.RatePerMinute,
		&advisor.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdvisorNotFound
		}
		return nil, fmt.Errorf("failed to get advisor: %w", err)
	}

	return advisor, nil
}

// GetByIDs retrieves advisors for a set of ids, preserving only found rows
func (r *AdvisorRepository) GetByIDs(ctx context.Context, advisorIDs []uuid.UUID) ([]*domain.Advisor, error) {
	query := `
		SELECT advisor_id, display_name, rate_per_minute, created_at
		FROM advisors
		WHERE advisor_id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, advisorIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get advisors: %w", err)
	}
	defer rows.Close()

	var advisors []*domain.Advisor
	for rows.Next() {
		advisor := &domain.Advisor{}
		err := rows.Scan(
			&advisor.AdvisorID,
			&advisor.DisplayName,
			&advisor.RatePerMinute,
			&advisor.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advisor: %w", err)
		}
		advisors = append(advisors, advisor)
	}

	return advisors, nil
}
