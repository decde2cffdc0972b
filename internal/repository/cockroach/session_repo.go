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

// ErrSessionNotFound is returned when no session record exists for a room
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository persists admitted session records for history and audit.
// The in-memory broker remains authoritative for live state; these writes are
// best-effort and never gate admission.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create records a freshly admitted session
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (
			room, requester_id, advisor_id, duration_seconds, cost, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		session.Room,
		session.RequesterID,
		session.AdvisorID,
		session.DurationSeconds,
		session.Cost,
		session.Status,
		session.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}

	return nil
}

// MarkEnded stamps a session record ENDED with its cause. Idempotent: a
// record already marked ENDED is left untouched.
func (r *SessionRepository) MarkEnded(ctx context.Context, room string, cause domain.EndCause, endedAt time.Time) error {
	query := `
		UPDATE sessions
		SET status = $2, end_cause = $3, ended_at = $4
		WHERE room = $1 AND status != $2
	`

	_, err := r.pool.Exec(ctx, query, room, domain.SessionEnded, cause, endedAt)
	if err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}

	return nil
}

// GetByRoom retrieves a session record by room identifier
func (r *SessionRepository) GetByRoom(ctx context.Context, room string) (*domain.Session, error) {
	query := `
		SELECT room, requester_id, advisor_id, duration_seconds, cost, status, started_at, ended_at, end_cause
		FROM sessions
		WHERE room = $1
	`

	session := &domain.Session{}
	var endCause *string
	err := r.pool.QueryRow(ctx, query, room).Scan(
		&session.Room,
		&session.RequesterID,
		&session.AdvisorID,
		&session.DurationSeconds,
		&session.Cost,
		&session.Status,
		&session.StartedAt,
		&session.EndedAt,
		&endCause,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if endCause != nil {
		session.EndCause = domain.EndCause(*endCause)
	}

	return session, nil
}

// GetUserSessions retrieves sessions a user took part in, newest first
func (r *SessionRepository) GetUserSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Session, error) {
	query := `
		SELECT room, requester_id, advisor_id, duration_seconds, cost, status, started_at, ended_at, end_cause
		FROM sessions
		WHERE requester_id = $1 OR advisor_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session := &domain.Session{}
		var endCause *string
		err := rows.Scan(
			&session.Room,
			&session.RequesterID,
			&session.AdvisorID,
			&session.DurationSeconds,
			&session.Cost,
			&session.Status,
			&session.StartedAt,
			&session.EndedAt,
			&endCause,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endCause != nil {
			session.EndCause = domain.EndCause(*endCause)
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// CountUserSessions counts sessions a user took part in
func (r *SessionRepository) CountUserSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE requester_id = $1 OR advisor_id = $1`

	var total int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count user sessions: %w", err)
	}

	return total, nil
}
