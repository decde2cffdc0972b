package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DirectoryRepository mirrors the in-memory presence registry into Redis so
// the HTTP surface can list online advisors. It is advisory only: call
// admission always consults the in-memory registry, never this mirror.
type DirectoryRepository struct {
	client *redis.Client
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(client *redis.Client) *DirectoryRepository {
	return &DirectoryRepository{client: client}
}

// SetOnline marks an identity online with a TTL; refreshed by heartbeats
func (r *DirectoryRepository) SetOnline(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	key := fmt.Sprintf("directory:online:%s", userID)

	if err := r.client.Set(ctx, key, "online", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set online entry: %w", err)
	}

	if err := r.client.SAdd(ctx, "directory:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetOffline removes an identity from the directory
func (r *DirectoryRepository) SetOffline(ctx context.Context, userID uuid.UUID) error {
	key := fmt.Sprintf("directory:online:%s", userID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete online entry: %w", err)
	}

	if err := r.client.SRem(ctx, "directory:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// Refresh extends the TTL of an online entry (heartbeat)
func (r *DirectoryRepository) Refresh(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	key := fmt.Sprintf("directory:online:%s", userID)

	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh online entry: %w", err)
	}

	return nil
}

// GetOnline retrieves identities currently in the online set, dropping any
// whose TTL entry has lapsed (stale set members are pruned as a side effect)
func (r *DirectoryRepository) GetOnline(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, "directory:online").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online set: %w", err)
	}

	online := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		userID, err := uuid.Parse(member)
		if err != nil {
			continue // Skip invalid UUIDs
		}

		key := fmt.Sprintf("directory:online:%s", userID)
		exists, err := r.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check online entry: %w", err)
		}
		if exists == 0 {
			r.client.SRem(ctx, "directory:online", member)
			continue
		}

		online = append(online, userID)
	}

	return online, nil
}

// IsOnline checks whether a single identity has a live directory entry
func (r *DirectoryRepository) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("directory:online:%s", userID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check online entry: %w", err)
	}

	return exists > 0, nil
}
