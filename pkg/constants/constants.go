// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the deadline applied to each outbound frame
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Session broker constants
const (
	// DisconnectGracePeriod is how long a dropped party may reconnect
	// before its active session is forcibly ended
	DisconnectGracePeriod = 15 * time.Second

	// InvitationTTL is how long a delivered invitation stays acceptable;
	// unanswered invites expire and the requester is told the call timed out
	InvitationTTL = 60 * time.Second

	// MinConsultationSeconds is the shortest bookable consultation
	MinConsultationSeconds = 60

	// MaxConsultationSeconds is the longest bookable consultation
	MaxConsultationSeconds = 4 * 3600

	// GrantTokenTTL is the validity window of a media room grant
	GrantTokenTTL = 6 * time.Hour
)

// Presence constants
const (
	// DirectoryEntryTTL is the redis online-directory entry lifetime;
	// refreshed on every WebSocket ping
	DirectoryEntryTTL = 90 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Rate cache constants
const (
	// RateCacheTTL is how long an advisor's per-minute rate may be served
	// from memory before re-reading the database
	RateCacheTTL = 1 * time.Minute

	// RateCacheMaxSize bounds the in-memory rate cache
	RateCacheMaxSize = 10000
)
