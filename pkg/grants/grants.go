// Package grants mints room-scoped capability tokens for the external media
// transport. A token authorizes exactly one identity to publish and subscribe
// in exactly one room; the transport service verifies it against the shared
// API secret.
package grants

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// VideoGrant describes what the bearer may do inside the media transport
type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin"`
	Room         string `json:"room"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// Claims is the capability-token payload understood by the transport service
type Claims struct {
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

// Issuer mints capability tokens for a configured transport API key pair
type Issuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewIssuer creates a grant issuer. ttl bounds token validity; it must
// comfortably exceed the longest bookable session.
func NewIssuer(apiKey, apiSecret string, ttl time.Duration) (*Issuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("grants: api key and secret are required")
	}
	return &Issuer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       ttl,
	}, nil
}

// Mint issues a signed publish+subscribe grant binding identity to room.
// One attempt, no retries; callers treat any error as a fatal admission
// failure.
func (i *Issuer) Mint(identity uuid.UUID, room, displayName string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("grants: room is required")
	}

	name := displayName
	if name == "" {
		name = identity.String()
	}

	now := time.Now()
	claims := &Claims{
		Name: name,
		Video: VideoGrant{
			RoomJoin:     true,
			Room:         room,
			CanPublish:   true,
			CanSubscribe: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity.String(),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.apiSecret))
	if err != nil {
		return "", fmt.Errorf("grants: failed to sign token: %w", err)
	}

	return signed, nil
}
