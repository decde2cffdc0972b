package grants

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewIssuerRequiresKeyPair(t *testing.T) {
	_, err := NewIssuer("", "secret", time.Hour)
	assert.Error(t, err)

	_, err = NewIssuer("key", "", time.Hour)
	assert.Error(t, err)

	issuer, err := NewIssuer("key", "secret", time.Hour)
	assert.NoError(t, err)
	assert.NotNil(t, issuer)
}

func TestMint(t *testing.T) {
	issuer, err := NewIssuer("api-key", "api-secret", time.Hour)
	assert.NoError(t, err)

	identity := uuid.New()
	signed, err := issuer.Mint(identity, "room-abc", "Nova")
	assert.NoError(t, err)
	assert.NotEmpty(t, signed)

	// The transport verifies against the shared secret
	token, err := jwt.ParseWithClaims(signed, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("api-secret"), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)

	claims := token.Claims.(*Claims)
	assert.Equal(t, "api-key", claims.Issuer)
	assert.Equal(t, identity.String(), claims.Subject)
	assert.Equal(t, "Nova", claims.Name)
	assert.Equal(t, "room-abc", claims.Video.Room)
	assert.True(t, claims.Video.RoomJoin)
	assert.True(t, claims.Video.CanPublish)
	assert.True(t, claims.Video.CanSubscribe)
}

func TestMintDefaultsNameToIdentity(t *testing.T) {
	issuer, _ := NewIssuer("api-key", "api-secret", time.Hour)
	identity := uuid.New()

	signed, err := issuer.Mint(identity, "room-abc", "")
	assert.NoError(t, err)

	token, err := jwt.ParseWithClaims(signed, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("api-secret"), nil
	})
	assert.NoError(t, err)
	assert.Equal(t, identity.String(), token.Claims.(*Claims).Name)
}

func TestMintRequiresRoom(t *testing.T) {
	issuer, _ := NewIssuer("api-key", "api-secret", time.Hour)

	_, err := issuer.Mint(uuid.New(), "", "Nova")
	assert.Error(t, err)
}

func TestMintedTokensAreDistinctPerParty(t *testing.T) {
	issuer, _ := NewIssuer("api-key", "api-secret", time.Hour)

	first, err := issuer.Mint(uuid.New(), "room-abc", "Nova")
	assert.NoError(t, err)
	second, err := issuer.Mint(uuid.New(), "room-abc", "Vega")
	assert.NoError(t, err)

	assert.NotEqual(t, first, second)
}
