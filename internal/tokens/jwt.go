package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

const scopeHLS = "hls"

type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Manager signs and validates the short-lived tokens that gate preview
// playlist access. The API has no user auth; these tokens only stop a
// third party on the LAN from pulling the HLS stream.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// GeneratePreviewToken mints a token the HLS proxy accepts for ttl.
func (m *Manager) GeneratePreviewToken(ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Scope: scopeHLS,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   "preview",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"
	return token.SignedString(m.signingKey)
}

// ValidatePreviewToken checks signature, expiry and scope.
func (m *Manager) ValidatePreviewToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Scope != scopeHLS {
		return ErrInvalidToken
	}
	return nil
}
