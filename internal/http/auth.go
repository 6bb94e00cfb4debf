package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

// Claims carries the caller identity: sub is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for p. The server only verifies tokens;
// issuing lives here for tooling and tests.
func IssueToken(secret []byte, p models.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParsePrincipal verifies a bearer token and resolves it to a Principal.
func ParsePrincipal(secret []byte, raw string) (models.Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return models.Principal{}, fmt.Errorf("%w: missing bearer token", apperr.ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Principal{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}
	p := models.Principal{ID: claims.Subject, Role: models.Role(strings.ToLower(claims.Role))}
	if p.ID == "" || !p.Role.Valid() {
		return models.Principal{}, fmt.Errorf("%w: token lacks subject or role", apperr.ErrUnauthenticated)
	}
	return p, nil
}
