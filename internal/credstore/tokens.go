package credstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "monhub"

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed session token for an interactive operator.
// ttl is capped at the configured TokenTTL. Tokens are short-lived and carry
// no revocation list.
func (s *Service) IssueToken(user string, role Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", errors.New("user is required")
	}
	if _, ok := ParseRole(string(role)); !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if s.cfg.TokenSecret == "" {
		return "", errors.New("token secret not configured")
	}
	if ttl <= 0 || ttl > s.cfg.TokenTTL {
		ttl = s.cfg.TokenTTL
	}

	now := s.now()
	claims := sessionClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(s.cfg.TokenSecret))
}

// VerifyToken checks signature and expiry and returns the subject and role.
func (s *Service) VerifyToken(token string) (user string, role Role, err error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.TokenSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	}

	r, ok := ParseRole(claims.Role)
	if !ok {
		return "", "", fmt.Errorf("%w: unknown role claim", ErrUnauthorized)
	}
	return claims.Subject, r, nil
}
