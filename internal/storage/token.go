package storage

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"report-export/internal/domain"
)

const downloadAudience = "export-download"

// TokenSigner mints HS256 download tokens whose subject is the job id and
// whose expiry matches the job's download expiry.
type TokenSigner struct {
	key []byte
	now func() time.Time
}

// NewTokenSigner creates a signer. The key must not be empty.
func NewTokenSigner(key []byte) (*TokenSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("download signing key is required")
	}
	return &TokenSigner{key: key, now: time.Now}, nil
}

// SetClock replaces the signer's time source.
func (s *TokenSigner) SetClock(now func() time.Time) { s.now = now }

// Sign returns a token for jobID valid until expiresAt.
func (s *TokenSigner) Sign(jobID string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   jobID,
		Audience:  jwt.ClaimStrings{downloadAudience},
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify returns the job id carried by token.
func (s *TokenSigner) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(downloadAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", domain.ErrExpired("download link has expired")
	case err != nil:
		return "", domain.ErrNotFound("download not found")
	case claims.Subject == "":
		return "", domain.ErrNotFound("download not found")
	}
	return claims.Subject, nil
}
