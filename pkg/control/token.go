package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer is stamped into every minted control token.
const tokenIssuer = "cwmpd"

// DefaultTokenTTL bounds the lifetime of minted control tokens.
const DefaultTokenTTL = time.Hour

// MinSecretLength is the shortest accepted control auth secret.
const MinSecretLength = 32

var (
	// ErrInvalidToken indicates a token that is malformed, signed with a
	// different secret, or not an HMAC token at all.
	ErrInvalidToken = errors.New("invalid control token")

	// ErrExpiredToken indicates a well-formed token past its expiry.
	ErrExpiredToken = errors.New("control token expired")
)

// NewToken mints a bearer token for the control API, signed with the
// shared auth secret. cwmpctl calls this with the secret from the local
// configuration file, so no token exchange with the daemon is needed.
//
// Parameters:
//   - secret: the control auth secret, at least MinSecretLength characters
//   - subject: the caller identity recorded in the token
//   - ttl: token lifetime, DefaultTokenTTL when zero or negative
//
// Returns: the signed token string, or an error when the secret is too
// short to sign with.
func NewToken(secret, subject string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("control auth secret must be at least %d characters", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// validateToken checks the signature and expiry of a bearer token and
// returns its claims.
func validateToken(secret, tokenString string) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
