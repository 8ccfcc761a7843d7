// Package approval mints and verifies the signed tokens required to
// approve signature-tier task types.
package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSecretNotConfigured = errors.New("approval secret not configured")
	ErrInvalidToken        = errors.New("invalid approval token")
	ErrTaskMismatch        = errors.New("approval token issued for a different task")
)

type claims struct {
	jwt.RegisteredClaims
	TaskID string `json:"task_id"`
}

// Mint signs an approval token for one task, valid for ttl.
func Mint(secret, taskID, actorID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrSecretNotConfigured
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TaskID: taskID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}

// Verify checks a token's signature, expiry against now, and binding
// to the task, returning the approving actor.
func Verify(secret, token, taskID string, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrSecretNotConfigured
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	if c.Subject == "" {
		return "", ErrInvalidToken
	}
	if c.TaskID != taskID {
		return "", ErrTaskMismatch
	}
	return c.Subject, nil
}
