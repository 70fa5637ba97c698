package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/memsync/internal/errs"
)

// Token audiences.
const (
	AudienceWebhook  = "memsync-webhook"
	AudienceOperator = "memsync-operator"
)

// Tokens issues and verifies HS256 bearer tokens for webhook senders and
// operators.
type Tokens struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokens constructs Tokens. A zero ttl issues tokens valid for a day.
func NewTokens(signKey []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{signKey: signKey, ttl: ttl, now: time.Now}
}

// Issue creates a signed token for subject and audience.
func (t *Tokens) Issue(subject, audience string) (string, time.Time, error) {
	if len(t.signKey) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: empty signing key", errs.ErrValidation)
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signKey)
	return signed, exp, err
}

// Verify checks signature, expiry and audience and returns the subject.
// Every failure maps to errs.ErrUnauthorized.
func (t *Tokens) Verify(token, audience string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.signKey, nil
	},
		jwt.WithAudience(audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token without subject: %w", errs.ErrUnauthorized)
	}
	return claims.Subject, nil
}
