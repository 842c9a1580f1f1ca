package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultSessionTTL is the lifetime of a session token.
const DefaultSessionTTL = 7 * 24 * time.Hour

// ErrInvalidToken is returned for any token that must not authenticate: bad
// signature, foreign algorithm, malformed input or elapsed expiry.
var ErrInvalidToken = errors.New("invalid token")

// Clock returns the current time. Verification is a pure function of
// (token, secret, clock).
type Clock func() time.Time

// Claims represents the JWT claims used by the system.
// It embeds standard JWT claims and adds a user-specific identifier.
// RegisteredClaims.ID carries a random token id used by the denylist.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// Tokens issues and verifies signed, time-limited session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    Clock
}

// TokensOption configures Tokens.
type TokensOption func(*Tokens)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) TokensOption {
	return func(t *Tokens) {
		t.now = clock
	}
}

// NewTokens creates a token issuer/verifier bound to secret. A zero ttl means
// DefaultSessionTTL.
func NewTokens(secret []byte, ttl time.Duration, options ...TokensOption) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("in internal/auth/token.go/NewTokens(): empty signing secret")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("in internal/auth/token.go/NewTokens(): negative session ttl %s", ttl)
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}

	t := &Tokens{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, option := range options {
		option(t)
	}

	return t, nil
}

// TTL returns the lifetime of issued tokens.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue signs a token for userID that expires TTL after now.
func (t *Tokens) Issue(userID string) (string, *Claims, error) {
	if userID == "" {
		return "", nil, errors.New("in internal/auth/token.go/Issue(): empty user id")
	}

	issuedAt := t.now().Truncate(time.Second)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(t.ttl)),
		},
		UserID: userID,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("in internal/auth/token.go/Issue(): error while `SignedString()` calling: %w", err)
	}

	return tokenString, claims, nil
}

// Verify checks the signature and expiry of tokenString and returns its claims.
func (t *Tokens) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
