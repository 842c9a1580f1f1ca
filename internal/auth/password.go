package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrPasswordMismatch means the supplied password does not match the digest.
	ErrPasswordMismatch = errors.New("password does not match")

	// ErrPasswordTooLong is returned for passwords bcrypt cannot hash (over 72 bytes).
	ErrPasswordTooLong = errors.New("password is too long")
)

// PasswordHasher hashes and checks passwords with bcrypt.
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewPasswordHasher returns a hasher with the given bcrypt cost; zero means bcrypt.DefaultCost.
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("in internal/auth/password.go/NewPasswordHasher(): bcrypt cost %d out of range", cost)
	}

	return &PasswordHasher{cost: cost}, nil
}

// Hash returns the salted digest of raw.
func (h *PasswordHasher) Hash(raw string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(raw), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", fmt.Errorf("in internal/auth/password.go/Hash(): error while `bcrypt.GenerateFromPassword()` calling: %w", err)
	}

	return string(digest), nil
}

// Compare returns nil when raw matches digest and ErrPasswordMismatch when it does not.
func (h *PasswordHasher) Compare(digest, raw string) error {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(raw))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}

	return fmt.Errorf("in internal/auth/password.go/Compare(): error while `bcrypt.CompareHashAndPassword()` calling: %w", err)
}

// CompareDummy spends the same work as Compare against a throwaway digest, so
// an unknown email costs as much as a wrong password.
func (h *PasswordHasher) CompareDummy(raw string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(raw))
}
