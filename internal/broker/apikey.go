package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the caller's broker API key.
const APIKeyHeader = "X-API-Key"

// APIKeyGuard checks the X-API-Key presented to the broker endpoint. The
// configured value is either the key itself or a bcrypt hash of it.
type APIKeyGuard struct {
	configured string
	hashed     bool
}

// NewAPIKeyGuard returns a guard for the configured key. An empty key
// disables the check.
func NewAPIKeyGuard(configured string) *APIKeyGuard {
	return &APIKeyGuard{
		configured: configured,
		hashed:     isBcryptHash(configured),
	}
}

// Enabled reports whether callers must present a key.
func (g *APIKeyGuard) Enabled() bool {
	return g.configured != ""
}

// Check returns errors.ErrInvalidAPIKey unless presented matches.
func (g *APIKeyGuard) Check(presented string) error {
	if !g.Enabled() {
		return nil
	}

	if presented == "" {
		return gerrors.ErrInvalidAPIKey
	}

	if g.hashed {
		if bcrypt.CompareHashAndPassword([]byte(g.configured), []byte(presented)) != nil {
			return gerrors.ErrInvalidAPIKey
		}

		return nil
	}

	// Hash both sides so the comparison does not leak the key length.
	want := sha256.Sum256([]byte(g.configured))
	got := sha256.Sum256([]byte(presented))

	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return gerrors.ErrInvalidAPIKey
	}

	return nil
}

// HashAPIKey returns a bcrypt hash suitable for GATE_API_KEY.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}

	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
