package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ccagency/agency/internal/errkind"
)

// ResolveSigningKey implements SPEC_FULL.md §12's JWT_SECRET_KEY decision:
// use the configured broker.auth.jwt.secret_key if present; otherwise derive
// one with crypto/rand and persist it to persistPath at 0640 so restarts
// reuse the same key instead of invalidating every outstanding session
// cookie. The literal placeholder "super-secret" is rejected outright, since
// it is a common copy-pasted example value rather than an operator choice.
func ResolveSigningKey(configured, persistPath string) (string, error) {
	if configured != "" {
		if configured == "super-secret" {
			return "", errkind.New(errkind.Validation, "broker.auth.jwt.secret_key must not be the literal placeholder value")
		}
		return configured, nil
	}

	if existing, err := os.ReadFile(persistPath); err == nil {
		return string(existing), nil
	} else if !os.IsNotExist(err) {
		return "", errkind.Wrap(errkind.Internal, "reading persisted signing key", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errkind.Wrap(errkind.Internal, "generating signing key", err)
	}
	key := hex.EncodeToString(raw)
	if err := os.WriteFile(persistPath, []byte(key), 0o640); err != nil {
		return "", fmt.Errorf("persisting generated signing key to %s: %w", persistPath, err)
	}
	return key, nil
}
