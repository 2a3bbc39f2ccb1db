package state

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// MinKeyBytes is the minimum HS256 signing key length.
const MinKeyBytes = 32

// LoadOrCreateSigningKey returns the JWT signing key at path,
// generating and persisting a fresh one with owner-only permissions
// when the file does not exist. The second return reports whether a new
// key was minted; a new key invalidates every previously issued token.
func LoadOrCreateSigningKey(path string) ([]byte, bool, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < MinKeyBytes {
			return nil, false, fmt.Errorf("state: signing key is %d bytes, need at least %d", len(key), MinKeyBytes)
		}
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("state: read signing key: %w", err)
	}

	key = make([]byte, MinKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("state: generate signing key: %w", err)
	}
	if err := renameio.WriteFile(path, key, 0o600); err != nil {
		return nil, false, fmt.Errorf("state: persist signing key: %w", err)
	}
	return key, true, nil
}
