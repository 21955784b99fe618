// Package auth guards the control surface with pre-configured API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/alexjbarnes/otr-sync/internal/config"
)

// APIKey is a key and the user it authenticates.
type APIKey struct {
	UserID string
	digest [sha256.Size]byte
}

// Keys holds the accepted API keys. Only digests are kept in memory.
type Keys struct {
	mu   sync.RWMutex
	keys []APIKey
}

// NewKeys builds the key set from MCP_API_KEYS entries.
func NewKeys(entries []config.APIKeyEntry) *Keys {
	k := &Keys{}
	for _, e := range entries {
		k.Add(e.UserID, e.Key)
	}

	return k
}

// Add accepts key for userID.
func (k *Keys) Add(userID, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.keys = append(k.keys, APIKey{UserID: userID, digest: sha256.Sum256([]byte(key))})
}

// Len returns the number of keys.
func (k *Keys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.keys)
}

// Validate returns the matching key, or nil. Every key is compared so
// the time taken does not depend on which one matched.
func (k *Keys) Validate(token string) *APIKey {
	if !strings.HasPrefix(token, config.APIKeyPrefix) {
		return nil
	}

	d := sha256.Sum256([]byte(token))

	k.mu.RLock()
	defer k.mu.RUnlock()

	var found *APIKey

	for i := range k.keys {
		if subtle.ConstantTimeCompare(d[:], k.keys[i].digest[:]) == 1 {
			found = &k.keys[i]
		}
	}

	return found
}
