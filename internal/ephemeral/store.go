// Package ephemeral holds short-lived keyed state that clears itself.
//
// Every write carries an expiry, so state left behind by a crashed or
// abruptly disconnected client disappears without an explicit delete.
package ephemeral

import (
	"context"
	"time"
)

// Store is a key/value store with per-key expiry.
type Store interface {
	// SetWithExpiry writes value under key; the key vanishes after ttl.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Get returns the value under key and whether it is present.
	Get(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// TypingKey is the key holding an identity's typing indicator.
func TypingKey(identityID string) string {
	return "typing:" + identityID
}
