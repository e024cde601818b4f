package memcache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Long keys are rewritten as a prefix of the original key, a separator and
// the key's 16 hex digit xxhash64 digest, for exactly maxKeyLength bytes.
const longKeyPrefixLength = maxKeyLength - 1 - 16

// Returned by operations whose key can never be sent: empty keys, and keys
// longer than 250 bytes when long key support is off.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	key := e.Key
	if len(key) > 32 {
		key = key[:32] + "..."
	}
	return fmt.Sprintf("Invalid memcache key %q: %s", key, e.Reason)
}

// This returns the key sent on the wire for key.
func wireKey(key string, allowLongKeys bool) (string, error) {
	if key == "" {
		return "", &KeyError{Key: key, Reason: "empty key"}
	}
	if len(key) <= maxKeyLength {
		return key, nil
	}
	if !allowLongKeys {
		return "", &KeyError{
			Key: key,
			Reason: fmt.Sprintf(
				"length %d longer than max length %d",
				len(key),
				maxKeyLength),
		}
	}
	return fmt.Sprintf(
		"%s#%016x",
		key[:longKeyPrefixLength],
		xxhash.Sum64String(key)), nil
}
