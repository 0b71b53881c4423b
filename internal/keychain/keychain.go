// Package keychain provides an opaque key→secret store. The production
// backend encrypts secrets at rest with an age identity held in the data
// directory; tests use the in-memory backend. Both satisfy the same
// interface so the token service never sees key material handling.
package keychain

import "errors"

// ErrNotFound indicates no secret exists under the given key.
var ErrNotFound = errors.New("keychain: not found")

// Keychain stores opaque secrets under string keys.
type Keychain interface {
	Get(key string) ([]byte, error)
	Set(key string, secret []byte) error
	Delete(key string) error
	List() ([]string, error)
}
