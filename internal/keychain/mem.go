package keychain

import "sync"

// MemKeychain is an in-memory Keychain for tests.
type MemKeychain struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemKeychain creates an empty in-memory keychain.
func NewMemKeychain() *MemKeychain {
	return &MemKeychain{secrets: make(map[string][]byte)}
}

func (k *MemKeychain) Get(key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	val, ok := k.secrets[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (k *MemKeychain) Set(key string, secret []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := make([]byte, len(secret))
	copy(cp, secret)
	k.secrets[key] = cp
	return nil
}

func (k *MemKeychain) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(k.secrets, key)
	return nil
}

func (k *MemKeychain) List() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.secrets))
	for key := range k.secrets {
		keys = append(keys, key)
	}
	return keys, nil
}
