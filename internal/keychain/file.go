package keychain

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileKeychain persists secrets as one age-encrypted JSON map on disk.
// All operations are serialized by a single mutex; the file is rewritten
// atomically on every mutation.
type FileKeychain struct {
	mu        sync.Mutex
	path      string
	encryptor *AgeEncryptor
}

// NewFileKeychain creates a keychain backed by path, encrypted with enc.
func NewFileKeychain(path string, enc *AgeEncryptor) *FileKeychain {
	return &FileKeychain{path: path, encryptor: enc}
}

func (k *FileKeychain) Get(key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.load()
	if err != nil {
		return nil, err
	}
	val, ok := secrets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(val), nil
}

func (k *FileKeychain) Set(key string, secret []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.load()
	if err != nil {
		return err
	}
	secrets[key] = string(secret)
	return k.save(secrets)
}

func (k *FileKeychain) Delete(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[key]; !ok {
		return ErrNotFound
	}
	delete(secrets, key)
	return k.save(secrets)
}

func (k *FileKeychain) List() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	secrets, err := k.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(secrets))
	for key := range secrets {
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *FileKeychain) load() (map[string]string, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keychain: %w", err)
	}

	plaintext, err := k.encryptor.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt keychain: %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("unmarshal keychain: %w", err)
	}
	return secrets, nil
}

func (k *FileKeychain) save(secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal keychain: %w", err)
	}

	encrypted, err := k.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt keychain: %w", err)
	}

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return fmt.Errorf("write keychain: %w", err)
	}
	return os.Rename(tmp, k.path)
}
