package keychain

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// AgeEncryptor encrypts and decrypts blobs with a single X25519 identity.
type AgeEncryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeEncryptor loads the identity from keyPath, generating and persisting
// a new one (mode 0600) if the file does not exist.
func NewAgeEncryptor(keyPath string) (*AgeEncryptor, error) {
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		id, err := parseIdentity(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse age key %s: %w", keyPath, err)
		}
		return &AgeEncryptor{identity: id, recipient: id.Recipient()}, nil

	case os.IsNotExist(err):
		id, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generate age identity: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(id.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write age key %s: %w", keyPath, err)
		}
		return &AgeEncryptor{identity: id, recipient: id.Recipient()}, nil

	default:
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
}

func parseIdentity(data string) (*age.X25519Identity, error) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return age.ParseX25519Identity(line)
	}
	return nil, fmt.Errorf("no identity found")
}

// Encrypt seals plaintext for the encryptor's recipient.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens a blob sealed with Encrypt.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age read: %w", err)
	}
	return plaintext, nil
}
