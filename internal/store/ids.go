package store

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// NewID generates a short URL-safe identifier prefixed with the entity kind,
// e.g. "server-Xy3kP9QzLm4w".
func NewID(kind string) string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	suffix := base64.RawURLEncoding.EncodeToString(b)
	// Avoid leading dashes reading oddly in doubled form.
	suffix = strings.ReplaceAll(suffix, "-", "x")
	return kind + "-" + suffix
}
