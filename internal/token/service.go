// Package token issues, validates, and revokes the bearer tokens clients
// present to the router. Metadata lives in the relational store; the full
// serialized token is the secret and lives only in the keychain.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/keychain"
	"github.com/revittco/mcprouter/internal/store"
)

const (
	// DefaultTTL is applied when no TTL is requested.
	DefaultTTL = 86400 * time.Second

	// MaxTTL caps requested TTLs; longer requests are clamped.
	MaxTTL = 2592000 * time.Second
)

// idRe matches a well-formed token id: the prefix plus 43 url-safe base64
// characters, the encoding of 32 random bytes.
var idRe = regexp.MustCompile(`^mcpr_[A-Za-z0-9_-]{43}$`)

// ValidID reports whether s looks like a token id.
func ValidID(s string) bool { return idRe.MatchString(s) }

// Options configures a new token.
type Options struct {
	ClientID     string
	Name         string
	TTL          time.Duration // zero means DefaultTTL
	Scopes       []string
	ServerAccess map[string]bool
	Metadata     map[string]string
}

// Result is the outcome of a validation.
type Result struct {
	Valid bool         `json:"valid"`
	Token *store.Token `json:"token,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Service owns the token lifecycle.
type Service struct {
	store store.TokenStore
	keys  keychain.Keychain
	audit *audit.Logger
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a token service. The audit logger is optional.
func NewService(s store.TokenStore, keys keychain.Keychain, auditLog *audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, keys: keys, audit: auditLog, log: log, now: time.Now}
}

// Generate mints a token, writes the secret to the keychain, then persists
// the metadata row.
func (s *Service) Generate(ctx context.Context, opts Options) (*store.Token, error) {
	if opts.ClientID == "" {
		return nil, errs.New(errs.KindValidation, "clientId is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		s.log.Warn("requested token ttl clamped",
			"client_id", opts.ClientID, "requested", ttl, "max", MaxTTL)
		ttl = MaxTTL
	}

	id, err := newTokenID()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "generate token id", err)
	}

	now := s.now()
	tok := &store.Token{
		ID:           id,
		ClientID:     opts.ClientID,
		Name:         opts.Name,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		Scopes:       opts.Scopes,
		ServerAccess: opts.ServerAccess,
		Metadata:     opts.Metadata,
	}

	if err := s.writeSecret(tok); err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		// Roll the secret back so no orphan survives.
		_ = s.keys.Delete(id)
		return nil, err
	}

	s.auditEvent(ctx, audit.TypeTokenCreate, tok.ClientID, true, map[string]any{"tokenId": RedactID(id)})
	cp := *tok
	return &cp, nil
}

// Validate checks a presented token id. Expired tokens are revoked lazily.
func (s *Service) Validate(ctx context.Context, id string) (*Result, error) {
	if !ValidID(id) {
		return &Result{Error: "Invalid token format"}, nil
	}

	raw, err := s.keys.Get(id)
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return &Result{Error: "Token not found"}, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "keychain lookup", err)
	}

	var tok store.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "decode token secret", err)
	}

	if tok.ExpiresAt < s.now().Unix() {
		if err := s.Revoke(ctx, id); err != nil {
			s.log.Warn("lazy revoke failed", "token", RedactID(id), "err", err)
		}
		return &Result{Error: "Token expired"}, nil
	}

	lastUsed := s.now().Unix()
	tok.LastUsedAt = &lastUsed
	if err := s.store.UpdateToken(ctx, &tok); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("stamp lastUsedAt failed", "token", RedactID(id), "err", err)
	}

	s.auditEvent(ctx, audit.TypeTokenValidate, tok.ClientID, true, nil)
	return &Result{Valid: true, Token: &tok}, nil
}

// Revoke deletes the token from the keychain and the store.
func (s *Service) Revoke(ctx context.Context, id string) error {
	var clientID string
	if tok, err := s.store.GetToken(ctx, id); err == nil {
		clientID = tok.ClientID
	}

	if err := s.keys.Delete(id); err != nil && !errors.Is(err, keychain.ErrNotFound) {
		return errs.Wrap(errs.KindInternal, "keychain delete", err)
	}
	if err := s.store.DeleteToken(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.auditEvent(ctx, audit.TypeTokenRevoke, clientID, true, map[string]any{"tokenId": RedactID(id)})
	return nil
}

// Refresh extends a valid token by its original TTL from now.
func (s *Service) Refresh(ctx context.Context, id string) (*store.Token, error) {
	res, err := s.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, errs.New(errs.KindUnauthenticated, res.Error)
	}

	tok := res.Token
	originalTTL := tok.ExpiresAt - tok.IssuedAt
	tok.ExpiresAt = s.now().Unix() + originalTTL

	if err := s.writeSecret(tok); err != nil {
		return nil, err
	}
	if err := s.store.UpdateToken(ctx, tok); err != nil {
		return nil, err
	}
	cp := *tok
	return &cp, nil
}

// UpdateServerAccess merges the given pattern grants into the token.
func (s *Service) UpdateServerAccess(ctx context.Context, id string, access map[string]bool) (*store.Token, error) {
	res, err := s.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, errs.New(errs.KindUnauthenticated, res.Error)
	}

	tok := res.Token
	if tok.ServerAccess == nil {
		tok.ServerAccess = make(map[string]bool, len(access))
	}
	for pattern, allow := range access {
		tok.ServerAccess[pattern] = allow
	}

	if err := s.writeSecret(tok); err != nil {
		return nil, err
	}
	if err := s.store.UpdateToken(ctx, tok); err != nil {
		return nil, err
	}
	cp := *tok
	return &cp, nil
}

// List returns token metadata, optionally filtered by client.
func (s *Service) List(ctx context.Context, clientID string) ([]store.Token, error) {
	return s.store.ListTokens(ctx, clientID)
}

// Get returns one token's metadata row.
func (s *Service) Get(ctx context.Context, id string) (*store.Token, error) {
	tok, err := s.store.GetToken(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.KindNotFound, "token not found")
		}
		return nil, err
	}
	return tok, nil
}

// CleanupExpired deletes metadata rows past their expiry and their
// keychain secrets. Returns how many rows were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now().Unix()

	// Collect ids first so the keychain entries go too.
	tokens, err := s.store.ListTokens(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, tok := range tokens {
		if tok.ExpiresAt < now {
			if err := s.keys.Delete(tok.ID); err != nil && !errors.Is(err, keychain.ErrNotFound) {
				s.log.Warn("cleanup: keychain delete failed", "token", RedactID(tok.ID), "err", err)
			}
		}
	}
	return s.store.DeleteExpiredTokens(ctx, now)
}

// RedactID shortens a token id for logs and audit records.
func RedactID(id string) string {
	if len(id) < 10 {
		return "..."
	}
	return id[:6] + "..." + id[len(id)-4:]
}

func (s *Service) writeSecret(tok *store.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode token secret", err)
	}
	if err := s.keys.Set(tok.ID, raw); err != nil {
		return errs.Wrap(errs.KindInternal, "keychain write", err)
	}
	return nil
}

func (s *Service) auditEvent(ctx context.Context, typ, clientID string, success bool, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Event(ctx, typ, clientID, "", "", success, metadata)
}

func newTokenID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "mcpr_" + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
