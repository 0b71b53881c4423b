package token

import (
	"context"
	"strings"

	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/store"
)

// Validator layers per-server access checks on top of token validation.
type Validator struct {
	service *Service
}

// NewValidator wraps a token service.
func NewValidator(service *Service) *Validator {
	return &Validator{service: service}
}

// Validate checks the token itself.
func (v *Validator) Validate(ctx context.Context, id string) (*Result, error) {
	return v.service.Validate(ctx, id)
}

// ValidateForServer validates the token and enforces its serverAccess
// grants against the target server.
func (v *Validator) ValidateForServer(ctx context.Context, id, serverID string) (*Result, error) {
	res, err := v.service.Validate(ctx, id)
	if err != nil || !res.Valid {
		return res, err
	}
	if !ServerAllowed(res.Token, serverID) {
		return &Result{Error: "Token does not grant access to this server"}, nil
	}
	return res, nil
}

// ServerAllowed applies the token's serverAccess map to a server id.
// Explicit denials beat allows; once any grants exist, absence of a match
// denies.
func ServerAllowed(tok *store.Token, serverID string) bool {
	access := tok.ServerAccess
	if len(access) == 0 {
		return true
	}

	if allow, ok := access[serverID]; ok && !allow {
		return false
	}
	for pattern, allow := range access {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if policy.MatchPattern(pattern, serverID) && !allow {
			return false
		}
	}

	if allow, ok := access[serverID]; ok && allow {
		return true
	}
	for pattern, allow := range access {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if policy.MatchPattern(pattern, serverID) && allow {
			return true
		}
	}
	return false
}
