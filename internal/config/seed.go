package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/revittco/mcprouter/internal/store"
)

// Apply upserts declared servers into the store, keyed by name. Servers
// added through the API are left alone.
func Apply(ctx context.Context, s store.Store, cfg *Config) error {
	for _, sc := range cfg.Servers {
		row := &store.Server{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			Args:      sc.Args,
			Env:       sc.Env,
		}
		if sc.URL != "" {
			url := sc.URL
			row.URL = &url
		}

		existing, err := s.GetServerByName(ctx, sc.Name)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("lookup server %s: %w", sc.Name, err)
			}
			row.ID = store.NewID("server")
			row.Status = store.StatusStopped
			if err := s.CreateServer(ctx, row); err != nil {
				return fmt.Errorf("create server %s: %w", sc.Name, err)
			}
			continue
		}

		row.ID = existing.ID
		row.Status = existing.Status
		row.ToolPermissions = existing.ToolPermissions
		row.CreatedAt = existing.CreatedAt
		if err := s.UpdateServer(ctx, row); err != nil {
			return fmt.Errorf("update server %s: %w", sc.Name, err)
		}
	}
	return nil
}

// SeedDefaults installs the first-run policy set: exec-risk tools require
// approval. Runs only when no policy rules exist at all.
func SeedDefaults(ctx context.Context, s store.Store, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	rules, err := s.ListPolicyRules(ctx, "", "")
	if err != nil {
		return fmt.Errorf("list policy rules: %w", err)
	}
	if len(rules) > 0 {
		return nil
	}

	seed := &store.PolicyRule{
		ID:           store.NewID("policy"),
		Name:         "approve exec tools",
		Scope:        store.ScopeGlobal,
		ResourceType: "tool",
		Pattern:      "*",
		Action:       store.ActionRequireApproval,
		Priority:     0,
		Enabled:      true,
		Conditions: []store.Condition{
			{Field: "metadata.risk", Operator: "equals", Value: "exec"},
		},
	}
	if err := s.CreatePolicyRule(ctx, seed); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	log.Info("seeded default policy", "rule", seed.Name)
	return nil
}
