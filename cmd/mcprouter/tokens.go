package main

import (
	"flag"
	"fmt"
	"time"
)

// cmdTokens manages bearer tokens.
//
//	mcprouter tokens list [--client <id>]
//	mcprouter tokens create --client <id> [--name <name>] [--ttl <seconds>]
//	mcprouter tokens revoke <id>
func cmdTokens(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mcprouter tokens <list|create|revoke>")
	}
	sub, rest := args[0], args[1:]
	c := newClient()

	switch sub {
	case "list":
		fs := flag.NewFlagSet("tokens list", flag.ContinueOnError)
		clientID := fs.String("client", "", "filter by client id")
		if err := fs.Parse(rest); err != nil {
			return err
		}

		var tokens []struct {
			ID         string `json:"id"`
			ClientID   string `json:"clientId"`
			Name       string `json:"name"`
			ExpiresAt  int64  `json:"expiresAt"`
			LastUsedAt *int64 `json:"lastUsedAt"`
		}
		path := "/api/tokens"
		if *clientID != "" {
			path += "?clientId=" + queryEscape(*clientID)
		}
		if err := c.get(path, &tokens); err != nil {
			return err
		}
		for _, t := range tokens {
			lastUsed := "never"
			if t.LastUsedAt != nil {
				lastUsed = time.Unix(*t.LastUsedAt, 0).Format(time.RFC3339)
			}
			fmt.Printf("%-18s %-12s %-16s expires %s, last used %s\n",
				t.ID, t.ClientID, t.Name,
				time.Unix(t.ExpiresAt, 0).Format(time.RFC3339), lastUsed)
		}
		return nil

	case "create":
		fs := flag.NewFlagSet("tokens create", flag.ContinueOnError)
		clientID := fs.String("client", "", "client id the token identifies")
		name := fs.String("name", "", "human-readable token name")
		ttl := fs.Int64("ttl", 0, "lifetime in seconds (default 24h, capped at 30d)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *clientID == "" {
			return fmt.Errorf("--client is required")
		}

		var tok struct {
			ID        string `json:"id"`
			ExpiresAt int64  `json:"expires_at"`
		}
		err := c.post("/api/tokens", map[string]any{
			"clientId": *clientID,
			"name":     *name,
			"ttl":      *ttl,
		}, &tok)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", tok.ID)
		fmt.Printf("expires %s. This id is shown once; store it now.\n",
			time.Unix(tok.ExpiresAt, 0).Format(time.RFC3339))
		return nil

	case "revoke":
		if len(rest) != 1 {
			return fmt.Errorf("usage: mcprouter tokens revoke <id>")
		}
		if err := c.delete("/api/tokens/" + rest[0]); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil

	default:
		return fmt.Errorf("unknown tokens subcommand: %s", sub)
	}
}
