package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

// cmdPolicies manages policy rules.
//
//	mcprouter policies list [--scope <scope>]
//	mcprouter policies create --file <rule.json>   (or - for stdin)
//	mcprouter policies delete <id>
func cmdPolicies(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mcprouter policies <list|create|delete>")
	}
	sub, rest := args[0], args[1:]
	c := newClient()

	switch sub {
	case "list":
		fs := flag.NewFlagSet("policies list", flag.ContinueOnError)
		scope := fs.String("scope", "", "filter by scope (global, workspace, server, client)")
		format := fs.String("format", "pretty", "output format: json or pretty")
		if err := fs.Parse(rest); err != nil {
			return err
		}

		var rules []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Scope    string `json:"scope"`
			ScopeID  string `json:"scope_id"`
			Pattern  string `json:"pattern"`
			Action   string `json:"action"`
			Priority int    `json:"priority"`
			Enabled  bool   `json:"enabled"`
		}
		path := "/api/policies"
		if *scope != "" {
			path += "?scope=" + queryEscape(*scope)
		}
		if err := c.get(path, &rules); err != nil {
			return err
		}
		if *format == "json" {
			return printJSON(rules)
		}
		for _, r := range rules {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			scopeLabel := r.Scope
			if r.ScopeID != "" {
				scopeLabel += ":" + r.ScopeID
			}
			fmt.Printf("%-18s %-24s %-16s %-20s %-16s prio %3d  %s\n",
				r.ID, r.Name, scopeLabel, r.Pattern, r.Action, r.Priority, state)
		}
		return nil

	case "create":
		fs := flag.NewFlagSet("policies create", flag.ContinueOnError)
		file := fs.String("file", "", "JSON file with the rule, or - for stdin")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *file == "" {
			return fmt.Errorf("--file is required")
		}

		var data []byte
		var err error
		if *file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(*file)
		}
		if err != nil {
			return err
		}

		var rule map[string]any
		if err := json.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("parse rule: %w", err)
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := c.post("/api/policies", rule, &created); err != nil {
			return err
		}
		fmt.Println(created.ID)
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: mcprouter policies delete <id>")
		}
		if err := c.delete("/api/policies/" + rest[0]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil

	default:
		return fmt.Errorf("unknown policies subcommand: %s", sub)
	}
}
