package main

import (
	"flag"
	"fmt"
)

// cmdList prints the configured servers and the aggregated tool catalog.
//
//	mcprouter list [--search <query>] [--format json|pretty]
func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	search := fs.String("search", "", "rank tools by relevance instead of listing all")
	format := fs.String("format", "pretty", "output format: json or pretty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := newClient()

	if *search != "" {
		var hits []struct {
			Tool struct {
				ExposedName string `json:"exposedName"`
				Description string `json:"description"`
				RiskLevel   string `json:"riskLevel"`
			} `json:"tool"`
			Score float64 `json:"score"`
		}
		if err := c.get("/api/tools/search?q="+queryEscape(*search), &hits); err != nil {
			return err
		}
		if *format == "json" {
			return printJSON(hits)
		}
		for _, h := range hits {
			fmt.Printf("%-40s %6.2f  %s\n", h.Tool.ExposedName, h.Score, h.Tool.Description)
		}
		return nil
	}

	var servers []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := c.get("/api/servers", &servers); err != nil {
		return err
	}

	var tools []struct {
		ServerID    string `json:"serverId"`
		ExposedName string `json:"exposedName"`
		Description string `json:"description"`
		RiskLevel   string `json:"riskLevel"`
		Enabled     bool   `json:"enabled"`
	}
	if err := c.get("/api/tools", &tools); err != nil {
		return err
	}

	if *format == "json" {
		return printJSON(map[string]any{"servers": servers, "tools": tools})
	}

	for _, s := range servers {
		fmt.Printf("%s  [%s]  %s\n", s.Name, s.Status, s.ID)
		for _, t := range tools {
			if t.ServerID != s.ID {
				continue
			}
			state := ""
			if !t.Enabled {
				state = "  (disabled)"
			}
			fmt.Printf("  %-38s %-5s %s%s\n", t.ExposedName, t.RiskLevel, t.Description, state)
		}
	}
	return nil
}
