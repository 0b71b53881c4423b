package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
)

// cmdCall invokes one tool through the router pipeline.
//
//	mcprouter call <tool> --args '{"query":"milk"}' [--server <id>] [--format json|pretty]
func cmdCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	argsJSON := fs.String("args", "{}", "tool arguments as a JSON object")
	serverID := fs.String("server", "", "server id for a direct call by raw tool name")
	format := fs.String("format", "pretty", "output format: json or pretty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mcprouter call <tool> [--args <json>] [--server <id>] [--format json|pretty]")
	}
	toolName := fs.Arg(0)

	var arguments map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &arguments); err != nil {
		return fmt.Errorf("parse --args: %w", err)
	}

	path := "/api/tools/" + url.PathEscape(toolName) + "/call"
	if *serverID != "" {
		path = "/api/servers/" + url.PathEscape(*serverID) + "/tools/" + url.PathEscape(toolName) + "/call"
	}

	var resp struct {
		RequestID string         `json:"requestId"`
		Result    map[string]any `json:"result"`
		IsError   bool           `json:"isError"`
		Duration  int64          `json:"duration"`
	}
	if err := newClient().post(path, map[string]any{"arguments": arguments}, &resp); err != nil {
		return err
	}

	if *format == "json" {
		return printJSON(resp)
	}
	return printPretty(resp.Result, resp.IsError, resp.Duration)
}

// printPretty renders text content blocks directly and falls back to JSON
// for anything else.
func printPretty(result map[string]any, isError bool, durationMs int64) error {
	if isError {
		fmt.Println("tool reported an error:")
	}

	content, _ := result["content"].([]any)
	printed := false
	for _, block := range content {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] == "text" {
			if text, ok := m["text"].(string); ok {
				fmt.Println(text)
				printed = true
				continue
			}
		}
		if err := printJSON(m); err != nil {
			return err
		}
		printed = true
	}
	if !printed {
		if err := printJSON(result); err != nil {
			return err
		}
	}

	fmt.Printf("(%d ms)\n", durationMs)
	return nil
}
