package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// apiError carries the router's error envelope plus the HTTP status, so
// exit codes can follow the error kind.
type apiError struct {
	Status  int
	Kind    string
	Message string
	RuleID  string
}

func (e *apiError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s: %s (rule %s)", e.Kind, e.Message, e.RuleID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// client is the thin HTTP client behind every CLI subcommand.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	host := os.Getenv("MCPR_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("MCPR_PORT")
	if port == "" {
		port = "3282"
	}
	if _, err := strconv.Atoi(port); err != nil {
		port = "3282"
	}
	return &client{
		baseURL: "http://" + host + ":" + port,
		token:   os.Getenv("MCPR_TOKEN"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) do(method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the router running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
				RuleID  string `json:"ruleId"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Kind == "" {
			return &apiError{Status: resp.StatusCode, Kind: "internal", Message: resp.Status}
		}
		return &apiError{
			Status:  resp.StatusCode,
			Kind:    envelope.Error.Kind,
			Message: envelope.Error.Message,
			RuleID:  envelope.Error.RuleID,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

// printJSON writes indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
