package main

import (
	"fmt"
)

// cmdConnect probes the router: reachability first, then whether MCPR_TOKEN
// authenticates.
func cmdConnect(args []string) error {
	c := newClient()

	var info struct {
		Version     string `json:"version"`
		ServerCount int    `json:"serverCount"`
	}
	if err := c.get("/api/info", &info); err != nil {
		return err
	}
	fmt.Printf("router %s at %s, %d servers configured\n", info.Version, c.baseURL, info.ServerCount)

	if c.token == "" {
		return fmt.Errorf("MCPR_TOKEN is not set; authenticated endpoints are unavailable")
	}

	var servers []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := c.get("/api/servers", &servers); err != nil {
		return err
	}

	running := 0
	for _, s := range servers {
		if s.Status == "running" {
			running++
		}
	}
	fmt.Printf("authenticated, %d running\n", running)
	return nil
}
