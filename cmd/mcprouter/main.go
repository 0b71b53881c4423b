package main

import (
	"errors"
	"fmt"
	"os"
)

// version is stamped by the release build.
var version = "dev"

// Exit codes for scripting against the CLI.
const (
	exitOK      = 0
	exitRuntime = 1
	exitAuth    = 2
	exitDenied  = 3
	exitTimeout = 4
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcprouter: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run() error {
	subcmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "serve":
		return cmdServe(args)
	case "connect":
		return cmdConnect(args)
	case "call":
		return cmdCall(args)
	case "list":
		return cmdList(args)
	case "tokens":
		return cmdTokens(args)
	case "policies":
		return cmdPolicies(args)
	case "version":
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nUsage: mcprouter [serve|connect|call|list|tokens|policies|version]", subcmd)
	}
}

func exitCode(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case "unauthenticated":
			return exitAuth
		case "forbidden":
			return exitDenied
		case "timeout":
			return exitTimeout
		}
	}
	return exitRuntime
}
