// Meridian is an HTTP API gateway: it matches requests against routing
// rules, balances them across healthy service instances, retries and falls
// back on failure, and forwards them upstream.
//
// The configuration file is read from $MERIDIAN_CONFIG (default
// meridian.yaml). MERIDIAN_* variables override individual settings, and
// with gateway.watch enabled the file is reloaded when it changes.
package main

import (
	"fmt"
	"os"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
)

func main() {
	if err := run(configPath()); err != nil {
		fmt.Fprintf(os.Stderr, "meridian: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("MERIDIAN_CONFIG"); p != "" {
		return p
	}
	return "meridian.yaml"
}
