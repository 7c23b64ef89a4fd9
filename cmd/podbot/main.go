// PodBot is the podcast recommendation assistant.
//
// Run "podbot serve" for the HTTP API (and the Matrix gateway when enabled),
// or use the other subcommands to work with conversations from a terminal.
// Configuration comes from an optional YAML file (--config) overlaid with
// environment variables; see internal/podbot/config for the full list.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		os.Exit(1)
	}
}
