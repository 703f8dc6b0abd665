// Package main provides driftlog, an event-sourced storage engine for
// applications sharing one externally-synced folder across devices.
package main

import (
	"os"

	"github.com/mwendler/driftlog/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}
