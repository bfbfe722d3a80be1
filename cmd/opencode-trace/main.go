// Package main provides the entry point for the opencode-trace CLI.
package main

import (
	"fmt"
	"os"

	"opencode-trace/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
