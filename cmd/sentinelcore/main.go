// Package main is the entry point for the sentinelcore CLI.
package main

import (
	"fmt"
	"os"

	"sentinelcore/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
