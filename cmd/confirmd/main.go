// Command confirmd runs the PO confirmation case engine: an HTTP server,
// a one-shot due poll, a one-shot orchestrate, and attachment maintenance.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
