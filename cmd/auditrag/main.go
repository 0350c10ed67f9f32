// Command auditrag is the entry point for the audit evidence assistant.
// It provides a CLI interface (via Cobra) and an HTTP server exposing the
// corpus upload, query, and streaming batch API.
package main

import (
	"fmt"
	"os"

	"github.com/kestrel-audit/auditrag-go/cmd/auditrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
