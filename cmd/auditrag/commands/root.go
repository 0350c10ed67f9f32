// Package commands defines all Cobra CLI commands for the auditrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/kestrel-audit/auditrag-go/internal/audit"
	"github.com/kestrel-audit/auditrag-go/internal/config"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "auditrag",
		Short: "AuditRAG — retrieval-grounded audit evidence collection",
		Long: `AuditRAG answers audit questions from an uploaded PDF corpus.

Upload a document to build the knowledge base, then ask single questions or
process whole audit worksheets (Hint/AET columns) in bulk, with per-row
retries and page-level citations. Token usage is priced and appended to a
daily ledger.

Model provider is selected via the AI_PROVIDER environment variable or a
YAML config file (~/.auditrag/config.yaml).
See 'auditrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.auditrag/config.yaml)")

	root.AddCommand(
		NewQueryCmd(),
		NewIngestCmd(),
		NewServeCmd(),
		NewSettingsCmd(),
		NewVersionCmd(),
	)

	return root
}
