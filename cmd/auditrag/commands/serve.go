package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/provider"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/server"
	"github.com/kestrel-audit/auditrag-go/internal/stream"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
	"github.com/kestrel-audit/auditrag-go/internal/tracing"
)

// NewServeCmd constructs the `auditrag serve` command, which starts the HTTP
// server exposing the upload, query, and streaming batch API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AuditRAG HTTP server",
		Long: `Start the AuditRAG HTTP server on localhost.

The server exposes a REST/SSE API: corpus upload, single and batch queries,
streaming batch processing with progress events, retries of failed rows, and
session result retrieval.

Examples:
  auditrag serve
  auditrag serve --port 9090
  AI_PROVIDER=azure auditrag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("AI_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			providerCfg := provider.ConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

			settingsStore, err := openSettings(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = settingsStore.Close() }()

			kb, err := buildKnowledgeBase(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = kb.Close() }()

			accountant := tokencost.NewAccountant(&tokencost.Config{Logger: log})

			gen, err := answer.NewGenerator(&answer.Config{
				Model:      chatModel,
				Settings:   settingsStore,
				Accountant: accountant,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			orch, err := query.NewOrchestrator(&query.OrchestratorConfig{
				Store:      kb,
				Generator:  gen,
				Accountant: accountant,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			cache := stream.NewCache(0)
			control := stream.NewControl()
			engine, err := stream.NewEngine(&stream.EngineConfig{
				Runner:     orch.Runner(),
				Generator:  gen,
				Cache:      cache,
				Control:    control,
				Accountant: accountant,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewLLMPinger(chatModel, string(providerCfg.Backend)),
				server.NewQdrantPinger(kb.Client()),
			}

			srv, err := server.New(&server.Deps{
				Store:   kb,
				Queries: orch,
				Streams: engine,
				Cache:   cache,
				Control: control,
			}, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("AUDITRAG_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
