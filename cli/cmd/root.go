// Package cmd contains CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/instantcocoa/conduit/cli/internal/config"
	"github.com/instantcocoa/conduit/cli/internal/output"
	"github.com/instantcocoa/conduit/services/llmqueue"
)

// version is set at build time with -ldflags.
var version = "0.1.0"

// dial opens the connection used by every remote command. Tests replace it.
var dial = func(cfg *config.Config) (grpc.ClientConnInterface, io.Closer, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, conn, nil
}

// NewRootCommand builds the conduitctl command tree.
func NewRootCommand() *cobra.Command {
	cfg := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "conduitctl",
		Short: "conduitctl - control the Conduit LLM request queue",
		Long: `conduitctl talks to a running Conduit queue service.

Examples:
  # Submit a chat request and wait for the answer
  conduitctl submit "Summarize this note" --wait

  # Show the queue and provider health
  conduitctl status
  conduitctl providers health

  # Retry a failed request with a fresh attempt budget
  conduitctl retry 3f2a9c1e-... --reset

  # Check a routing policy file before deploying it
  conduitctl policy validate policy.yaml
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Queue service gRPC address")
	flags.StringVarP(&cfg.Format, "output", "o", cfg.Format, "Output format (table, json, yaml)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose output")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout for each call")

	root.AddCommand(
		newSubmitCommand(cfg),
		newGetCommand(cfg),
		newStatusCommand(cfg),
		newListCommand(cfg, "pending", "List pending requests in dequeue order", (*llmqueue.Client).Pending),
		newListCommand(cfg, "history", "List settled requests, newest first", (*llmqueue.Client).History),
		newListCommand(cfg, "retryable", "List failed requests that can be retried", (*llmqueue.Client).Retryable),
		newStatsCommand(cfg),
		newPauseCommand(cfg),
		newResumeCommand(cfg),
		newClearCommand(cfg),
		newRetryCommand(cfg),
		newCancelCommand(cfg),
		newWatchCommand(cfg),
		newProvidersCommand(cfg),
		newPolicyCommand(cfg),
		newVersionCommand(),
	)
	return root
}

// withClient dials the service and runs fn under the configured timeout.
// A zero timeout leaves ctx unbounded, which submit --wait and watch rely on.
func withClient(cmd *cobra.Command, cfg *config.Config, timeout time.Duration, fn func(ctx context.Context, c *llmqueue.Client) error) error {
	conn, closer, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	slog.Debug("calling queue service", "addr", cfg.Addr, "command", cmd.Name())
	return fn(ctx, llmqueue.NewClient(conn))
}

func writer(cmd *cobra.Command, cfg *config.Config) *output.Writer {
	return output.NewWriter(cfg.Format, cmd.OutOrStdout())
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conduitctl version %s\n", version)
		},
	}
}
