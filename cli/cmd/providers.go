package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/conduit/cli/internal/config"
	"github.com/instantcocoa/conduit/cli/internal/output"
	"github.com/instantcocoa/conduit/services/llmqueue"
)

func newProvidersCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and manage provider health",
	}
	cmd.AddCommand(
		newProvidersHealthCommand(cfg),
		newProvidersResetCommand(cfg),
		newProvidersTestCommand(cfg),
	)
	return cmd
}

func healthTable(hs []llmqueue.ProviderHealth) output.Table {
	t := output.Table{Headers: []string{"PROVIDER", "STATE", "FAILURES", "LAST ERROR", "COOLDOWN UNTIL", "LAST SUCCESS"}}
	for _, h := range hs {
		t.AddRow(
			h.ProviderID,
			string(h.State),
			strconv.Itoa(h.ConsecutiveFailures),
			output.OrDash(string(h.LastError)),
			output.Timestamp(h.CooldownUntil),
			output.Timestamp(h.LastSuccessAt),
		)
	}
	return t
}

func newProvidersHealthCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				hs, err := c.Health(ctx)
				if err != nil {
					return fmt.Errorf("failed to get provider health: %w", err)
				}
				return writer(cmd, cfg).PrintEither(hs, healthTable(hs))
			})
		},
	}
}

func newProvidersResetCommand(cfg *config.Config) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [provider]",
		Short: "Clear the cooldown of one provider, or of all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass exactly one of a provider id or --all")
			}
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				hs, err := c.ResetHealth(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to reset provider health: %w", err)
				}
				w := writer(cmd, cfg)
				if w.Structured() {
					return w.Print(hs)
				}
				if all {
					output.Success(cmd.OutOrStdout(), "Reset health of every provider")
				} else {
					output.Success(cmd.OutOrStdout(), "Reset health of %s", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Reset every provider")
	return cmd
}

func newProvidersTestCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "test <provider>",
		Short: "Probe a provider without affecting its health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				if err := c.TestConnection(ctx, args[0]); err != nil {
					return fmt.Errorf("connection to %s failed: %w", args[0], err)
				}
				output.Success(cmd.OutOrStdout(), "%s is reachable", args[0])
				return nil
			})
		},
	}
}
