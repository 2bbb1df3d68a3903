package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/conduit/cli/internal/config"
	"github.com/instantcocoa/conduit/cli/internal/output"
	"github.com/instantcocoa/conduit/services/llmqueue"
)

func newPolicyCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with routing and token policy files",
	}
	cmd.AddCommand(newPolicyValidateCommand(cfg))
	return cmd
}

// taskPolicy is the effective routing for one task.
type taskPolicy struct {
	Task        llmqueue.Task `json:"task"`
	Providers   []string      `json:"providers"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     string        `json:"timeout"`
	Cooldown    string        `json:"cooldown"`
}

type policySummary struct {
	Mode            llmqueue.RoutingMode `json:"mode"`
	DefaultProvider string               `json:"default_provider,omitempty"`
	Providers       []string             `json:"providers"`
	Tasks           []taskPolicy         `json:"tasks"`
	EnforceTokens   bool                 `json:"enforce_tokens"`
}

func summarizePolicy(rc llmqueue.RoutingConfig, tp llmqueue.ModelTokenPolicy) policySummary {
	s := policySummary{
		Mode:            rc.Mode,
		DefaultProvider: rc.DefaultProvider,
		EnforceTokens:   tp.Enforce,
	}
	for id := range rc.Providers {
		s.Providers = append(s.Providers, id)
	}
	sort.Strings(s.Providers)
	for _, task := range llmqueue.Tasks {
		p := rc.PolicyFor(task)
		s.Tasks = append(s.Tasks, taskPolicy{
			Task:        task,
			Providers:   rc.PriorityList(task),
			MaxAttempts: p.MaxAttempts,
			Timeout:     p.Timeout.String(),
			Cooldown:    p.Cooldown.String(),
		})
	}
	return s
}

func newPolicyValidateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a policy file and print the effective routing",
		Long: `Parse a policy file (.yaml, .yml, .json or .toml) the same way the
queue service does and print the effective routing per task. Nothing is
sent to the service.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, tp, err := llmqueue.LoadPolicyFile(args[0])
			if err != nil {
				return fmt.Errorf("invalid policy: %w", err)
			}
			s := summarizePolicy(rc, tp)

			w := writer(cmd, cfg)
			if w.Structured() {
				return w.Print(s)
			}
			output.Success(cmd.OutOrStdout(), "%s is valid (mode %s, %d providers, token enforcement %t)",
				args[0], s.Mode, len(s.Providers), s.EnforceTokens)
			t := output.Table{Headers: []string{"TASK", "PROVIDERS", "MAX ATTEMPTS", "TIMEOUT", "COOLDOWN"}}
			for _, tk := range s.Tasks {
				t.AddRow(string(tk.Task), output.OrDash(strings.Join(tk.Providers, " > ")),
					strconv.Itoa(tk.MaxAttempts), tk.Timeout, tk.Cooldown)
			}
			return w.Print(t)
		},
	}
}
