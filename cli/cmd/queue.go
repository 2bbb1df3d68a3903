package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/conduit/cli/internal/config"
	"github.com/instantcocoa/conduit/cli/internal/output"
	"github.com/instantcocoa/conduit/services/llmqueue"
)

func addScopeFlags(cmd *cobra.Command, scope *llmqueue.Scope) {
	cmd.Flags().StringVar(&scope.Tenant, "tenant", "", "Tenant the request belongs to")
	cmd.Flags().StringVar(&scope.Project, "project", "", "Project the request belongs to")
}

func newSubmitCommand(cfg *config.Config) *cobra.Command {
	var (
		task, priority, file string
		scope                llmqueue.Scope
		payload              llmqueue.Payload
		wait                 bool
	)

	cmd := &cobra.Command{
		Use:   "submit [prompt...]",
		Short: "Submit a request to the queue",
		Long: `Submit a request to the queue.

For the embeddings task every argument is embedded as a separate text.
For every other task the arguments are joined into one prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := llmqueue.ParseTask(task)
			if err != nil {
				return err
			}
			p, err := llmqueue.ParsePriority(priority)
			if err != nil {
				return err
			}
			if file != "" {
				text, err := readInput(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				args = append(args, text)
			}
			if len(args) == 0 {
				return fmt.Errorf("a prompt argument or --file is required")
			}
			if t == llmqueue.TaskEmbeddings {
				payload.Texts = args
			} else {
				payload.Prompt = strings.Join(args, " ")
			}

			timeout := cfg.Timeout
			if wait {
				timeout = 0
			}
			return withClient(cmd, cfg, timeout, func(ctx context.Context, c *llmqueue.Client) error {
				r, err := c.Submit(ctx, llmqueue.SubmitRequest{Task: t, Priority: p, Payload: payload, Scope: scope, Wait: wait})
				if err != nil {
					return fmt.Errorf("failed to submit request: %w", err)
				}
				w := writer(cmd, cfg)
				if w.Structured() {
					return w.Print(r)
				}
				if !wait {
					output.Success(cmd.OutOrStdout(), "Queued %s (%s, %s)", r.ID, r.Task, r.Priority)
					return nil
				}
				return printRequestDetail(cmd.OutOrStdout(), r)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&task, "task", string(llmqueue.TaskChat), "Task (chat, processing, embeddings, synthesis)")
	f.StringVar(&priority, "priority", "", "Priority (low, normal, high)")
	f.StringVarP(&file, "file", "f", "", "Read the prompt from a file, or - for stdin")
	f.StringVar(&payload.System, "system", "", "System prompt")
	f.StringVar(&payload.Model, "model", "", "Model hint for the provider")
	f.StringVar(&payload.Provider, "provider", "", "Provider hint")
	f.IntVar(&payload.MaxOutputTokens, "max-output-tokens", 0, "Cap on generated tokens")
	f.Float64Var(&payload.Temperature, "temperature", 0, "Sampling temperature")
	f.BoolVarP(&wait, "wait", "w", false, "Wait until the request settles")
	addScopeFlags(cmd, &scope)
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newGetCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				r, err := c.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get request: %w", err)
				}
				w := writer(cmd, cfg)
				if w.Structured() {
					return w.Print(r)
				}
				return printRequestDetail(cmd.OutOrStdout(), r)
			})
		},
	}
}

func printRequestDetail(out io.Writer, r *llmqueue.Request) error {
	t := output.Table{Headers: []string{"FIELD", "VALUE"}}
	t.AddRow("ID", r.ID)
	t.AddRow("TASK", string(r.Task))
	t.AddRow("PRIORITY", string(r.Priority))
	t.AddRow("STATE", string(r.State))
	t.AddRow("SCOPE", scopeLabel(r.Scope))
	t.AddRow("ATTEMPTS", strconv.Itoa(r.Attempts))
	t.AddRow("CREATED", output.Timestamp(r.CreatedAt))
	t.AddRow("UPDATED", output.Timestamp(r.UpdatedAt))
	if r.LastError != "" {
		t.AddRow("ERROR", fmt.Sprintf("%s: %s", r.LastErrorKind, r.LastError))
	}
	if r.RetryOf != "" {
		t.AddRow("RETRY OF", r.RetryOf)
	}
	if r.RetriedAs != "" {
		t.AddRow("RETRIED AS", r.RetriedAs)
	}
	if res := r.Result; res != nil {
		t.AddRow("PROVIDER", output.OrDash(res.UsedProvider))
		t.AddRow("MODEL", output.OrDash(res.Model))
		t.AddRow("TOKENS", fmt.Sprintf("%d in / %d out", res.Usage.InputTokens, res.Usage.OutputTokens))
		for i, a := range res.Trace {
			outcome := "ok"
			if a.ErrorKind != "" {
				outcome = string(a.ErrorKind)
			}
			t.AddRow(fmt.Sprintf("ATTEMPT %d", i+1), fmt.Sprintf("%s %s (%dms)", a.ProviderID, outcome, a.LatencyMs))
		}
		if len(res.Skipped) > 0 {
			t.AddRow("SKIPPED", strings.Join(res.Skipped, ", "))
		}
		if len(res.Embeddings) > 0 {
			t.AddRow("EMBEDDINGS", strconv.Itoa(len(res.Embeddings)))
		}
	}
	if err := output.NewWriter("table", out).Print(t); err != nil {
		return err
	}
	if r.Result != nil && r.Result.Text != "" {
		fmt.Fprintf(out, "\n%s\n", r.Result.Text)
	}
	return nil
}

func scopeLabel(s llmqueue.Scope) string {
	switch {
	case s.Tenant == "" && s.Project == "":
		return "-"
	case s.Project == "":
		return s.Tenant
	default:
		return s.Tenant + "/" + s.Project
	}
}

func requestTable(rs []*llmqueue.Request) output.Table {
	t := output.Table{Headers: []string{"ID", "TASK", "PRIORITY", "STATE", "SCOPE", "ATTEMPTS", "PROVIDER", "UPDATED"}}
	for _, r := range rs {
		provider := "-"
		if r.Result != nil {
			provider = output.OrDash(r.Result.UsedProvider)
		}
		t.AddRow(
			output.ShortID(r.ID),
			string(r.Task),
			string(r.Priority),
			string(r.State),
			scopeLabel(r.Scope),
			strconv.Itoa(r.Attempts),
			provider,
			output.Timestamp(r.UpdatedAt),
		)
	}
	return t
}

type listFunc func(c *llmqueue.Client, ctx context.Context, limit int) ([]*llmqueue.Request, error)

func newListCommand(cfg *config.Config, name, short string, list listFunc) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				rs, err := list(c, ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to list %s requests: %w", name, err)
				}
				return writer(cmd, cfg).PrintEither(rs, requestTable(rs))
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of requests")
	return cmd
}

func newStatusCommand(cfg *config.Config) *cobra.Command {
	var scope llmqueue.Scope
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				st, err := c.Status(ctx, scope)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				t := output.Table{Headers: []string{"FIELD", "VALUE"}}
				t.AddRow("PROCESSING", strconv.Itoa(st.Processing))
				t.AddRow("QUEUED", strconv.Itoa(st.QueueSize))
				t.AddRow("CONCURRENCY", strconv.Itoa(st.Concurrency))
				t.AddRow("PAUSED", strconv.FormatBool(st.Paused))
				if st.Fault != "" {
					t.AddRow("FAULT", st.Fault)
				}
				for _, s := range llmqueue.States {
					t.AddRow(strings.ToUpper(string(s)), strconv.Itoa(st.Stats[s]))
				}
				return writer(cmd, cfg).PrintEither(st, t)
			})
		},
	}
	addScopeFlags(cmd, &scope)
	return cmd
}

func newStatsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show request counts per tenant and project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				stats, err := c.StatsByScope(ctx)
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}
				headers := []string{"TENANT", "PROJECT"}
				for _, s := range llmqueue.States {
					headers = append(headers, strings.ToUpper(string(s)))
				}
				t := output.Table{Headers: headers}
				for _, st := range stats {
					row := []string{output.OrDash(st.Scope.Tenant), output.OrDash(st.Scope.Project)}
					for _, s := range llmqueue.States {
						row = append(row, strconv.Itoa(st.Counts[s]))
					}
					t.AddRow(row...)
				}
				return writer(cmd, cfg).PrintEither(stats, t)
			})
		},
	}
}

func newPauseCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dequeuing new requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				if err := c.Pause(ctx); err != nil {
					return fmt.Errorf("failed to pause queue: %w", err)
				}
				output.Success(cmd.OutOrStdout(), "Queue paused")
				return nil
			})
		},
	}
}

func newResumeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dequeuing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				if err := c.Resume(ctx); err != nil {
					return fmt.Errorf("failed to resume queue: %w", err)
				}
				output.Success(cmd.OutOrStdout(), "Queue resumed")
				return nil
			})
		},
	}
}

func newClearCommand(cfg *config.Config) *cobra.Command {
	var scope llmqueue.Scope
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Cancel every pending request, optionally within one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				n, err := c.Clear(ctx, scope)
				if err != nil {
					return fmt.Errorf("failed to clear queue: %w", err)
				}
				output.Success(cmd.OutOrStdout(), "Cancelled %d pending requests", n)
				return nil
			})
		},
	}
	addScopeFlags(cmd, &scope)
	return cmd
}

func newRetryCommand(cfg *config.Config) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed request as a new linked request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				id, err := c.Retry(ctx, args[0], reset)
				if err != nil {
					return fmt.Errorf("failed to retry request: %w", err)
				}
				output.Success(cmd.OutOrStdout(), "Retried %s as %s", args[0], id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Start the retry with a fresh attempt budget")
	return cmd
}

func newCancelCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, cfg, cfg.Timeout, func(ctx context.Context, c *llmqueue.Client) error {
				ok, err := c.Cancel(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to cancel request: %w", err)
				}
				if !ok {
					output.Info(cmd.OutOrStdout(), "Request %s is no longer pending", args[0])
					return nil
				}
				output.Success(cmd.OutOrStdout(), "Cancelled %s", args[0])
				return nil
			})
		},
	}
}

func newWatchCommand(cfg *config.Config) *cobra.Command {
	var req llmqueue.WatchRequest
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream queue events",
		Long:  "Stream queue events. With an id, the stream ends once that request settles.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.RequestID = args[0]
			}
			w := writer(cmd, cfg)
			out := cmd.OutOrStdout()
			return withClient(cmd, cfg, 0, func(ctx context.Context, c *llmqueue.Client) error {
				return c.Watch(ctx, req, func(e llmqueue.Event) error {
					if w.Structured() {
						return w.Print(e)
					}
					line := fmt.Sprintf("%s  %-10s %s  %s", output.Timestamp(e.At), e.Type, output.ShortID(e.RequestID), e.State)
					if e.UsedProvider != "" {
						line += "  via " + e.UsedProvider
					}
					if e.ErrorKind != "" {
						line += "  " + string(e.ErrorKind)
					}
					_, err := fmt.Fprintln(out, line)
					return err
				})
			})
		},
	}
	addScopeFlags(cmd, &req.Scope)
	return cmd
}
