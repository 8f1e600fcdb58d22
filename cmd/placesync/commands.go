package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/placesync/placesync/internal/adapter"
	"github.com/placesync/placesync/internal/queue"
	"github.com/placesync/placesync/pkg/types"
)

// withEngine builds an engine for a one-shot command and stops it after fn.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *adapter.Engine) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := adapter.New(ctx, a.cfg, adapter.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := e.Stop(stopCtx); err == nil {
			err = stopErr
		}
	}()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key through the cache tiers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				res, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"key":      args[0],
					"tier":     res.Tier,
					"degraded": res.Degraded(),
					"value":    res.Value,
				})
			})
		},
	}
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		method   string
		body     string
		priority string
		headers  []string
	)
	cmd := &cobra.Command{
		Use:   "write <target-url>",
		Short: "Send a mutation, queueing it if the remote is unreachable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParsePriority(priority)
			if err != nil {
				return err
			}
			m := queue.NewMutation(method, args[0], json.RawMessage(body), p)
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("invalid header %q, want key=value", h)
				}
				if m.Headers == nil {
					m.Headers = make(map[string]string)
				}
				m.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				res, err := e.Write(ctx, m)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&method, "method", "X", "POST", "HTTP method (POST, PUT, PATCH, DELETE)")
	fs.StringVar(&body, "body", "{}", "JSON request body")
	fs.StringVar(&priority, "priority", "normal", "low, normal or high")
	fs.StringArrayVarP(&headers, "header", "H", nil, "extra header as key=value (repeatable)")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the offline mutation queue once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				result, err := e.Sync(ctx)
				if perr := printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"result": result,
					"queue":  e.Queue().Status(),
				}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print cache, queue and connectivity status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				if probe {
					e.Connectivity().Check(ctx)
				}
				return printJSON(cmd.OutOrStdout(), e.Status())
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "probe the remote before reporting connectivity")
	return cmd
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending and dead-lettered mutations.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
					return printMutations(cmd.OutOrStdout(), append(e.Queue().Pending(), e.Queue().DeadLetters()...))
				})
			},
		},
		&cobra.Command{
			Use:   "requeue <id>",
			Short: "Return a dead-lettered mutation to pending.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
					return e.Queue().Requeue(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "discard <id>",
			Short: "Permanently delete a queued mutation.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
					return e.Queue().Discard(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func printMutations(w io.Writer, ms []types.QueuedMutation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tMETHOD\tTARGET\tRETRIES\tLAST ERROR")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			m.ID, m.Status, m.Priority, m.Method, m.TargetURL, m.RetryCount, m.MaxRetries, m.LastError)
	}
	return tw.Flush()
}

func newFlagsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List and evaluate feature flags.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every flag.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				all, err := e.Flags().GetAllFlags(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tENABLED\tROLLOUT\tUSERS\tREGIONS")
				for _, f := range all {
					fmt.Fprintf(tw, "%s\t%t\t%d%%\t%s\t%s\n", f.Name, f.Enabled, f.RolloutPercentage,
						strings.Join(f.UserIDs, ","), strings.Join(f.Regions, ","))
				}
				return tw.Flush()
			})
		},
	}

	var user, region string
	eval := &cobra.Command{
		Use:   "eval <name>",
		Short: "Evaluate a flag for a user and region.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				enabled := e.Flags().IsEnabled(ctx, args[0], user, region)
				_, err := fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatBool(enabled))
				return err
			})
		},
	}
	eval.Flags().StringVarP(&user, "user", "u", "", "user ID")
	eval.Flags().StringVarP(&region, "region", "r", "", "region")

	toggle := &cobra.Command{
		Use:   "toggle <name>",
		Short: "Flip a flag's enabled state on the remote authority.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *adapter.Engine) error {
				f, err := e.Flags().ToggleFlag(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}

	cmd.AddCommand(list, eval, toggle)
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.fileUsed != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", a.fileUsed)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), a.cfg.String())
			return err
		},
	}
}
