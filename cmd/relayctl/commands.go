package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"RelayAgent/sdk/go/relay"
)

type cliOptions struct {
	server  string
	token   string
	timeout time.Duration
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Talk to a relayd agent from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	defaultServer := os.Getenv("RELAY_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "relayd base URL (env RELAY_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("RELAY_TOKEN"), "API bearer token (env RELAY_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall request timeout")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newAskCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newRunsCmd(opts),
		newTasksCmd(opts),
		newDocCmd(opts),
	)
	return root
}

// withClient runs fn with a client and a context bounded by --timeout.
func (o *cliOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *relay.Client) error) error {
	client, err := relay.NewClient(o.server, nil)
	if err != nil {
		return err
	}
	client.SetToken(o.token)
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, client)
}

func newAskCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask [conversation] [message...]",
		Short: "Send a message and wait for the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				reply, err := c.Ask(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), reply)
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Reply)
				return nil
			})
		},
	}
}

func newSubmitCmd(opts *cliOptions) *cobra.Command {
	var (
		id   string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "submit [conversation] [message...]",
		Short: "Queue a message for asynchronous processing",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				run, err := c.Submit(ctx, relay.RunRequest{ID: id, ConversationID: args[0], Message: strings.Join(args[1:], " ")})
				if err != nil {
					return err
				}
				if wait {
					if run, err = c.WaitRun(ctx, run.ID, time.Second); err != nil {
						return err
					}
				}
				return printRun(cmd.OutOrStdout(), run, opts.asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "idempotency key for the run")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the run finishes")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				run, err := c.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), run, opts.asJSON)
			})
		},
	}
}

func newRunsCmd(opts *cliOptions) *cobra.Command {
	var list relay.ListRunsOptions
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				out, err := c.ListRuns(ctx, list)
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), out)
				}
				w := cmd.OutOrStdout()
				for _, run := range out.Runs {
					fmt.Fprintf(w, "%-36s  %-9s  %d/%d  %s\n", run.ID, run.Status, run.Attempts, run.MaxRetries, run.ConversationID)
				}
				s := out.Stats
				fmt.Fprintf(w, "total=%d pending=%d running=%d succeeded=%d failed=%d\n",
					s.Total, s.Pending, s.Running, s.Succeeded, s.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&list.ConversationID, "conversation", "", "only runs of this conversation")
	cmd.Flags().StringSliceVar(&list.Statuses, "status", nil, "filter by status (pending, running, succeeded, failed)")
	cmd.Flags().IntVar(&list.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&list.Offset, "offset", 0, "page offset")
	cmd.Flags().StringVar(&list.Query, "query", "", "substring search")
	return cmd
}

func newTasksCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [conversation]",
		Short: "Show the task ledger of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				tasks, err := c.Tasks(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				w := cmd.OutOrStdout()
				for _, t := range tasks {
					fmt.Fprintf(w, "[%s] %s\n", t.Status, t.Name)
					for _, a := range t.Actions {
						fmt.Fprintf(w, "    %s %s.%s docs=%s\n", a.Status, a.Tool, a.ToolAction, strings.Join(a.DocumentIDs, ","))
					}
				}
				return nil
			})
		},
	}
}

func newDocCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doc [document-id]",
		Short: "Print a stored tool output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *relay.Client) error {
				doc, err := c.Document(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), doc)
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc.Content)
				return nil
			})
		},
	}
}

func printRun(w io.Writer, run relay.Run, asJSON bool) error {
	if asJSON {
		return printJSON(w, run)
	}
	fmt.Fprintf(w, "run %s: %s (attempt %d/%d)\n", run.ID, run.Status, run.Attempts, run.MaxRetries)
	if run.Reply != "" {
		fmt.Fprintln(w, run.Reply)
	}
	if run.LastError != "" {
		fmt.Fprintf(w, "error %s: %s\n", run.ErrorCode, run.LastError)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
