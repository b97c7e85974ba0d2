// Command intakectl uploads documents and drives them through the intake pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"document-intake/internal/api"
	"document-intake/internal/apperr"
	"document-intake/internal/client"
	"document-intake/internal/config"
	"document-intake/internal/models"
)

var (
	apiURL  string
	token   string
	timeout time.Duration
	output  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intakectl",
		Short:         "Ingest documents through the intake API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("INTAKE_API_URL", "http://localhost:8080"), "intake API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("INTAKE_TOKEN"), "bearer token (INTAKE_TOKEN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "per-request timeout")
	root.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json")

	root.AddCommand(newIngestCmd(), newJobCmd(), newRecordsCmd(), newTokenCmd())
	return root
}

func newIngestCmd() *cobra.Command {
	var group string
	var serverSide bool

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a document and run every stage",
		Long: `Upload a document and run it through the pipeline.

By default each stage is requested from here, one call at a time, and progress
is printed as it advances. With --server the API runs the stages itself and the
command returns as soon as the job is queued.

Examples:
  intakectl ingest contract.pdf --group legal
  intakectl ingest scan.pdf --group legal --server`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(apiURL, token, timeout)
			if err != nil {
				return err
			}
			if serverSide {
				sub, err := c.Submit(cmd.Context(), args[0], group, true)
				if err != nil {
					return err
				}
				return render(sub, func() {
					fmt.Printf("job %s submitted (%s)\n", sub.JobID, sub.Mode)
				})
			}

			res, err := c.Ingest(cmd.Context(), args[0], group, func(step models.Step, progress int) {
				if output == "text" {
					fmt.Printf("%3d%%  %s\n", progress, step)
				}
			})
			if err != nil {
				if res.JobID != "" {
					return fmt.Errorf("job %s: %w", res.JobID, err)
				}
				return err
			}
			return render(res, func() {
				fmt.Printf("job %s %s (origin %s, %d embeddings claimed)\n", res.JobID, res.Job.Status, res.Origin, res.Reconcile.Updated)
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "owning user group (defaults to the token's group)")
	cmd.Flags().BoolVar(&serverSide, "server", false, "let the API run the stages")
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and drive a single job",
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job and its transition log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(apiURL, token, timeout)
			if err != nil {
				return err
			}
			job, events, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(map[string]any{"job": job, "events": events}, func() {
				fmt.Printf("%s  %s  %d%%  %s\n", job.JobID, job.Status, job.Progress, job.CurrentStep)
				if job.ErrorMessage != nil {
					fmt.Printf("error: %s\n", *job.ErrorMessage)
				}
				for _, e := range events {
					fmt.Printf("  %s  %-20s %-10s %3d%%  %s\n", e.Recorded.Format(time.RFC3339), e.Step, e.Status, e.Progress, e.Detail)
				}
			})
		},
	}

	run := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Resume a job from its last finished stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(apiURL, token, timeout)
			if err != nil {
				return err
			}
			rep, err := c.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(rep, func() {
				fmt.Printf("%s  %s  %d%%\n", rep.Job.JobID, rep.Job.Status, rep.Job.Progress)
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <job-id> <new-name>",
		Short: "Rename the document upstream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(apiURL, token, timeout)
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := c.Stage(cmd.Context(), args[0], "rename", map[string]string{"new_name": args[1]}, &out); err != nil {
				return err
			}
			return render(out, func() { fmt.Println(string(out)) })
		},
	}

	cmd.AddCommand(get, run, rename)
	return cmd
}

func newRecordsCmd() *cobra.Command {
	var group string
	var limit int
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List catalog records for a group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(apiURL, token, timeout)
			if err != nil {
				return err
			}
			records, err := c.Records(cmd.Context(), group, limit)
			if err != nil {
				return err
			}
			return render(records, func() {
				for _, r := range records {
					fmt.Printf("%s  %-10s %s\n", r.NanoID, r.Status, r.FileName)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "user group")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

// newTokenCmd signs a token with AUTH_JWT_SECRET for local use.
func newTokenCmd() *cobra.Command {
	var sub, group string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development bearer token with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cfg.AuthJWTSecret == "" {
				return &apperr.ConfigurationError{Keys: []string{"AUTH_JWT_SECRET"}}
			}
			if sub == "" {
				return fmt.Errorf("--sub is required")
			}
			tok, err := api.IssueToken([]byte(cfg.AuthJWTSecret), sub, group, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "user id")
	cmd.Flags().StringVarP(&group, "group", "g", "", "user group claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func render(v any, text func()) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
