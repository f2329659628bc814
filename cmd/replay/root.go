// The replay tool republishes dead-lettered messages for one organization.
// Selection is previewed before anything is published; --dry-run stops after
// the preview and --yes skips the interactive confirmation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fastyrai/turingagents/pkg/audit"
	"github.com/fastyrai/turingagents/pkg/configuration"
	"github.com/fastyrai/turingagents/pkg/dispatch"
	"github.com/fastyrai/turingagents/pkg/replay"
	"github.com/fastyrai/turingagents/pkg/schema"
)

func newRootCmd() *cobra.Command {
	var (
		org      string
		msgType  string
		since    string
		until    string
		limit    int
		priority int
		dryRun   bool
		yes      bool
	)

	cmd := &cobra.Command{
		Use:           "replay",
		Short:         "Republish dead-lettered messages back onto the request queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			log := conf.Logger().WithField("service", "replay")

			filter := replay.Filter{
				OrgID: org,
				Type:  schema.MessageType(msgType),
				Limit: limit,
			}
			var err error
			if filter.Since, err = parseTime(since); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			if filter.Until, err = parseTime(until); err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}

			opts := replay.Options{Logger: log}
			if cmd.Flags().Changed("priority") {
				p := dispatch.Priority(priority)
				if !p.Valid() {
					return fmt.Errorf("invalid --priority: P%d out of range", priority)
				}
				if !dryRun && !yes {
					return fmt.Errorf("--priority overrides every replayed message; pass --yes to confirm")
				}
				opts.Priority = &p
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			pool, err := pgxpool.New(ctx, conf.Database.Opts)
			if err != nil {
				return fmt.Errorf("db connect failed: %w", err)
			}
			defer pool.Close()

			b, err := connectBroker(log)
			if err != nil {
				return err
			}
			defer b.Close()

			store := replay.NewPgStore(pool)
			sink := audit.NewPgSink(pool)
			tool := replay.New(store, b, sink)

			preview, err := tool.Run(ctx, filter, replay.Options{DryRun: true, Logger: log})
			if err != nil {
				return err
			}
			if preview.Candidates == 0 {
				return fmt.Errorf("no replayable messages match the filter")
			}
			cmd.Printf("%d replayable message(s) match\n", preview.Candidates)

			if dryRun {
				return nil
			}
			if !yes && !confirm(cmd, preview.Candidates) {
				cmd.Println("aborted")
				return nil
			}

			rep, err := tool.Run(ctx, filter, opts)
			if err != nil {
				return err
			}
			cmd.Printf("replayed %d message(s), skipped %d\n", rep.Replayed, rep.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization whose DLQ to replay")
	cmd.Flags().StringVar(&msgType, "type", "", "only replay messages of this type")
	cmd.Flags().StringVar(&since, "since", "", "only rows dead-lettered at or after this time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "only rows dead-lettered at or before this time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to replay (0 uses the server default)")
	cmd.Flags().IntVar(&priority, "priority", 0, "override the priority of every replayed message (0-3)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count matching rows without publishing")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func confirm(cmd *cobra.Command, n int) bool {
	cmd.Printf("replay %d message(s)? [y/N]: ", n)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
