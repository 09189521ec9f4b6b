package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/matlens/pkg/client"
	"github.com/rmax-ai/matlens/pkg/mcp"
)

const defaultEndpoint = "http://127.0.0.1:8095"

type rootOptions struct {
	endpoint   string
	jsonOutput bool
	timeout    time.Duration
}

func (o *rootOptions) client() *client.Client {
	return client.NewClient(o.endpoint).WithToken(os.Getenv("MATLENS_ADMIN_TOKEN"))
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "matlens",
		Short: "matlens - material usage reports",
		Long: `matlens queries a running matlens-d for material usage counts, unused
materials and duplicate groups, and triggers rebuilds of the usage tables.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	endpoint := os.Getenv("MATLENS_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	rootCmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", endpoint, "matlens-d base URL (env MATLENS_ENDPOINT)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format (for agent/script use)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout (0 disables)")

	rootCmd.AddCommand(
		newRebuildCmd(opts),
		newStatusCmd(opts),
		newUsageCmd(opts),
		newUnusedCmd(opts),
		newDuplicatesCmd(opts),
		newReportCmd(opts),
		newMCPCmd(opts),
	)
	return rootCmd
}

func newRebuildCmd(opts *rootOptions) *cobra.Command {
	var (
		stages []string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Start a rebuild of the usage tables",
		Long: `Asks matlens-d to rebuild. With no --stage every stage runs
(extract, summary, unused, duplicates). Requires MATLENS_ADMIN_TOKEN when the
daemon has an admin token configured.

Examples:
  matlens rebuild
  matlens rebuild --stage duplicates --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Waiting is bounded by the caller, not the request timeout.
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			c := opts.client()

			runID, err := c.Rebuild(ctx, stages...)
			if errors.Is(err, client.ErrRebuildInProgress) {
				return errors.New("a rebuild is already running; check 'matlens status'")
			}
			if err != nil {
				return err
			}
			if !wait {
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]string{"run_id": runID, "status": "running"})
				}
				keyValue(cmd.OutOrStdout(), "Run", runID)
				keyValue(cmd.OutOrStdout(), "Status", "running")
				return nil
			}

			run, err := c.WaitForRun(ctx, runID, time.Second)
			if err != nil {
				return err
			}
			if err := printRun(cmd, opts, run); err != nil {
				return err
			}
			if run.Status != "succeeded" {
				return fmt.Errorf("rebuild %s %s", run.RunID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "stage to run (repeatable or comma separated)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the rebuild to finish")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest rebuild",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			run, err := opts.client().Status(ctx, runID)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "no_rebuild_recorded" {
					return errors.New("no rebuild recorded yet; run 'matlens rebuild'")
				}
				return err
			}
			return printRun(cmd, opts, run)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "show this run instead of the latest")
	return cmd
}

func printRun(cmd *cobra.Command, opts *rootOptions, run client.RebuildRun) error {
	w := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(w, run)
	}
	fmt.Fprintln(w, header("Rebuild"))
	keyValue(w, "Run", run.RunID)
	keyValue(w, "Status", run.Status)
	keyValue(w, "Stages", strings.Join(run.Stages, ", "))
	keyValue(w, "Started", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		keyValue(w, "Finished", run.FinishedAt.Local().Format(time.DateTime))
		keyValue(w, "Took", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String())
	}
	if run.Error != "" {
		keyValue(w, "Error", run.Error)
	}
	return nil
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <material-id>...",
		Short: "Look up usage counts for materials",
		Long: `Prints job area, elevation and project view counts for each material.
Materials unknown to the last rebuild are listed as unknown.

Examples:
  matlens usage 12 40 41`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				for _, part := range strings.Split(arg, ",") {
					if part = strings.TrimSpace(part); part == "" {
						continue
					}
					id, err := strconv.ParseInt(part, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid material id %q", part)
					}
					ids = append(ids, id)
				}
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			usage, err := opts.client().Usage(ctx, ids)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), usage)
			}

			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				u, ok := usage[id]
				if !ok {
					rows = append(rows, []string{strconv.FormatInt(id, 10), "-", "-", "-", "-", "unknown"})
					continue
				}
				rows = append(rows, []string{
					strconv.FormatInt(id, 10),
					strconv.FormatInt(u.JobAreas, 10),
					strconv.FormatInt(u.Elevations, 10),
					strconv.FormatInt(u.ProjectViews, 10),
					strconv.FormatInt(u.Total, 10),
					formatDate(u.LastUsed),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"MATERIAL", "JOB AREAS", "ELEVATIONS", "PROJECT VIEWS", "TOTAL", "LAST USED"},
				rows, 0, 1, 2, 3, 4,
			))
			return nil
		},
	}
}

func newUnusedCmd(opts *rootOptions) *cobra.Command {
	var page client.Page
	cmd := &cobra.Command{
		Use:   "unused",
		Short: "List materials with no recorded usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().Unused(ctx, page)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(w, res)
			}

			rows := make([][]string, 0, len(res.Items))
			for _, m := range res.Items {
				rows = append(rows, []string{strconv.FormatInt(m.MaterialID, 10), formatDate(m.LastUsed)})
			}
			fmt.Fprintln(w, renderTable([]string{"MATERIAL", "LAST USED"}, rows, 0))
			fmt.Fprintln(w, Muted.Render(fmt.Sprintf("%d-%d of %d unused", res.Offset+min(1, len(res.Items)), res.Offset+len(res.Items), res.Total)))
			return nil
		},
	}
	cmd.Flags().IntVar(&page.Limit, "limit", 0, "page size (daemon default when 0)")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "rows to skip")
	return cmd
}

func newDuplicatesCmd(opts *rootOptions) *cobra.Command {
	var (
		keyType string
		page    client.Page
	)
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List groups of materials that look like duplicates",
		Long: `Lists materials sharing a normalized key. --key-type selects the key:
title, title_brand, title_brand_style or title_brand_style_category.

Examples:
  matlens duplicates
  matlens duplicates --key-type title_brand --limit 20
  matlens duplicates types`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().Duplicates(ctx, keyType, page)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(w, res)
			}
			if len(res.Groups) == 0 {
				fmt.Fprintln(w, Muted.Render("no duplicate groups for "+res.KeyType))
				return nil
			}

			rows := make([][]string, 0, len(res.Groups))
			for _, g := range res.Groups {
				members := make([]string, len(g.MaterialIDs))
				for i, id := range g.MaterialIDs {
					members[i] = strconv.FormatInt(id, 10)
				}
				rows = append(rows, []string{g.GroupHash, strconv.Itoa(g.GroupSize), strings.Join(members, ", ")})
			}
			fmt.Fprintln(w, header("Duplicates by "+res.KeyType))
			fmt.Fprintln(w, renderTable([]string{"GROUP", "SIZE", "MATERIALS"}, rows, 1))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "key-type", "", "key type (default title)")
	cmd.Flags().IntVar(&page.Limit, "limit", 0, "groups per page (daemon default when 0)")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "groups to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List key types present in the last duplicate scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			types, err := opts.client().DuplicateKeyTypes(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), types)
			}
			for _, t := range types {
				fmt.Fprintln(cmd.OutOrStdout(), Accent.Render(t))
			}
			return nil
		},
	})
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:       "report <usage|unused|duplicates>",
		Short:     "Download a CSV report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"usage", "unused", "duplicates"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			return opts.client().Report(ctx, args[0], w)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdio",
		Long: `Runs an MCP server on stdin/stdout that proxies to matlens-d, exposing
the rebuild_usage and material_usage tools and the matlens://unused resource.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcp.NewServer(opts.endpoint, os.Getenv("MATLENS_ADMIN_TOKEN")).Serve()
		},
	}
}

func formatDate(t time.Time) string {
	// Never-used materials carry the 1970-01-01 sentinel.
	if t.IsZero() || !t.After(time.Unix(0, 0)) {
		return "-"
	}
	return t.Format(time.DateOnly)
}
