package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bundlebridge/internal/api"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/transport"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage import jobs",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobActionCommand(ctx, "reimport", "Re-run the import from the stored bundle"))
	jobsCmd.AddCommand(newJobActionCommand(ctx, "reset", "Return a job to pending"))
	jobsCmd.AddCommand(newJobsResetFailedCommand(ctx))
	jobsCmd.AddCommand(newJobsDeleteCommand(ctx))
	jobsCmd.AddCommand(newJobsImportSelectedCommand(ctx))
	jobsCmd.AddCommand(newJobsBulkCommand(ctx))

	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs with status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *transport.Client) error {
				list, err := client.Jobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				out := cmd.OutOrStdout()
				if len(list.Items) == 0 {
					fmt.Fprintln(out, "No jobs")
				} else {
					fmt.Fprint(out, renderEntries(out, list.Items))
				}
				fmt.Fprint(out, renderCounts(list.Counts))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	return cmd
}

func renderCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		if key != "total" && counts[key] > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys)+1)
	for _, key := range keys {
		rows = append(rows, []string{key, strconv.Itoa(counts[key])})
	}
	rows = append(rows, []string{"total", strconv.Itoa(counts["total"])})
	return renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job with its manifest summary and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *transport.Client) error {
				detail, err := client.Job(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, detail)
				}
				out := cmd.OutOrStdout()
				fields := [][2]string{
					{"Job", strconv.FormatInt(detail.ID, 10)},
					{"Title", detail.Title},
					{"Status", statusLabel(out, detail.Status)},
					{"Category", api.CategoryLabel(detail.Category)},
				}
				if detail.SourceURL != "" {
					fields = append(fields, [2]string{"Source", detail.SourceURL})
				}
				if detail.DownloadURL != "" {
					fields = append(fields, [2]string{"Download", detail.DownloadURL})
				}
				if detail.BundlePath != "" {
					fields = append(fields, [2]string{"Bundle", detail.BundlePath})
				}
				if detail.ImportedAt != "" {
					fields = append(fields, [2]string{"Imported", detail.ImportedAt})
				}
				if len(detail.TemplateIDs) > 0 {
					fields = append(fields, [2]string{"Templates", formatTemplateIDs(detail.TemplateIDs)})
				}
				if detail.Error != "" {
					fields = append(fields, [2]string{"Error", detail.Error})
				}
				fmt.Fprint(out, renderFields(fields))
				if len(detail.Log) > 0 {
					rows := make([][]string, 0, len(detail.Log))
					for _, entry := range detail.Log {
						rows = append(rows, []string{entry.Time, entry.Message})
					}
					fmt.Fprint(out, renderTable([]string{"Time", "Log"}, rows, nil))
				}
				return nil
			})
		},
	}
}

func newJobActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.JobAction(cmd.Context(), id, action)
				if err != nil {
					return err
				}
				return printAction(ctx, cmd, resp)
			})
		},
	}
}

func newJobsResetFailedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Reset every failed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.ResetFailed(cmd.Context())
				if err != nil {
					return err
				}
				return printAction(ctx, cmd, resp)
			})
		},
	}
}

func newJobsDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job and its stored bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.DeleteJob(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printAction(ctx, cmd, resp)
			})
		},
	}
}

func newJobsImportSelectedCommand(ctx *commandContext) *cobra.Command {
	var indices []int
	var createPages bool

	cmd := &cobra.Command{
		Use:   "import-selected <id>",
		Short: "Import chosen templates from a job's bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			if len(indices) == 0 {
				return errors.New("at least one --index is required")
			}
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.ImportSelected(cmd.Context(), id, api.SelectiveImportRequest{Indices: indices, CreatePages: createPages})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, resp.Message)
				if len(resp.Imported) > 0 {
					rows := make([][]string, 0, len(resp.Imported))
					for _, t := range resp.Imported {
						rows = append(rows, []string{strconv.Itoa(t.Index), t.Title, strconv.FormatInt(t.TemplateID, 10)})
					}
					fmt.Fprint(out, renderTable([]string{"Index", "Template", "ID"}, rows, []columnAlignment{alignRight, alignLeft, alignRight}))
				}
				for _, page := range resp.CreatedPages {
					fmt.Fprintf(out, "Created draft page %q (%d)\n", page.Title, page.PageID)
				}
				for _, msg := range resp.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", msg)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntSliceVarP(&indices, "index", "i", nil, "Template index from the manifest (repeatable)")
	cmd.Flags().BoolVar(&createPages, "create-pages", false, "Create a draft page per imported page template")
	return cmd
}

func newJobsBulkCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bulk <delete|reimport> <id>...",
		Short: "Delete or re-import several jobs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := strings.ToLower(strings.TrimSpace(args[0]))
			if action != ingest.BulkDelete && action != ingest.BulkReimport {
				return fmt.Errorf("unknown bulk action %q (expected delete or reimport)", args[0])
			}
			ids := make([]int64, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := parseJobID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.Bulk(cmd.Context(), api.BulkRequest{Action: action, IDs: ids})
				if err != nil {
					return err
				}
				return printAction(ctx, cmd, resp)
			})
		},
	}
}

func printAction(ctx *commandContext, cmd *cobra.Command, resp api.ActionResponse) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}
