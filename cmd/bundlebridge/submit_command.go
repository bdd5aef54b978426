package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bundlebridge/internal/api"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/transport"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var req api.ImportRequest
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit <title>",
		Short: "Submit an import by download URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Title = strings.Join(args, " ")
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.SendImport(cmd.Context(), req)
				if err != nil {
					return err
				}
				if wait && isRunning(resp.Data.Status) {
					status, err := waitForJob(cmd.Context(), client, resp.Data.JobID, timeout, cmd.ErrOrStderr())
					if err != nil {
						return err
					}
					return printJobStatus(ctx, cmd, status)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d: %s\n", resp.Data.JobID, statusLabel(cmd.OutOrStdout(), resp.Data.Status))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&req.DownloadURL, "url", "u", "", "Bundle download URL")
	cmd.Flags().StringVar(&req.ThumbnailURL, "thumbnail", "", "Thumbnail URL")
	cmd.Flags().StringVar(&req.Category, "category", "", "Category slug")
	cmd.Flags().StringVar(&req.SourceURL, "source", "", "Marketplace page the bundle came from")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for a queued job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long --wait polls")
	return cmd
}

func isRunning(status string) bool {
	switch status {
	case api.StatusQueued, string(jobs.StatusPending), string(jobs.StatusDownloading), string(jobs.StatusExtracting), string(jobs.StatusImporting):
		return true
	}
	return false
}

// waitForJob polls the job until it leaves the running statuses. A pending
// job whose log shows a prepared bundle is treated as settled.
func waitForJob(ctx context.Context, client *transport.Client, id int64, timeout time.Duration, progress io.Writer) (api.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := ""
	for {
		status, err := client.ImportStatus(ctx, id)
		if err != nil {
			return api.JobStatus{}, err
		}
		if status.Status != last {
			fmt.Fprintf(progress, "job %d: %s\n", id, status.Status)
			last = status.Status
		}
		if !isRunning(status.Status) || (status.Status == string(jobs.StatusPending) && len(status.Log) > 0) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("wait for job %d: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printJobStatus(ctx *commandContext, cmd *cobra.Command, status api.JobStatus) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, status)
	}
	out := cmd.OutOrStdout()
	fields := [][2]string{
		{"Job", strconv.FormatInt(status.JobID, 10)},
		{"Title", status.Title},
		{"Status", statusLabel(out, status.Status)},
	}
	if status.Error != "" {
		fields = append(fields, [2]string{"Error", status.Error})
	}
	if len(status.TemplateIDs) > 0 {
		fields = append(fields, [2]string{"Templates", formatTemplateIDs(status.TemplateIDs)})
	}
	fmt.Fprint(out, renderFields(fields))
	return nil
}

func formatTemplateIDs(ids map[string]int64) string {
	parts := make([]string, 0, len(ids))
	for _, key := range api.SortedTemplateIndices(ids) {
		parts = append(parts, key+"="+strconv.FormatInt(ids[key], 10))
	}
	return strings.Join(parts, " ")
}
