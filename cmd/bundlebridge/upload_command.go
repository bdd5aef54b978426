package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bundlebridge/internal/config"
	"bundlebridge/internal/transport"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var jobID int64
	var title string

	cmd := &cobra.Command{
		Use:   "upload <bundle.zip>",
		Short: "Upload a local bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *transport.Client) error {
				resp, err := client.Upload(cmd.Context(), path, jobID, title)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %d: %s\n", resp.Data.JobID, statusLabel(out, resp.Data.Status))
				if resp.Message != "" {
					fmt.Fprintln(out, resp.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&jobID, "job", 0, "Attach the bundle to an existing job")
	cmd.Flags().StringVar(&title, "title", "", "Title for a new job (defaults to the file name)")
	return cmd
}
