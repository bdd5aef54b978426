package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"bundlebridge/internal/api"
	"bundlebridge/internal/transport"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	var page, perPage int
	var search string

	cmd := &cobra.Command{
		Use:   "library",
		Short: "List imported and pending bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *transport.Client) error {
				result, err := client.Library(cmd.Context(), page, perPage, search)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if len(result.Items) == 0 {
					fmt.Fprintln(out, "Library is empty")
					return nil
				}
				fmt.Fprint(out, renderEntries(out, result.Items))
				fmt.Fprintf(out, "Page %d of %d (%d total)\n", result.CurrentPage, result.Pages, result.Total)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "Entries per page (max 50)")
	cmd.Flags().StringVarP(&search, "search", "s", "", "Filter by title")
	return cmd
}

func renderEntries(out io.Writer, entries []api.LibraryEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.Title,
			api.CategoryLabel(e.Category),
			statusLabel(out, e.Status),
			strconv.Itoa(len(e.TemplateIDs)),
			e.Created,
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Category", "Status", "Templates", "Created"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
