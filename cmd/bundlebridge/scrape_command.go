package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bundlebridge/internal/api"
	"bundlebridge/internal/relay"
)

type scrapeResult struct {
	URL          string          `json:"url"`
	Importable   bool            `json:"importable"`
	Detection    relay.Detection `json:"detection"`
	Metadata     relay.Metadata  `json:"metadata"`
	DownloadHref string          `json:"downloadHref,omitempty"`
}

func newScrapeCommand(ctx *commandContext) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:         "scrape <page-url>",
		Short:       "Run page detection and metadata scraping without importing",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(cmd.Context(), args[0], file)
			if err != nil {
				return err
			}
			defer doc.Close()
			page, err := relay.ParsePage(doc, args[0])
			if err != nil {
				return err
			}

			detection := relay.Detect(page)
			result := scrapeResult{URL: args[0], Importable: detection.Importable, Detection: detection}
			if detection.Importable {
				result.Metadata = relay.ScrapeMetadata(page)
			}
			if control := relay.FindDownloadControl(page); control != nil {
				result.DownloadHref, _ = control.Attr("href")
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fields := [][2]string{
				{"Importable", yesNo(detection.Importable)},
				{"Item URL", yesNo(detection.ItemURL)},
				{"Download control", yesNo(detection.DownloadButton)},
				{"Kit indicator", yesNo(detection.KitIndicator)},
				{"Item details", yesNo(detection.ItemDetails)},
			}
			if detection.Importable {
				fields = append(fields,
					[2]string{"Title", result.Metadata.Title},
					[2]string{"Category", api.CategoryLabel(result.Metadata.Category)},
					[2]string{"Thumbnail", result.Metadata.ThumbnailURL},
				)
			}
			if result.DownloadHref != "" {
				fields = append(fields, [2]string{"Download href", result.DownloadHref})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderFields(fields))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the page HTML from a file instead of fetching it")
	return cmd
}
