package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bundlebridge/internal/agent"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/relay"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

func newAgentCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the capture agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := agent.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.Start(runCtx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Capture agent listening on %s\n", svc.Addr())
			<-runCtx.Done()
			return nil
		},
	}
}

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var file, agentFlag string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "capture <page-url>",
		Short: "Open a marketplace page through the agent and import its asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			agentURL, err := ctx.agentURL(agentFlag)
			if err != nil {
				return err
			}
			runCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			doc, err := loadDocument(runCtx, args[0], file)
			if err != nil {
				return err
			}
			defer doc.Close()

			page, err := agent.OpenPage(runCtx, agent.PageOptions{
				Agent:           agentURL,
				URL:             args[0],
				Document:        doc,
				MarketplaceHost: cfg.Capture.MarketplaceHost,
				OnControlChange: func(state relay.State, label string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", state, label)
				},
			})
			if err != nil {
				return fmt.Errorf("connect to agent at %s: %w", agentURL, err)
			}
			defer page.Close()

			resp, err := page.Import(runCtx)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the page HTML from a file instead of fetching it")
	cmd.Flags().StringVar(&agentFlag, "agent", "", "Capture agent URL (defaults to the capture bind address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")
	return cmd
}

// loadDocument opens the page HTML from file, or fetches pageURL.
func loadDocument(ctx context.Context, pageURL, file string) (io.ReadCloser, error) {
	if strings.TrimSpace(file) != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open page file: %w", err)
		}
		return f, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch page: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}
