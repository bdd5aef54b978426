package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bundlebridge/internal/bridge"
	"bundlebridge/internal/correlator"
	"bundlebridge/internal/protocol"
	"bundlebridge/internal/transport"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var agentFlag string

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage cookie sessions held by the capture agent",
	}
	sessionCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "Capture agent URL (defaults to the capture bind address)")

	sessionCmd.AddCommand(newSessionDetectCommand(ctx, &agentFlag))
	sessionCmd.AddCommand(newSessionAccountsCommand(ctx, &agentFlag))
	sessionCmd.AddCommand(newSessionDisconnectCommand(ctx, &agentFlag))
	return sessionCmd
}

// withAgent runs fn over a short-lived bridge connection to the agent.
func withAgent(cmd *cobra.Command, ctx *commandContext, agentFlag string, fn func(*bridge.Client) error) error {
	agentURL, err := ctx.agentURL(agentFlag)
	if err != nil {
		return err
	}
	client, err := bridge.Dial(cmd.Context(), agentURL, "cli-"+uuid.NewString(), nil)
	if err != nil {
		return fmt.Errorf("connect to agent at %s: %w", agentURL, err)
	}
	defer client.Close()
	return fn(client)
}

func newSessionDetectCommand(ctx *commandContext, agentFlag *string) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Request a site session and hand it to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var session protocol.SessionPayload
			err := ctx.withClient(func(client *transport.Client) error {
				var err error
				session, err = client.Session(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			return withAgent(cmd, ctx, *agentFlag, func(client *bridge.Client) error {
				resp, err := client.Send(cmd.Context(), protocol.ActionSessionDetected, session)
				if err != nil {
					return err
				}
				if !resp.Success {
					return errors.New(resp.Message)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Session for %s recorded (user %s)\n", session.SiteURL, session.User)
				if !connect {
					return nil
				}
				resp, err = client.Send(cmd.Context(), protocol.ActionConnectAccount, protocol.AccountPayload{SiteURL: session.SiteURL})
				if err != nil {
					return err
				}
				if !resp.Success {
					return errors.New(resp.Message)
				}
				fmt.Fprintln(out, resp.Message)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "Switch the agent to the detected session")
	return cmd
}

func newSessionAccountsCommand(ctx *commandContext, agentFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List sessions the agent has seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, ctx, *agentFlag, func(client *bridge.Client) error {
				resp, err := client.Send(cmd.Context(), protocol.ActionDetectAccounts, nil)
				if err != nil {
					return err
				}
				var data struct {
					Accounts []correlator.Account `json:"accounts"`
				}
				if err := resp.DecodeData(&data); err != nil {
					return fmt.Errorf("decode accounts: %w", err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, data.Accounts)
				}
				out := cmd.OutOrStdout()
				if len(data.Accounts) == 0 {
					fmt.Fprintln(out, "No sessions detected")
					return nil
				}
				rows := make([][]string, 0, len(data.Accounts))
				for _, a := range data.Accounts {
					rows = append(rows, []string{
						a.Domain,
						a.User,
						yesNo(a.HasNonce),
						yesNo(a.Expired),
						time.UnixMilli(a.DetectedAt).Format(time.RFC3339),
					})
				}
				fmt.Fprint(out, renderTable([]string{"Site", "User", "Nonce", "Expired", "Detected"}, rows, nil))
				fmt.Fprintf(out, "%s session(s)\n", strconv.Itoa(len(data.Accounts)))
				return nil
			})
		},
	}
}

func newSessionDisconnectCommand(ctx *commandContext, agentFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Return the agent to its configured credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, ctx, *agentFlag, func(client *bridge.Client) error {
				resp, err := client.Send(cmd.Context(), protocol.ActionDisconnectAccount, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
