package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"bundlebridge/internal/api"
	"bundlebridge/internal/transport"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Test the connection to the import API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *transport.Client) error {
				status, err := client.TestConnection(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				plugin := yesNo(status.RenderingPlugin.Active)
				if status.RenderingPlugin.Version != "" {
					plugin += " (" + status.RenderingPlugin.Version + ")"
				}
				fields := [][2]string{
					{"Site", status.SiteName},
					{"URL", status.SiteURL},
					{"Platform", status.PlatformVersion},
					{"Bridge", status.BridgeVersion},
					{"Rendering plugin", plugin},
					{"Pro", yesNo(status.RenderingPlugin.Pro)},
					{"CLI import", yesNo(status.CLIAvailable)},
					{"Library", strconv.Itoa(status.LibraryCount)},
				}
				if status.Scheduler != nil {
					fields = append(fields, [2]string{"Scheduler", schedulerLabel(status.Scheduler)})
				}
				if status.Jobs != nil {
					fields = append(fields, [2]string{"Jobs", fmt.Sprintf("%d total, %d pending, %d failed",
						status.Jobs["total"], status.Jobs["pending"], status.Jobs["failed"])})
				}
				for _, dep := range status.Dependencies {
					value := "ok"
					if !dep.Available {
						value = dep.Detail
					}
					fields = append(fields, [2]string{dep.Name, value})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderFields(fields))
				return nil
			})
		},
	}
}

func schedulerLabel(s *api.SchedulerStatus) string {
	state := "stopped"
	switch {
	case s.Busy:
		state = "busy"
	case s.Running:
		state = "running"
	}
	label := fmt.Sprintf("%s, %d processed, %d failed", state, s.Processed, s.Failed)
	if s.LastError != "" {
		label += " (last error: " + s.LastError + ")"
	}
	return label
}
