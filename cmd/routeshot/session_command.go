package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect persisted annotation sessions",
	}
	sessionCmd.AddCommand(newSessionListCommand(ctx))
	sessionCmd.AddCommand(newSessionBundleCommand(ctx))
	return sessionCmd
}

func newSessionListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions that are not archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.open(cmd.Context())
			if err != nil {
				return err
			}
			list, err := a.service.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "Sessions: none")
				return nil
			}
			const stampLayout = "2006-01-02 15:04"
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				rows = append(rows, []string{
					s.ID, s.Scope, string(s.State), s.RunID,
					strconv.Itoa(len(s.Annotations)), strconv.Itoa(s.Outstanding()),
					s.CreatedAt.Local().Format(stampLayout),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Session", "Scope", "State", "Run", "Annotations", "Open", "Created"}, rows, 4, 5))
			return nil
		},
	}
}

func newSessionBundleCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bundle <session-id>",
		Short: "Export a session with its screenshots inlined",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.open(cmd.Context())
			if err != nil {
				return err
			}
			b, err := a.service.Bundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d screenshot route(s))\n", output, len(b.Screenshots))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}
