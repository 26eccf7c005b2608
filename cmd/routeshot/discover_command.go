package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/routeshot/internal/routes"
)

func newDiscoverCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the route manifest of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, project, err := ctx.load()
			if err != nil {
				return err
			}
			srcs, err := project.RouteSources()
			if err != nil {
				return err
			}
			list, err := routes.Build(srcs...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			rows := make([][]string, 0, len(list))
			for _, d := range list {
				rows = append(rows, []string{d.Path, string(d.Convention), strings.Join(d.Params(), ", "), strings.Join(d.LayoutChain, " > "), d.Source})
			}
			fmt.Fprintln(out, renderTable([]string{"Route", "Convention", "Params", "Layouts", "Source"}, rows))
			fmt.Fprintf(out, "%d route(s)\n", len(list))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	return cmd
}
