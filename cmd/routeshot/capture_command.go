package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/controller"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var req controller.CaptureRequest
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Screenshot every route at every viewport",
		Long:  "Screenshot every route at every viewport under one fixture profile. Interrupting the run keeps what finished and records nothing for the rest.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := ctx.open(runCtx)
			if err != nil {
				return err
			}
			m, runErr := a.service.Capture(runCtx, req)
			if m.RunID == "" {
				return runErr
			}

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(m.Artifacts))
			for _, rec := range m.Artifacts {
				size := ""
				if rec.Status == capture.StatusOK {
					size = fmt.Sprintf("%dx%d", rec.Width, rec.Height)
				}
				rows = append(rows, []string{rec.Route, rec.Viewport, string(rec.Status), size, rec.Error})
			}
			fmt.Fprintln(out, renderTable([]string{"Route", "Viewport", "Status", "Size", "Error"}, rows, 3))
			fmt.Fprintf(out, "run %s: %d ok, %d failed\n", m.RunID, len(m.OKKeys()), len(m.Artifacts)-len(m.OKKeys()))
			return runErr
		},
	}
	cmd.Flags().StringVar(&req.Profile, "profile", "", "Fixture profile id")
	cmd.Flags().StringSliceVar(&req.Routes, "route", nil, "Canonical route path to capture (repeatable)")
	cmd.Flags().StringSliceVar(&req.Viewports, "viewport", nil, "Viewport name to capture (repeatable)")
	return cmd
}
