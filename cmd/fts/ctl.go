package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fts.report/internal/api"
)

func ctlCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running fts serve process",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "address of the fts service")

	client := func() *api.Client { return api.NewClient(addr, nil) }
	withTimeout := func(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), d)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start collecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, 10*time.Second)
			defer cancel()
			s, err := client().Start(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop collecting once the current cycle has unwound",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, api.DefaultStopTimeout+5*time.Second)
			defer cancel()
			s, err := client().Stop(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show collection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, 10*time.Second)
			defer cancel()
			s, err := client().Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), s)
			return nil
		},
	})

	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List catalogued runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, 10*time.Second)
			defer cancel()
			list, err := client().Runs(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range list {
				fmt.Fprintf(out, "%s  %-9s %6d samples  %s\n",
					r.StartTime.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Samples, dimText(r.ID))
			}
			return nil
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "maximum number of runs (0 for all)")
	cmd.AddCommand(runs)

	cmd.AddCommand(&cobra.Command{
		Use:   "run <id>",
		Short: "Print a stored run as position and voltage columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, 30*time.Second)
			defer cancel()
			r, err := client().Run(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s run %s: %d samples", r.Kind, r.ID, r.Samples)
			if r.AcceptedBatches > 0 || r.DroppedBatches > 0 {
				fmt.Fprintf(out, " (%d batches accepted, %d dropped)", r.AcceptedBatches, r.DroppedBatches)
			}
			fmt.Fprintf(out, "  %s\n", dimText(r.StartTime.Local().Format("2006-01-02 15:04:05")))
			for i := range r.Positions {
				fmt.Fprintf(out, "%s\t%s\n", fmtFloat(r.Positions[i]), fmtFloat(r.Voltages[i]))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "aggregate [id]",
		Short: "Aggregate every stored raw run, or print a saved aggregate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, time.Minute)
			defer cancel()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				agg, err := client().Aggregate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s aggregate %s: %d positions from %d runs\n",
					okText("stored"), agg.ID, len(agg.Positions), agg.RunCount)
				return nil
			}
			agg, err := client().SavedAggregate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "aggregate %s: %d positions from %d runs\n", agg.ID, len(agg.Positions), agg.RunCount)
			for i := range agg.Positions {
				fmt.Fprintf(out, "%s\t%s\t%d\n", fmtFloat(agg.Positions[i]), fmtFloat(agg.MeanVoltage[i]), agg.Counts[i])
			}
			return nil
		},
	})
	return cmd
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func printStatus(out io.Writer, s api.StatusResponse) {
	running := warnText("stopped")
	if s.Running {
		running = okText("running")
	}
	fmt.Fprintf(out, "%s  state=%s cycles=%d completed=%d failed=%d\n",
		running, s.State, s.Cycles, s.Completed, s.Failed)
	if s.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", failText(s.LastError))
	}
}
