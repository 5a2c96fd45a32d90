package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func collectCmd(g *globalFlags) *cobra.Command {
	var (
		cycles    int
		simulated bool
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a fixed number of acquisition cycles and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cycles < 1 {
				return fmt.Errorf("--cycles must be at least 1, got %d", cycles)
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			st, err := openStack(cfg, simulated)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			completed := 0
			for i := 1; i <= cycles && ctx.Err() == nil; i++ {
				run, id, err := st.orch.RunCycle(ctx)
				if err != nil {
					fmt.Fprintf(out, "cycle %d/%d %s %v\n", i, cycles, failText("FAILED"), err)
					continue
				}
				completed++
				fmt.Fprintf(out, "cycle %d/%d %s run %s: %d samples %s\n",
					i, cycles, okText("OK"), id, run.Len(), dimText(run.StartTime.Format("15:04:05")))
			}
			fmt.Fprintf(out, "%d of %d cycles completed\n", completed, cycles)
			if completed == 0 {
				return errors.New("no cycle completed")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 1, "number of cycles to run")
	cmd.Flags().BoolVar(&simulated, "simulate", false, "use a simulated stage and digitizer")
	return cmd
}
