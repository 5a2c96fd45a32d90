package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fts.report/internal/acquisition"
	"github.com/banshee-data/fts.report/internal/interferogram"
	"github.com/banshee-data/fts.report/internal/runstore"
)

func aggregateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Average every stored raw run and store the detrended average",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			catalog, archive, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer catalog.Close()

			ds, id, err := acquisition.AggregateRuns(cmd.Context(), archive, cfg.GetPolyDegree())
			if errors.Is(err, interferogram.ErrNoRuns) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s no raw runs in %s\n", warnText("nothing to do:"), archive.RawDir)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s aggregate %s: %d positions from %d runs\n",
				okText("stored"), id, ds.Len(), ds.RunCount)
			return nil
		},
	}
}

func detrendCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "detrend <raw_data.csv>",
		Short: "Detrend one raw run file into a processed run file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			run, err := runstore.ReadRun(args[0])
			if err != nil {
				return err
			}
			processed, err := run.Process(cfg.GetPolyDegree())
			if err != nil {
				return err
			}
			if out == "" {
				if err := os.MkdirAll(cfg.GetProcessedDataDir(), 0o755); err != nil {
					return err
				}
				out = filepath.Join(cfg.GetProcessedDataDir(), runstore.ProcessedFileName(run.StartTime))
			}
			if err := runstore.WriteProcessedRun(processed, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d samples -> %s\n", okText("detrended"), processed.Len(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: the processed data folder)")
	return cmd
}
