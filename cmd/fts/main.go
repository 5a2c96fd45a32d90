// Command fts runs the Fourier-transform spectrometer acquisition service
// and its offline data tools.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/version"
)

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
	failText = color.New(color.FgRed, color.Bold).SprintFunc()
	dimText  = color.New(color.Faint).SprintFunc()
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataRoot   string
}

func (g *globalFlags) load() (*config.AcquisitionConfig, error) {
	cfg := config.EmptyAcquisitionConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadAcquisitionConfig(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.dataRoot != "" {
		cfg = cfg.WithDataRoot(g.dataRoot)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "fts",
		Short:   "FTS - interferogram acquisition for a Fourier-transform spectrometer",
		Version: version.String(),
		Long: `fts drives a motorised mirror stage and a streaming digitizer, records one
interferogram per sweep, detrends it and stores it. Stored runs can be
averaged into a single dataset.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "acquisition config JSON (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&g.dataRoot, "data", "", "directory to hold the data folders and run catalog")

	rootCmd.AddCommand(serveCmd(g))
	rootCmd.AddCommand(collectCmd(g))
	rootCmd.AddCommand(aggregateCmd(g))
	rootCmd.AddCommand(detrendCmd(g))
	rootCmd.AddCommand(portsCmd(g))
	rootCmd.AddCommand(migrateCmd(g))
	rootCmd.AddCommand(ctlCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failText("error:"), err)
		os.Exit(1)
	}
}
