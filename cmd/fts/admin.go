package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fts.report/internal/actuator"
	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/serialmux"
)

// listPorts is swapped in tests.
var listPorts = serialmux.ListPorts

func portsCmd(g *globalFlags) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports, optionally probing for the actuator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := listPorts()
			if err != nil {
				return fmt.Errorf("list serial ports: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, warnText("no serial ports found"))
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			if !probe {
				return nil
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			conn, err := actuator.NewZaberConnector(actuator.Options{
				Ports:           cfg.ActuatorPorts,
				Port:            serialmux.PortOptions{BaudRate: cfg.GetActuatorBaud()},
				MicrostepSizeUM: cfg.GetMicrostepSizeUM(),
				ListPorts:       listPorts,
			}).Connect(ctx)
			if err != nil {
				fmt.Fprintf(out, "%s %v\n", failText("actuator:"), err)
				return nil
			}
			defer conn.Close()
			fmt.Fprintf(out, "%s %s\n", okText("actuator:"), conn)
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe ports for a responding actuator")
	return cmd
}

func migrateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run catalog schema",
	}
	open := func() (*db.DB, error) {
		cfg, err := g.load()
		if err != nil {
			return nil, err
		}
		return db.OpenDB(cfg.GetDatabasePath())
	}
	printStatus := func(cmd *cobra.Command, catalog *db.DB) error {
		s, err := catalog.Status()
		if err != nil {
			return err
		}
		state := okText("up to date")
		switch {
		case s.Dirty:
			state = failText("dirty")
		case s.CurrentVersion < s.LatestVersion:
			state = warnText("pending")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d of %d: %s\n", s.CurrentVersion, s.LatestVersion, state)
		return nil
	}

	for _, sub := range []struct {
		use, short string
		run        func(*db.DB) error
	}{
		{"up", "Apply all pending migrations", (*db.DB).MigrateUp},
		{"down", "Roll back the most recent migration", (*db.DB).MigrateDown},
		{"status", "Show the applied schema version", func(*db.DB) error { return nil }},
	} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				catalog, err := open()
				if err != nil {
					return err
				}
				defer catalog.Close()
				if err := sub.run(catalog); err != nil {
					return err
				}
				return printStatus(cmd, catalog)
			},
		})
	}
	return cmd
}
