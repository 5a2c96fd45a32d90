package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fts.report/internal/acquisition"
	"github.com/banshee-data/fts.report/internal/api"
	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/runstore"
	"github.com/banshee-data/fts.report/internal/timeutil"
)

// stack is everything a collecting process holds open.
type stack struct {
	cfg     *config.AcquisitionConfig
	catalog *db.DB
	archive *runstore.Archive
	hw      *hardware
	orch    *acquisition.Orchestrator
}

func openStack(cfg *config.AcquisitionConfig, simulated bool) (*stack, error) {
	catalog, archive, err := openArchive(cfg)
	if err != nil {
		return nil, err
	}
	hw, err := openHardware(cfg, simulated)
	if err != nil {
		catalog.Close()
		return nil, err
	}
	orch := acquisition.NewOrchestrator(cfg, hw.connector, hw.digitizer, archive, timeutil.RealClock{})
	return &stack{cfg: cfg, catalog: catalog, archive: archive, hw: hw, orch: orch}, nil
}

func (s *stack) Close() error {
	return errors.Join(s.hw.Close(), s.catalog.Close())
}

// openArchive opens the run catalog and the CSV folders it indexes.
func openArchive(cfg *config.AcquisitionConfig) (*db.DB, *runstore.Archive, error) {
	catalog, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open run catalog: %w", err)
	}
	archive, err := runstore.NewArchive(cfg, catalog, timeutil.RealClock{})
	if err != nil {
		catalog.Close()
		return nil, nil, err
	}
	return catalog, archive, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		listen    string
		simulated bool
		autostart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return serve(ctx, st, listen, autostart)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "listen address")
	cmd.Flags().BoolVar(&simulated, "simulate", false, "use a simulated stage and digitizer")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start collecting immediately")
	return cmd
}

func serve(ctx context.Context, st *stack, listen string, autostart bool) error {
	controller := acquisition.NewController(st.orch, st.archive)
	// Collection outlives the signal: shutdown asks it to stop at the next
	// cycle boundary and aborts it only once the watchdog wait has passed.
	collectCtx := context.WithoutCancel(ctx)
	server := api.NewServer(collectCtx, controller, st.archive)
	mux := server.ServeMux()
	if err := st.catalog.AttachAdminRoutes(mux); err != nil {
		return err
	}
	if st.hw.attach != nil {
		st.hw.attach(mux)
	}

	if autostart {
		if err := controller.StartCollection(collectCtx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stopCollection := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), st.cfg.WatchdogTimeout())
		defer cancel()
		if err := controller.StopCollection(stopCtx); err != nil {
			log.Printf("collection did not stop cleanly: %v", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stopCollection()
		return fmt.Errorf("http server: %w", err)
	}

	log.Println("shutting down...")
	stopCollection()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := httpServer.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	wg.Wait()
	log.Printf("graceful shutdown complete")
	return nil
}
