// Package api is the HTTP control surface: starting and stopping
// collection, reporting status and serving processed and aggregate data.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fts.report/internal/acquisition"
	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/httputil"
	"github.com/banshee-data/fts.report/internal/interferogram"
)

// DefaultStopTimeout bounds how long a stop request waits for the current
// cycle to unwind.
const DefaultStopTimeout = 30 * time.Second

// Collector is the acquisition control the server drives.
type Collector interface {
	StartCollection(ctx context.Context) error
	StopCollection(ctx context.Context) error
	Running() bool
	Status() acquisition.Status
	LatestProcessedRun(ctx context.Context) (*interferogram.ProcessedRun, error)
	AggregateDataset(ctx context.Context) (*interferogram.AggregateDataset, string, error)
}

// RunCatalog lists stored runs newest first and loads them by id. Lookups
// of unknown ids wrap db.ErrNotFound.
type RunCatalog interface {
	ListRuns(ctx context.Context, limit int) ([]db.RunSummary, error)
	RawRun(ctx context.Context, id string) (*interferogram.RawRun, error)
	ProcessedRun(ctx context.Context, id string) (*interferogram.ProcessedRun, error)
	Aggregate(ctx context.Context, id string) (*interferogram.AggregateDataset, error)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running bool `json:"running"`
	acquisition.Status
}

// RunResponse is a processed run as served by GET /api/runs/latest.
type RunResponse struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Samples          int       `json:"samples"`
	Positions        []float64 `json:"positions"`
	DetrendedVoltage []float64 `json:"detrended_voltage"`
}

// StoredRunResponse is a raw or processed run as served by GET
// /api/runs/{id}. Voltages are detrended for processed runs.
type StoredRunResponse struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Samples         int       `json:"samples"`
	AcceptedBatches int       `json:"accepted_batches,omitempty"`
	DroppedBatches  int       `json:"dropped_batches,omitempty"`
	Positions       []float64 `json:"positions"`
	Voltages        []float64 `json:"voltages"`
}

// AggregateResponse is the body of POST /api/aggregate and
// GET /api/aggregates/{id}.
type AggregateResponse struct {
	ID          string    `json:"id"`
	RunCount    int       `json:"run_count"`
	Positions   []float64 `json:"positions"`
	MeanVoltage []float64 `json:"mean_voltage"`
	Counts      []int     `json:"counts"`
}

type Server struct {
	// base outlives requests; the collection loop is started under it.
	base      context.Context
	collector Collector
	runs      RunCatalog

	StopTimeout time.Duration
}

// NewServer returns a server whose collection loop runs until ctx ends.
// runs may be nil, in which case the run and aggregate lookups answer 404.
func NewServer(ctx context.Context, collector Collector, runs RunCatalog) *Server {
	return &Server{
		base:        ctx,
		collector:   collector,
		runs:        runs,
		StopTimeout: DefaultStopTimeout,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/collection/start", s.startCollection)
	mux.HandleFunc("/api/collection/stop", s.stopCollection)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/runs/latest", s.showLatestRun)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}", s.showRun)
	mux.HandleFunc("/api/aggregate", s.aggregate)
	mux.HandleFunc("/api/aggregates/{id}", s.showAggregate)
	return mux
}

func (s *Server) status() StatusResponse {
	return StatusResponse{Running: s.collector.Running(), Status: s.collector.Status()}
}

func (s *Server) startCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.collector.StartCollection(s.base); err != nil {
		if errors.Is(err, acquisition.ErrCollectionRunning) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) stopCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.StopTimeout)
	defer cancel()
	if err := s.collector.StopCollection(ctx); err != nil {
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status())
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status())
}

func (s *Server) showLatestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	run, err := s.collector.LatestProcessedRun(r.Context())
	if errors.Is(err, interferogram.ErrNoRuns) {
		httputil.WriteJSONError(w, http.StatusNotFound, "no processed runs yet")
		return
	}
	if err != nil {
		log.Printf("[api] latest run: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RunResponse{
		StartTime:        run.StartTime,
		EndTime:          run.EndTime,
		Samples:          run.Len(),
		Positions:        run.Positions,
		DetrendedVoltage: run.DetrendedVoltage,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "run listing not available")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		log.Printf("[api] list runs: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []db.RunSummary{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// showRun looks the id up as a raw run first, then as a processed run.
func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "run catalog not available")
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	raw, err := s.runs.RawRun(ctx, id)
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, StoredRunResponse{
			ID:              id,
			Kind:            db.KindRaw,
			StartTime:       raw.StartTime,
			EndTime:         raw.EndTime,
			Samples:         raw.Len(),
			AcceptedBatches: raw.AcceptedBatches,
			DroppedBatches:  raw.DroppedBatches,
			Positions:       raw.Position,
			Voltages:        raw.Voltage,
		})
		return
	}
	if !errors.Is(err, db.ErrNotFound) {
		s.lookupFailed(w, "run "+id, err)
		return
	}

	processed, err := s.runs.ProcessedRun(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		httputil.WriteJSONError(w, http.StatusNotFound, "no run with id "+id)
		return
	case err != nil:
		s.lookupFailed(w, "run "+id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StoredRunResponse{
		ID:        id,
		Kind:      db.KindProcessed,
		StartTime: processed.StartTime,
		EndTime:   processed.EndTime,
		Samples:   processed.Len(),
		Positions: processed.Positions,
		Voltages:  processed.DetrendedVoltage,
	})
}

func (s *Server) showAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "run catalog not available")
		return
	}
	id := r.PathValue("id")
	ds, err := s.runs.Aggregate(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		httputil.WriteJSONError(w, http.StatusNotFound, "no aggregate with id "+id)
		return
	case err != nil:
		s.lookupFailed(w, "aggregate "+id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AggregateResponse{
		ID:          id,
		RunCount:    ds.RunCount,
		Positions:   ds.Positions,
		MeanVoltage: ds.MeanVoltage,
		Counts:      ds.Counts,
	})
}

func (s *Server) lookupFailed(w http.ResponseWriter, what string, err error) {
	log.Printf("[api] %s: %v", what, err)
	httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	ds, id, err := s.collector.AggregateDataset(r.Context())
	switch {
	case errors.Is(err, interferogram.ErrNoRuns), errors.Is(err, interferogram.ErrDegenerateFit):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		log.Printf("[api] aggregate: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, AggregateResponse{
		ID:          id,
		RunCount:    ds.RunCount,
		Positions:   ds.Positions,
		MeanVoltage: ds.MeanVoltage,
		Counts:      ds.Counts,
	})
}
