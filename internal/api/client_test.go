package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fts.report/internal/acquisition"
	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/httputil"
	"github.com/banshee-data/fts.report/internal/interferogram"
)

func TestClientAgainstServer(t *testing.T) {
	c := &fakeCollector{
		latest: &interferogram.ProcessedRun{Positions: []float64{3}, DetrendedVoltage: []float64{0.25}},
		agg:    &interferogram.AggregateDataset{Positions: []float64{1}, MeanVoltage: []float64{2}, Counts: []int{3}, RunCount: 3},
	}
	lister := &fakeCatalog{
		runs:       []db.RunSummary{{ID: "r1", Kind: db.KindProcessed}},
		processed:  map[string]*interferogram.ProcessedRun{"r1": {Positions: []float64{3}, DetrendedVoltage: []float64{0.25}}},
		aggregates: map[string]*interferogram.AggregateDataset{"a1": {Positions: []float64{1}, MeanVoltage: []float64{2}, Counts: []int{3}, RunCount: 3}},
	}
	ts := httptest.NewServer(NewServer(context.Background(), c, lister).ServeMux())
	defer ts.Close()

	client := NewClient(ts.URL+"/", nil)
	ctx := context.Background()

	s, err := client.Start(ctx)
	require.NoError(t, err)
	assert.True(t, s.Running)

	_, err = client.Start(ctx)
	var se *httputil.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Equal(t, acquisition.ErrCollectionRunning.Error(), se.Message)

	s, err = client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, acquisition.StateConnecting, s.State)

	run, err := client.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25}, run.DetrendedVoltage)

	runs, err := client.Runs(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, lister.lastLimit)
	assert.Equal(t, "r1", runs[0].ID)

	stored, err := client.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, db.KindProcessed, stored.Kind)
	assert.Equal(t, []float64{0.25}, stored.Voltages)

	_, err = client.Run(ctx, "missing")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	agg, err := client.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.RunCount)

	saved, err := client.SavedAggregate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", saved.ID)
	assert.Equal(t, []int{3}, saved.Counts)

	s, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, s.Running)
}

func TestClientRequestsAndTransportErrors(t *testing.T) {
	refused := errors.New("connection refused")
	doer := httputil.NewMockDoer(
		httputil.MockResponse{StatusCode: 422, Body: `{"error":"no runs to aggregate"}`},
		httputil.MockResponse{Err: refused},
		httputil.MockResponse{StatusCode: 200, Body: `[]`},
		httputil.MockResponse{StatusCode: 200, Body: `{"id":"2024 run","kind":"raw"}`},
	)
	client := NewClient("http://fts.local:8080", doer)
	ctx := context.Background()

	_, err := client.Aggregate(ctx)
	var se *httputil.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 422, se.StatusCode)

	_, err = client.Status(ctx)
	assert.ErrorIs(t, err, refused)

	_, err = client.Runs(ctx, 0)
	require.NoError(t, err)

	run, err := client.Run(ctx, "2024 run")
	require.NoError(t, err)
	assert.Equal(t, db.KindRaw, run.Kind)

	assert.Equal(t, []string{"POST /api/aggregate", "GET /api/status", "GET /api/runs", "GET /api/runs/2024 run"}, doer.Requests())
}
