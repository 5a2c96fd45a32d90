package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/fts.report/internal/db"
	"github.com/banshee-data/fts.report/internal/httputil"
)

// Client drives a running server from the command line.
type Client struct {
	baseURL string
	http    httputil.Doer
}

// NewClient returns a client for the server at baseURL. A nil doer uses
// http.DefaultClient.
func NewClient(baseURL string, doer httputil.Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

func (c *Client) call(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return httputil.DecodeJSON(resp, out)
}

// Start asks the server to begin collecting.
func (c *Client) Start(ctx context.Context) (StatusResponse, error) {
	var s StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/collection/start", &s)
	return s, err
}

// Stop asks the server to stop collecting and waits for the answer.
func (c *Client) Stop(ctx context.Context) (StatusResponse, error) {
	var s StatusResponse
	err := c.call(ctx, http.MethodPost, "/api/collection/stop", &s)
	return s, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var s StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/status", &s)
	return s, err
}

func (c *Client) LatestRun(ctx context.Context) (*RunResponse, error) {
	var r RunResponse
	if err := c.call(ctx, http.MethodGet, "/api/runs/latest", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Runs(ctx context.Context, limit int) ([]db.RunSummary, error) {
	path := "/api/runs"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var runs []db.RunSummary
	err := c.call(ctx, http.MethodGet, path, &runs)
	return runs, err
}

// Run fetches a stored raw or processed run by id.
func (c *Client) Run(ctx context.Context, id string) (*StoredRunResponse, error) {
	var r StoredRunResponse
	if err := c.call(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SavedAggregate fetches a previously computed aggregate by id.
func (c *Client) SavedAggregate(ctx context.Context, id string) (*AggregateResponse, error) {
	var a AggregateResponse
	if err := c.call(ctx, http.MethodGet, "/api/aggregates/"+url.PathEscape(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Aggregate(ctx context.Context) (*AggregateResponse, error) {
	var a AggregateResponse
	if err := c.call(ctx, http.MethodPost, "/api/aggregate", &a); err != nil {
		return nil, err
	}
	return &a, nil
}
