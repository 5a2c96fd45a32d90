package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Doer is the part of *http.Client the control client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// MockResponse is one scripted reply of a MockDoer.
type MockResponse struct {
	StatusCode int
	Body       string
	Err        error
}

// MockDoer replays scripted responses in order and records every request.
// Once the script is exhausted it answers 200 with an empty JSON object.
type MockDoer struct {
	mu       sync.Mutex
	script   []MockResponse
	requests []*http.Request
	bodies   []string
}

// NewMockDoer returns a MockDoer that will answer with the given responses.
func NewMockDoer(responses ...MockResponse) *MockDoer {
	return &MockDoer{script: responses}
}

// Do records req and returns the next scripted response.
func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = string(raw)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	next := MockResponse{StatusCode: http.StatusOK, Body: "{}"}
	if len(m.script) > 0 {
		next, m.script = m.script[0], m.script[1:]
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return &http.Response{
		StatusCode: next.StatusCode,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(next.Body)),
		Request:    req,
	}, nil
}

// Requests returns "METHOD path" for every request seen so far.
func (m *MockDoer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Method + " " + r.URL.Path
	}
	return out
}

// Body returns the body of the nth request.
func (m *MockDoer) Body(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.bodies) {
		return ""
	}
	return m.bodies[n]
}
