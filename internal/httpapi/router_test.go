// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deleguard/fabric/internal/admission"
	"github.com/deleguard/fabric/internal/logwriter"
	"github.com/deleguard/fabric/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()

	p := policy.Resolved{
		MaxRuns: 4, MaxSlots: 8, MaxDepth: 2,
		BreakerCooldown: time.Second, CallResultGapMax: 10,
		GapResetQuietTime: time.Second, RunLeaseTTL: time.Hour, SlotLeaseTTL: time.Hour,
		LockWait: time.Second, LockStale: time.Minute,
	}
	eventPath := filepath.Join(dir, "events.ndjson")
	events, err := logwriter.New(eventPath, 1<<20, 3, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	controller := admission.New(p, filepath.Join(dir, "state.json"), nil, events)
	return New(controller, eventPath)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_ReturnsJSONSnapshot(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "activeRuns\":0")
}

func TestPolicy_ReturnsResolvedConfig(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MaxRuns")
}

func TestEventsTail_ReturnsRecentLines(t *testing.T) {
	f := newTestFacade(t)
	_ = f.controller.RecordToolCall(context.Background(), "bash")

	req := httptest.NewRequest(http.MethodGet, "/v1/events/tail?n=5", nil)
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
