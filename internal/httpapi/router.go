// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpapi exposes a read-only observability facade over the
// Admission Controller: liveness, metrics, a JSON status snapshot, an
// event-log tail, and the resolved policy. It never grants or denies
// admission itself — all side effects happen through the single-writer
// lock path in internal/admission.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/deleguard/fabric/internal/admission"
	"github.com/deleguard/fabric/internal/log"
	"github.com/deleguard/fabric/internal/logwriter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Facade wires the router to a live Admission Controller and its event log.
type Facade struct {
	controller *admission.Controller
	eventPath  string
}

// New builds a Facade backed by controller; eventPath is the NDJSON file
// tailed by /v1/events/tail.
func New(controller *admission.Controller, eventPath string) *Facade {
	return &Facade{controller: controller, eventPath: eventPath}
}

// Router builds the chi mux. Rate limiting applies to every route since
// the whole surface is read-only but still worth protecting from a noisy
// local client.
func (f *Facade) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	r.Use(otelhttp.NewMiddleware("fabric-httpapi"))

	r.Get("/healthz", f.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/status", f.handleStatus)
	r.Get("/v1/events/tail", f.handleEventsTail)
	r.Get("/v1/policy", f.handlePolicy)
	return r
}

func (f *Facade) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *Facade) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := f.controller.GetStatus(r.Context())
	if err != nil {
		logger := log.WithComponent("httpapi")
		logger.Warn().Err(err).Msg("httpapi: status query failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (f *Facade) handlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.controller.GetPolicy())
}

func (f *Facade) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	lines, err := logwriter.TailLines(f.eventPath, n)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
