// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package policy

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/deleguard/fabric/internal/log"
	"github.com/fsnotify/fsnotify"
)

// Overlay is the subset of Resolved that may change without a daemon
// restart: the governor's mode, the health monitor's no-progress warn and
// abort thresholds, and the tracing pipeline. Caps, TTLs, and the breaker are deliberately excluded —
// changing them live could strand leases mid-flight.
type Overlay struct {
	GovernorMode            *GovernorMode `json:"governorMode,omitempty"`
	HealthWarnNoProgressMs  *int64        `json:"healthWarnNoProgressMs,omitempty"`
	HealthAbortNoProgressMs *int64        `json:"healthAbortNoProgressMs,omitempty"`
	TracingEnabled          *bool         `json:"tracingEnabled,omitempty"`
	TracingSamplingRate     *float64      `json:"tracingSamplingRate,omitempty"`
}

// Holder serves a Resolved policy with an optional file-watched overlay
// applied on top: an atomic snapshot pointer readers never block on,
// refreshed by an fsnotify watcher on a best-effort basis.
type Holder struct {
	reloadMu sync.Mutex
	epoch    atomic.Uint64
	base     Resolved
	snapshot atomic.Pointer[Resolved]
	path     string
	watcher  *fsnotify.Watcher
	notify   func(Resolved)
}

// NewHolder creates a Holder around base, optionally watching path (if
// non-empty) for an Overlay JSON document to merge on top.
func NewHolder(base Resolved, path string) *Holder {
	h := &Holder{base: base, path: path}
	h.snapshot.Store(&base)
	return h
}

// Notify registers fn to run with the new snapshot after each successful
// overlay apply, so components with their own reconfiguration path (the
// telemetry provider) can follow the reload. Must be called before Watch.
func (h *Holder) Notify(fn func(Resolved)) {
	h.notify = fn
}

// Current returns the presently effective policy.
func (h *Holder) Current() Resolved {
	if p := h.snapshot.Load(); p != nil {
		return *p
	}
	return h.base
}

// Watch starts an fsnotify watcher on the overlay path, if configured, and
// applies the overlay immediately once before returning. It is best-effort:
// a missing file or a watcher error is logged and otherwise ignored, since
// the daemon must run fine with no overlay at all.
func (h *Holder) Watch() (stop func(), err error) {
	logger := log.WithComponent("policy")
	if h.path == "" {
		return func() {}, nil
	}

	h.applyOverlay()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to start policy overlay watcher")
		return func() {}, nil
	}
	if err := w.Add(h.path); err != nil {
		logger.Warn().Err(err).Str("path", h.path).Msg("failed to watch policy overlay file")
		_ = w.Close()
		return func() {}, nil
	}
	h.watcher = w

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					h.applyOverlay()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(werr).Msg("policy overlay watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Close()
	}, nil
}

func (h *Holder) applyOverlay() {
	logger := log.WithComponent("policy")
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	data, err := os.ReadFile(h.path)
	if err != nil {
		logger.Debug().Err(err).Str("path", h.path).Msg("no policy overlay applied")
		return
	}

	var ov Overlay
	if err := json.Unmarshal(data, &ov); err != nil {
		logger.Warn().Err(err).Str("path", h.path).Msg("malformed policy overlay, keeping previous snapshot")
		return
	}

	next := h.base
	if ov.GovernorMode != nil {
		next.GovernorMode = *ov.GovernorMode
	}
	if ov.HealthWarnNoProgressMs != nil {
		next.HealthWarnNoProgress = msDuration(*ov.HealthWarnNoProgressMs)
	}
	if ov.HealthAbortNoProgressMs != nil {
		next.HealthAbortNoProgress = msDuration(*ov.HealthAbortNoProgressMs)
	}
	if ov.TracingEnabled != nil {
		next.TracingEnabled = *ov.TracingEnabled
	}
	if ov.TracingSamplingRate != nil {
		next.TracingSamplingRate = *ov.TracingSamplingRate
	}
	next = next.clamped()

	h.snapshot.Store(&next)
	h.epoch.Add(1)
	if h.notify != nil {
		h.notify(next)
	}
	log.AuditInfo(context.Background(), "policy.overlay_applied", "policy overlay applied", map[string]any{
		"epoch": h.epoch.Load(),
		"path":  h.path,
	})
}
