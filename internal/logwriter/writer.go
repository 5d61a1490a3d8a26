// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package logwriter appends NDJSON event records to a file, rotating it by
// size: accumulate, and once a threshold is crossed, drop the oldest backup
// rather than block or fail the caller.
package logwriter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deleguard/fabric/internal/log"
)

const (
	MinMaxBytes   = 64 * 1024
	MaxMaxBytes   = 1 << 30
	MinMaxBackups = 1
	MaxMaxBackups = 20
)

// Writer is an append-only NDJSON sink with size-based rotation. The zero
// value is not usable; construct with New.
type Writer struct {
	mu sync.Mutex

	path          string
	maxBytes      int64
	maxBackups    int
	checkInterval time.Duration

	f            *os.File
	size         int64
	lastChecked  time.Time
	lastRotateAt time.Time
}

// Clamp applies the documented [64KB,1GB] / [1,20] bounds.
func Clamp(maxBytes int64, maxBackups int) (int64, int) {
	if maxBytes < MinMaxBytes {
		maxBytes = MinMaxBytes
	}
	if maxBytes > MaxMaxBytes {
		maxBytes = MaxMaxBytes
	}
	if maxBackups < MinMaxBackups {
		maxBackups = MinMaxBackups
	}
	if maxBackups > MaxMaxBackups {
		maxBackups = MaxMaxBackups
	}
	return maxBytes, maxBackups
}

// New opens (creating if necessary) path for append, with rotation governed
// by maxBytes/maxBackups (both clamped) and throttled by checkInterval.
func New(path string, maxBytes int64, maxBackups int, checkInterval time.Duration) (*Writer, error) {
	maxBytes, maxBackups = Clamp(maxBytes, maxBackups)
	if checkInterval < 0 {
		checkInterval = 0 // 0 disables throttling: check on every append
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logwriter: open %s: %w", path, err)
	}
	info, err := f.Stat()
	var size int64
	if err == nil {
		size = info.Size()
	}

	return &Writer{
		path:          path,
		maxBytes:      maxBytes,
		maxBackups:    maxBackups,
		checkInterval: checkInterval,
		f:             f,
		size:          size,
	}, nil
}

// Append writes one NDJSON record (event plus "ts" if not already present).
// Any I/O failure is logged and swallowed: a broken telemetry sink must
// never fail the caller's primary operation.
func (w *Writer) Append(event map[string]any) {
	if w == nil {
		return
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UnixMilli()
	}
	line, err := json.Marshal(event)
	if err != nil {
		logger := log.WithComponent("logwriter")
		logger.Warn().Err(err).Msg("failed to marshal event, dropping")
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeRotateLocked()

	n, err := w.f.Write(line)
	if err != nil {
		logger := log.WithComponent("logwriter")
		logger.Warn().Err(err).Str("path", w.path).Msg("failed to append event, dropping")
		return
	}
	w.size += int64(n)
}

// maybeRotateLocked checks (throttled by checkInterval) whether the current
// file has crossed maxBytes, and if so rotates file.(i-1) -> file.i down to
// maxBackups before truncating the head. Must be called with mu held.
func (w *Writer) maybeRotateLocked() {
	now := time.Now()
	if w.checkInterval > 0 && now.Sub(w.lastChecked) < w.checkInterval {
		return
	}
	w.lastChecked = now

	if w.size < w.maxBytes {
		return
	}

	if err := w.f.Close(); err != nil {
		logger := log.WithComponent("logwriter")
		logger.Warn().Err(err).Msg("failed to close log for rotation")
	}

	for i := w.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(src); err != nil {
			continue // tolerate missing intermediate files
		}
		_ = os.Rename(src, dst)
	}
	if w.maxBackups >= 1 {
		_ = os.Rename(w.path, fmt.Sprintf("%s.1", w.path))
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger := log.WithComponent("logwriter")
		logger.Error().Err(err).Msg("failed to reopen log after rotation")
		return
	}
	w.f = f
	w.size = 0
	w.lastRotateAt = now
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Path returns the base (unrotated) file path this writer appends to.
func (w *Writer) Path() string {
	return w.path
}
