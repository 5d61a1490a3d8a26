// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admission

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PressureProvider samples host pressure. A nil return means "no opinion" —
// the breaker only acts on an explicit severity.
type PressureProvider interface {
	Sample(ctx context.Context) (*PressureSnapshot, error)
}

// ProcessTablePressure is the default PressureProvider: it scans /proc for
// processes whose cmdline matches BinaryName, sums their RSS, and compares
// both the match count and aggregate RSS against the configured thresholds.
type ProcessTablePressure struct {
	BinaryName string

	WarnCount      int
	CriticalCount  int
	WarnRssMb      int64
	CriticalRssMb  int64

	procRoot string // overridable in tests; defaults to /proc
}

// NewProcessTablePressure builds the default probe for binaryName.
func NewProcessTablePressure(binaryName string, warnCount, criticalCount int, warnRssMb, criticalRssMb int64) *ProcessTablePressure {
	return &ProcessTablePressure{
		BinaryName:    binaryName,
		WarnCount:     warnCount,
		CriticalCount: criticalCount,
		WarnRssMb:     warnRssMb,
		CriticalRssMb: criticalRssMb,
		procRoot:      "/proc",
	}
}

func (p *ProcessTablePressure) Sample(ctx context.Context) (*PressureSnapshot, error) {
	root := p.procRoot
	if root == "" {
		root = "/proc"
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	matched := 0
	var rssKb int64
	total := 0

	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		total++

		cmdline, err := os.ReadFile(filepath.Join(root, e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if p.BinaryName == "" || !strings.Contains(string(cmdline), p.BinaryName) {
			continue
		}
		matched++
		rssKb += readRssKb(filepath.Join(root, e.Name(), "status"))
	}

	rssMb := rssKb / 1024
	sev := SeverityOK
	switch {
	case (p.CriticalCount > 0 && matched >= p.CriticalCount) || (p.CriticalRssMb > 0 && rssMb >= p.CriticalRssMb):
		sev = SeverityCritical
	case (p.WarnCount > 0 && matched >= p.WarnCount) || (p.WarnRssMb > 0 && rssMb >= p.WarnRssMb):
		sev = SeverityWarn
	}

	return &PressureSnapshot{
		Ts:             time.Now(),
		Severity:       sev,
		NodeCount:      matched,
		NodeRssMb:      rssMb,
		TotalProcesses: total,
	}, nil
}

func readRssKb(statusPath string) int64 {
	f, err := os.Open(statusPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb
	}
	return 0
}
