// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor runs one delegated child process end to end: spawn,
// stream its stdout/stderr, feed progress into a Health Monitor, and
// escalate SIGTERM/SIGKILL on abort.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/deleguard/fabric/internal/fsm"
	"github.com/deleguard/fabric/internal/health"
	"github.com/deleguard/fabric/internal/log"
	"github.com/deleguard/fabric/internal/procgroup"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AbortOrigin names what caused a run to abort.
type AbortOrigin string

const (
	AbortNone     AbortOrigin = ""
	AbortSignal   AbortOrigin = "signal"
	AbortHealth   AbortOrigin = "health"
	AbortBudget   AbortOrigin = "budget"
	AbortPolicy   AbortOrigin = "policy"
	AbortExternal AbortOrigin = "external"
)

// Watchdog is consulted on every health tick; it may force an abort with a
// reason independent of the Health Monitor's own classification.
type Watchdog func(now time.Time) (reason string, abort bool)

// LaunchDescriptor configures one delegated run.
type LaunchDescriptor struct {
	Label          string
	Argv           []string
	Env            []string
	Cwd            string
	RuntimeLimit   time.Duration
	OnLine         func(marker ProgressMarker) (abort bool)
	OnStderr       func(line string)
	OnHealthWarn   func(classification health.Classification)
	Watchdogs      []Watchdog
	Signal         <-chan struct{} // closed to request cancellation
	HealthConfig   health.Config
	PollInterval   time.Duration
	ForceKillAfter time.Duration
	MaxStderrBytes int
}

// HealthSummary is the final health record attached to an Outcome.
type HealthSummary struct {
	Classification health.Classification
	WarningCount   int
	StallEpisodes  int
}

// Outcome reports how a delegated run ended.
type Outcome struct {
	ExitCode    int
	Stderr      string
	Aborted     bool
	AbortOrigin AbortOrigin
	AbortReason string
	Health      HealthSummary
}

// Supervisor drives one LaunchDescriptor through its lifecycle.
type Supervisor struct {
	machine *fsm.Machine[lifecycleState, lifecycleEvent]
	logger  zerolog.Logger
}

// New builds a Supervisor ready to Run once.
func New() (*Supervisor, error) {
	m, err := newLifecycle()
	if err != nil {
		return nil, err
	}
	return &Supervisor{machine: m, logger: log.WithComponent("supervisor")}, nil
}

const defaultForceKillAfter = 5 * time.Second
const defaultPollInterval = time.Second
const defaultMaxStderrBytes = 64 * 1024

// Run spawns the child described by d and drives it to completion,
// returning the terminal Outcome. It never returns an error itself: all
// failure modes surface through Outcome.
func (s *Supervisor) Run(ctx context.Context, d LaunchDescriptor) Outcome {
	forceKillAfter := d.ForceKillAfter
	if forceKillAfter <= 0 {
		forceKillAfter = defaultForceKillAfter
	}
	pollInterval := d.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxStderr := d.MaxStderrBytes
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderrBytes
	}

	if isClosed(d.Signal) {
		s.transition(ctx, eventAbort)
		return Outcome{Aborted: true, AbortOrigin: AbortSignal, AbortReason: "cancelled before spawn"}
	}

	cmd := exec.CommandContext(ctx, d.Argv[0], d.Argv[1:]...)
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}
	cmd.Dir = d.Cwd
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Aborted: true, AbortOrigin: AbortExternal, AbortReason: "stdout pipe: " + err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Aborted: true, AbortOrigin: AbortExternal, AbortReason: "stderr pipe: " + err.Error()}
	}

	if err := cmd.Start(); err != nil {
		s.transition(ctx, eventAbort)
		return Outcome{Aborted: true, AbortOrigin: AbortExternal, AbortReason: "spawn failed: " + err.Error()}
	}
	s.transition(ctx, eventStart)

	monitor := health.New(d.HealthConfig)

	var mu sync.Mutex
	var terminal struct {
		set    bool
		origin AbortOrigin
		reason string
	}
	setTerminal := func(origin AbortOrigin, reason string) {
		mu.Lock()
		defer mu.Unlock()
		if terminal.set {
			return
		}
		terminal.set = true
		terminal.origin = origin
		terminal.reason = reason
	}

	var stderrBuf bytes.Buffer
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			line := scanner.Text()
			marker := ParseLine(line)
			now := time.Now()

			switch marker.Kind {
			case MarkerToolStart:
				monitor.OnToolStart(marker.ToolName, now)
				monitor.OnFingerprint(marker.Fingerprint, now)
			case MarkerToolEnd:
				monitor.OnToolEnd(now)
				monitor.OnFingerprint(marker.Fingerprint, now)
			case MarkerAssistant, MarkerAssistantError:
				monitor.OnFingerprint(fmt.Sprintf("assistant:%d", marker.Chars), now)
			}

			if d.OnLine != nil && d.OnLine(marker) {
				setTerminal(AbortExternal, "onLine requested abort")
				return nil
			}
		}
		return scanner.Err()
	})

	g.Go(func() error {
		reader := bufio.NewReader(stderr)
		for {
			line, rerr := reader.ReadString('\n')
			if line != "" {
				if stderrBuf.Len() < maxStderr {
					stderrBuf.WriteString(line)
				}
				if d.OnStderr != nil {
					d.OnStderr(line)
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					s.logger.Debug().Err(rerr).Msg("supervisor: stderr read error")
				}
				return nil
			}
		}
	})

	g.Go(func() error {
		var runtimeTimer <-chan time.Time
		if d.RuntimeLimit > 0 {
			t := time.NewTimer(d.RuntimeLimit)
			defer t.Stop()
			runtimeTimer = t.C
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-d.Signal:
				setTerminal(AbortSignal, "cancelled by caller")
				return nil
			case <-runtimeTimer:
				setTerminal(AbortBudget, "runtime limit exceeded")
				return nil
			case <-ticker.C:
				classification, warn, abortReason := monitor.Evaluate(time.Now(), false)
				if warn && d.OnHealthWarn != nil {
					d.OnHealthWarn(classification)
				}
				if abortReason != "" {
					setTerminal(AbortHealth, abortReason)
					return nil
				}
				for _, wd := range d.Watchdogs {
					if reason, abort := wd(time.Now()); abort {
						setTerminal(AbortPolicy, reason)
						return nil
					}
				}
			}
		}
	})

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitCode int
	var cancelKill func()
	abortFired := false

	waitLoop:
	for {
		select {
		case err := <-waitErr:
			close(done)
			if cancelKill != nil {
				cancelKill()
			}
			exitCode = exitCodeOf(err)
			break waitLoop
		case <-time.After(pollInterval):
			mu.Lock()
			isTerminal := terminal.set
			mu.Unlock()
			if isTerminal && !abortFired {
				abortFired = true
				s.transition(ctx, eventAbort)
				cancelKill = procgroup.KillAfter(ctx, cmd, syscall.SIGTERM, forceKillAfter, done)
			}
		}
	}

	_ = g.Wait()

	mu.Lock()
	origin := terminal.origin
	reason := terminal.reason
	wasAborted := terminal.set
	mu.Unlock()

	s.transition(ctx, eventClose)
	s.transition(ctx, eventSettle)

	snap := monitor.Snapshot()
	return Outcome{
		ExitCode:    exitCode,
		Stderr:      stderrBuf.String(),
		Aborted:     wasAborted,
		AbortOrigin: origin,
		AbortReason: reason,
		Health: HealthSummary{
			Classification: snap.Classification,
			WarningCount:   snap.WarningCount,
			StallEpisodes:  snap.StallEpisodes,
		},
	}
}

func (s *Supervisor) transition(ctx context.Context, event lifecycleEvent) {
	if _, err := s.machine.Fire(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event", string(event)).Msg("supervisor: lifecycle transition rejected")
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
