// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command fabricd is the admission daemon: it stands up the read-only HTTP
// observability facade and, underneath it, the single-writer admission
// controller that actually grants or denies delegated runs. Operators talk
// to a running fabricd through fabricctl, not through this binary directly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deleguard/fabric/internal/admission"
	"github.com/deleguard/fabric/internal/httpapi"
	xglog "github.com/deleguard/fabric/internal/log"
	"github.com/deleguard/fabric/internal/logwriter"
	"github.com/deleguard/fabric/internal/policy"
	"github.com/deleguard/fabric/internal/telemetry"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "config" {
		os.Exit(runConfigCLI(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "-version", "--version":
		fmt.Printf("fabricd %s (%s)\n", version, commit)
		return 0
	case "serve":
		p := policy.Load()
		xglog.Configure(xglog.Config{Level: p.LogLevel, Service: "fabricd", Version: version})
		return runServe(p, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "fabricd: unknown subcommand %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: fabricd <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve             run the HTTP observability facade and admission controller")
	fmt.Fprintln(os.Stderr, "  config validate   check the resolved environment configuration")
	fmt.Fprintln(os.Stderr, "  config dump       print the resolved configuration as JSON")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use fabricctl for status/tail/policy against a running daemon.")
}

// runConfigCLI handles the config subcommand family. Configuration is
// resolved entirely from the environment, so "validate" and "dump" both
// start from policy.Load() rather than a file.
func runConfigCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage()
		return 0
	}
	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:])
	case "dump":
		return runConfigDump(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "fabricd config: unknown subcommand %q\n\n", args[0])
		printConfigUsage()
		return 2
	}
}

func printConfigUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  fabricd config validate")
	fmt.Fprintln(os.Stderr, "  fabricd config dump [--json]")
}

// runConfigValidate resolves the environment and checks the things that can
// actually fail outside of the process's own env-var clamping: that the
// data directory is a directory (or, when absent, that its parent is), that
// the listen address parses, and that enabled tracing names a grpc or http
// exporter. Write permission on the directory is not checked.
func runConfigValidate(args []string) int {
	fs := flag.NewFlagSet("fabricd config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	p := policy.Load()
	var problems []string

	if _, _, err := net.SplitHostPort(p.ListenAddr); err != nil {
		problems = append(problems, fmt.Sprintf("listen-addr %q does not parse: %v", p.ListenAddr, err))
	}
	if err := checkWritableDir(p.DataDir); err != nil {
		problems = append(problems, fmt.Sprintf("data dir %q is not usable: %v", p.DataDir, err))
	}
	if p.TracingEnabled {
		switch p.TracingExporter {
		case "grpc", "http":
		default:
			problems = append(problems, fmt.Sprintf("tracing enabled but exporter %q is not grpc or http", p.TracingExporter))
		}
	}

	if len(problems) == 0 {
		fmt.Println("config: OK")
		return 0
	}
	for _, msg := range problems {
		fmt.Fprintln(os.Stderr, "config:", msg)
	}
	return 1
}

func checkWritableDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("not a directory")
		}
		return nil
	}
	parent := filepath.Dir(dir)
	fi, err := os.Stat(parent)
	if err != nil {
		return fmt.Errorf("parent %q: %w", parent, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("parent %q is not a directory", parent)
	}
	return nil
}

func runConfigDump(args []string) int {
	fs := flag.NewFlagSet("fabricd config dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	p := policy.Load()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		fmt.Fprintln(os.Stderr, "fabricd: failed to encode config:", err)
		return 1
	}
	return 0
}

func buildController(p policy.Resolved) (*admission.Controller, *logwriter.Writer, error) {
	events, err := logwriter.New(p.EventLogPath, p.EventLogMaxBytes, p.EventLogMaxBackups, time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	pressure := admission.NewProcessTablePressure(
		p.DelegateBinaryName,
		p.PressureWarnCount, p.PressureCriticalCount,
		p.PressureWarnRssMb, p.PressureCriticalRssMb,
	)
	c := admission.New(p, p.StatePath, pressure, events)
	return c, events, nil
}

func runServe(p policy.Resolved, args []string) int {
	fs := flag.NewFlagSet("fabricd serve", flag.ContinueOnError)
	addr := fs.String("listen", p.ListenAddr, "address to bind the HTTP facade")
	overlayPath := fs.String("policy-overlay", "", "path to a hot-reloadable policy overlay JSON file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := xglog.WithComponent("fabricd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        p.TracingEnabled,
		ServiceName:    "fabricd",
		ServiceVersion: version,
		Environment:    "production",
		ExporterType:   p.TracingExporter,
		Endpoint:       p.TracingEndpoint,
		SamplingRate:   p.TracingSamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracer provider")
		return 1
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	holder := policy.NewHolder(p, *overlayPath)
	holder.Notify(func(r policy.Resolved) {
		applyErr := tp.Apply(ctx, telemetry.Config{
			Enabled:        r.TracingEnabled,
			ServiceName:    "fabricd",
			ServiceVersion: version,
			Environment:    "production",
			ExporterType:   r.TracingExporter,
			Endpoint:       r.TracingEndpoint,
			SamplingRate:   r.TracingSamplingRate,
		})
		if applyErr != nil {
			logger.Warn().Err(applyErr).Msg("fabricd: tracing reconfigure failed, keeping previous pipeline")
		}
	})
	stopOverlay, err := holder.Watch()
	if err != nil {
		logger.Warn().Err(err).Msg("policy overlay watch failed to start")
	}
	defer stopOverlay()

	controller, events, err := buildController(holder.Current())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct admission controller")
		return 1
	}
	defer func() { _ = events.Close() }()

	facade := httpapi.New(controller, p.EventLogPath)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           facade.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("fabricd: serving admission observability facade")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("fabricd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("fabricd: graceful shutdown failed")
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("fabricd: server error")
			return 1
		}
		return 0
	}
}
