// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command fabricctl is the operator-facing companion to fabricd: status,
// tail and policy all work either straight off the on-disk admission state
// and event log (no --addr), or against a running daemon's HTTP facade
// (--addr host:port), the way an operator would run it from a shell with
// or without a facade already up.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/deleguard/fabric/internal/admission"
	"github.com/deleguard/fabric/internal/logwriter"
	"github.com/deleguard/fabric/internal/policy"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "-version", "--version":
		fmt.Printf("fabricctl %s (%s)\n", version, commit)
		return 0
	case "status":
		return runStatus(args[1:])
	case "tail":
		return runTail(args[1:])
	case "policy":
		return runPolicy(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "fabricctl: unknown subcommand %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: fabricctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  status   print the current admission snapshot (active runs/slots, gap, circuit)")
	fmt.Fprintln(os.Stderr, "  tail     print the last N admission event-log lines")
	fmt.Fprintln(os.Stderr, "  policy   print the resolved configuration")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Each command accepts --addr host:port to query a running fabricd's HTTP")
	fmt.Fprintln(os.Stderr, "facade instead of reading the local state/log files directly.")
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func fetchJSON(addr, path string, out any) error {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func localController(p policy.Resolved) (*admission.Controller, *logwriter.Writer, error) {
	events, err := logwriter.New(p.EventLogPath, p.EventLogMaxBytes, p.EventLogMaxBackups, time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	pressure := admission.NewProcessTablePressure(
		p.DelegateBinaryName,
		p.PressureWarnCount, p.PressureCriticalCount,
		p.PressureWarnRssMb, p.PressureCriticalRssMb,
	)
	return admission.New(p, p.StatePath, pressure, events), events, nil
}

func runStatus(args []string) int {
	fs := newFlagSet("fabricctl status")
	addr := fs.String("addr", "", "fabricd HTTP facade address (host:port); empty reads local files")
	asJSON := fs.Bool("json", false, "print the raw JSON snapshot")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var status admission.Status
	var maxRuns, maxSlots, gapMax int

	if *addr != "" {
		if err := fetchJSON(*addr, "/v1/status", &status); err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl: status query failed:", err)
			return 2
		}
		var p policy.Resolved
		if err := fetchJSON(*addr, "/v1/policy", &p); err == nil {
			maxRuns, maxSlots, gapMax = p.MaxRuns, p.MaxSlots, p.CallResultGapMax
		}
	} else {
		p := policy.Load()
		controller, events, err := localController(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl:", err)
			return 1
		}
		defer func() { _ = events.Close() }()
		s, err := controller.GetStatus(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl: status query failed:", err)
			return 1
		}
		status = s
		maxRuns, maxSlots, gapMax = p.MaxRuns, p.MaxSlots, p.CallResultGapMax
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return boolToExit(enc.Encode(status) == nil)
	}

	fmt.Printf("runs:    %d/%d active\n", status.ActiveRuns, maxRuns)
	fmt.Printf("slots:   %d/%d active\n", status.ActiveSlots, maxSlots)
	fmt.Printf("gap:     %d (calls=%d results=%d, max=%d)\n", status.Gap, status.CallCount, status.ResultCount, gapMax)
	if status.Circuit.Open {
		fmt.Printf("circuit: OPEN reason=%s\n", status.Circuit.Reason)
	} else {
		fmt.Printf("circuit: closed\n")
	}
	if status.Pressure != nil {
		fmt.Printf("pressure: %s (nodes=%d rssMb=%d totalProcs=%d)\n",
			status.Pressure.Severity, status.Pressure.NodeCount, status.Pressure.NodeRssMb, status.Pressure.TotalProcesses)
	}
	return 0
}

func runTail(args []string) int {
	fs := newFlagSet("fabricctl tail")
	addr := fs.String("addr", "", "fabricd HTTP facade address (host:port); empty reads the local event log")
	n := fs.Int("n", 50, "number of trailing event-log lines to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var lines []string
	if *addr != "" {
		var body struct {
			Lines []string `json:"lines"`
		}
		if err := fetchJSON(*addr, fmt.Sprintf("/v1/events/tail?n=%d", *n), &body); err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl: tail failed:", err)
			return 2
		}
		lines = body.Lines
	} else {
		p := policy.Load()
		l, err := logwriter.TailLines(p.EventLogPath, *n)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl: tail failed:", err)
			return 1
		}
		lines = l
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return 0
}

func runPolicy(args []string) int {
	fs := newFlagSet("fabricctl policy")
	addr := fs.String("addr", "", "fabricd HTTP facade address (host:port); empty resolves the local environment")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *addr != "" {
		var raw json.RawMessage
		if err := fetchJSON(*addr, "/v1/policy", &raw); err != nil {
			fmt.Fprintln(os.Stderr, "fabricctl: policy query failed:", err)
			return 2
		}
		var pretty any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return boolToExit(false)
		}
		return boolToExit(enc.Encode(pretty) == nil)
	}

	p := policy.Load()
	return boolToExit(enc.Encode(p) == nil)
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}
