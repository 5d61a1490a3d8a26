// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package policy

import "time"

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GovernorMode selects how the Adaptive Governor reacts to its own verdicts.
type GovernorMode string

const (
	GovernorObserve GovernorMode = "observe"
	GovernorWarn    GovernorMode = "warn"
	GovernorEnforce GovernorMode = "enforce"
)

// Resolved is the frozen, clamped result of loading every environment option
// this module exposes. It is passed by value into component constructors;
// there is no hidden global configuration singleton.
type Resolved struct {
	MaxRuns  int
	MaxSlots int
	MaxDepth int

	BreakerCooldown   time.Duration
	CallResultGapMax  int
	GapResetQuietTime time.Duration

	RunLeaseTTL  time.Duration
	SlotLeaseTTL time.Duration

	GovernorMode          GovernorMode
	GovernorCheckInterval time.Duration
	GovernorWindow        time.Duration
	EmergencyFuse         time.Duration

	HealthWarnNoProgress   time.Duration
	HealthAbortNoProgress  time.Duration
	HealthAbortQuickTool   time.Duration
	HealthAbortActiveTool  time.Duration
	HealthWarnCooldown     time.Duration

	EventLogMaxBytes   int64
	EventLogMaxBackups int

	LockWait     time.Duration
	LockStale    time.Duration
	ListenAddr   string
	LogLevel     string
	ForceKillAfter time.Duration

	DataDir       string
	StatePath     string
	EventLogPath  string

	DelegateBinaryName string
	PressureWarnCount     int
	PressureCriticalCount int
	PressureWarnRssMb     int64
	PressureCriticalRssMb int64

	TracingEnabled      bool
	TracingExporter     string
	TracingEndpoint     string
	TracingSamplingRate float64
}

const (
	minEventLogBytes   = 64 * 1024
	maxEventLogBytes   = 1 << 30
	minEventLogBackups = 1
	maxEventLogBackups = 20
)

// Load resolves every option from the process environment, applying the
// documented defaults and clamping size/backup counts to safe bounds.
func Load() Resolved {
	dataDir := ParseString("DATA_DIR", "/var/lib/fabric")
	r := Resolved{
		MaxRuns:  ParseInt("MAX_RUNS", 6),
		MaxSlots: ParseInt("MAX_SLOTS", 16),
		MaxDepth: ParseInt("MAX_DEPTH", 2),

		BreakerCooldown:   ParseMillis("BREAKER_COOLDOWN_MS", 30_000),
		CallResultGapMax:  ParseInt("CALL_RESULT_GAP_MAX", 24),
		GapResetQuietTime: ParseMillis("GAP_RESET_QUIET_MS", 45_000),

		RunLeaseTTL:  ParseMillis("RUN_LEASE_TTL_MS", 1_800_000),
		SlotLeaseTTL: ParseMillis("SLOT_LEASE_TTL_MS", 600_000),

		GovernorMode:          GovernorMode(ParseString("GOVERNOR_MODE", string(GovernorWarn))),
		GovernorCheckInterval: time.Duration(ParseInt("GOVERNOR_CHECK_SECONDS", 75)) * time.Second,
		GovernorWindow:        time.Duration(ParseInt("GOVERNOR_WINDOW_SECONDS", 180)) * time.Second,
		EmergencyFuse:         time.Duration(ParseInt("EMERGENCY_FUSE_SECONDS", 14_400)) * time.Second,

		HealthWarnNoProgress:  ParseMillis("DELEGATED_HEALTH_WARN_MS", 120_000),
		HealthAbortNoProgress: ParseMillis("DELEGATED_HEALTH_ABORT_MS", 900_000),
		HealthAbortQuickTool:  ParseMillis("DELEGATED_HEALTH_QUICK_TOOL_MS", 300_000),
		HealthAbortActiveTool: ParseMillis("DELEGATED_HEALTH_ACTIVE_TOOL_MS", 1_800_000),
		HealthWarnCooldown:    ParseMillis("DELEGATED_HEALTH_WARN_COOLDOWN_MS", 60_000),

		EventLogMaxBytes:   int64(ParseInt("EVENT_LOG_MAX_BYTES", 10_485_760)),
		EventLogMaxBackups: ParseInt("EVENT_LOG_MAX_BACKUPS", 5),

		LockWait:       ParseMillis("LOCK_WAIT_MS", 2_000),
		LockStale:      ParseMillis("LOCK_STALE_MS", 60_000),
		ListenAddr:     ParseString("LISTEN_ADDR", ":8090"),
		LogLevel:       ParseString("LOG_LEVEL", "info"),
		ForceKillAfter: ParseMillis("FORCE_KILL_AFTER_MS", 5_000),

		DataDir:      dataDir,
		StatePath:    ParseString("STATE_PATH", dataDir+"/admission-state.json"),
		EventLogPath: ParseString("EVENT_LOG_PATH", dataDir+"/events.ndjson"),

		DelegateBinaryName:    ParseString("DELEGATE_BINARY_NAME", "claude"),
		PressureWarnCount:     ParseInt("PRESSURE_WARN_COUNT", 24),
		PressureCriticalCount: ParseInt("PRESSURE_CRITICAL_COUNT", 40),
		PressureWarnRssMb:     int64(ParseInt("PRESSURE_WARN_RSS_MB", 4_096)),
		PressureCriticalRssMb: int64(ParseInt("PRESSURE_CRITICAL_RSS_MB", 8_192)),

		TracingEnabled:      ParseBool("TRACING_ENABLED", false),
		TracingExporter:     ParseString("TRACING_EXPORTER", ""),
		TracingEndpoint:     ParseString("TRACING_ENDPOINT", "localhost:4317"),
		TracingSamplingRate: ParseFloat("TRACING_SAMPLING_RATE", 0.1),
	}
	return r.clamped()
}

func (r Resolved) clamped() Resolved {
	if r.EventLogMaxBytes < minEventLogBytes {
		r.EventLogMaxBytes = minEventLogBytes
	}
	if r.EventLogMaxBytes > maxEventLogBytes {
		r.EventLogMaxBytes = maxEventLogBytes
	}
	if r.EventLogMaxBackups < minEventLogBackups {
		r.EventLogMaxBackups = minEventLogBackups
	}
	if r.EventLogMaxBackups > maxEventLogBackups {
		r.EventLogMaxBackups = maxEventLogBackups
	}
	switch r.GovernorMode {
	case GovernorObserve, GovernorWarn, GovernorEnforce:
	default:
		r.GovernorMode = GovernorWarn
	}
	if r.MaxRuns < 1 {
		r.MaxRuns = 1
	}
	if r.MaxSlots < 1 {
		r.MaxSlots = 1
	}
	if r.MaxDepth < 0 {
		r.MaxDepth = 0
	}
	if r.TracingSamplingRate < 0 {
		r.TracingSamplingRate = 0
	}
	if r.TracingSamplingRate > 1 {
		r.TracingSamplingRate = 1
	}
	return r
}
