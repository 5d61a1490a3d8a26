// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package policy loads and hot-reloads the resolved configuration for every
// component in the fabric: admission caps, breaker cooldowns, health
// thresholds, governor schedule, and log rotation.
package policy

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deleguard/fabric/internal/log"
)

var sensitiveKeyParts = []string{"token", "password", "secret", "key"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// ParseString reads key from the environment, logging its provenance.
// Sensitive-looking keys are masked in the log line.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("policy")
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Debug().Str("key", key).Str("source", "default").Msg("config value resolved")
		return defaultValue
	}
	if isSensitiveKey(key) {
		logger.Debug().Str("key", key).Str("source", "environment").Str("value", "***").Msg("config value resolved")
	} else {
		logger.Debug().Str("key", key).Str("source", "environment").Str("value", v).Msg("config value resolved")
	}
	return v
}

// ParseInt reads key as an integer, falling back to defaultValue and warning
// on a malformed value rather than failing startup.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("policy")
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Err(err).Msg("invalid integer config value, using default")
		return defaultValue
	}
	return n
}

// ParseDuration reads key as a Go duration string such as "30s", falling
// back to defaultValue on a malformed value. A bare count without a unit is
// malformed here; ParseMillis reads the table's millisecond counts.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("policy")
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Err(err).Msg("invalid duration config value, using default")
		return defaultValue
	}
	return d
}

// ParseBool reads key as a boolean, falling back to defaultValue on a
// malformed or missing value.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("policy")
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Err(err).Msg("invalid boolean config value, using default")
		return defaultValue
	}
	return b
}

// ParseFloat reads key as a float64, falling back to defaultValue on a
// malformed or missing value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("policy")
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Err(err).Msg("invalid float config value, using default")
		return defaultValue
	}
	return f
}

// ParseMillis reads key as a plain integer count of milliseconds and returns
// it as a time.Duration, matching the env-var table's *-ms naming.
func ParseMillis(key string, defaultMs int) time.Duration {
	return time.Duration(ParseInt(key, defaultMs)) * time.Millisecond
}
