// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package governor implements the Adaptive Governor: a parent-session
// scorer that watches its own tool/assistant event stream over a rolling
// window and decides whether the session is making acceptable progress.
package governor

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"regexp"
	"sort"
	"time"

	"github.com/deleguard/fabric/internal/log"
	"github.com/deleguard/fabric/internal/policy"
	"golang.org/x/time/rate"
)

// EventKind names the four shapes of window event the governor consumes.
type EventKind string

const (
	ToolStart   EventKind = "tool_start"
	ToolEndOk   EventKind = "tool_end_ok"
	ToolEndErr  EventKind = "tool_end_err"
	Assistant   EventKind = "assistant"
)

// WindowEvent is one entry in the governor's rolling window.
type WindowEvent struct {
	At           time.Time
	Kind         EventKind
	Signature    string
	Novel        bool
	Verification bool
	Chars        int
}

// Verdict is a direct-reason or strike-budget abort signal.
type Verdict string

const (
	VerdictLowProgress          Verdict = "low_progress"
	VerdictLoopDetected         Verdict = "loop_detected"
	VerdictRetryChurn           Verdict = "retry_churn"
	VerdictBudgetCostExceeded   Verdict = "budget_cost_exceeded"
	VerdictBudgetTokensExceeded Verdict = "budget_tokens_exceeded"
	VerdictEmergencyFuseExceeded Verdict = "emergency_fuse_exceeded"
)

// Budget lets a caller report consumption against cost/token limits; a zero
// limit means "unbounded" (never trips).
type Budget struct {
	CostLimit   float64
	CostSpent   float64
	TokenLimit  int64
	TokenSpent  int64
}

var verificationPattern = regexp.MustCompile(`(?i)\b(test|lint|typecheck|build)\b`)

// Governor scores one parent session across a rolling window.
type Governor struct {
	mode          policy.GovernorMode
	windowMs      time.Duration
	emergencyFuse time.Duration
	startedAt     time.Time

	window        []WindowEvent
	seenSignature map[string]bool

	strikes       int
	failureStreak int
	lastFailureSignature string

	limiter *rate.Limiter

	warned map[string]bool // dedup by reason|message
}

// New builds a Governor. checkInterval gates Evaluate via a rate.Limiter,
// mirroring the Health Monitor's warning-cooldown idiom.
func New(mode policy.GovernorMode, windowMs, emergencyFuse, checkInterval time.Duration) *Governor {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	return &Governor{
		mode:          mode,
		windowMs:      windowMs,
		emergencyFuse: emergencyFuse,
		startedAt:     time.Now(),
		seenSignature: map[string]bool{},
		limiter:       rate.NewLimiter(rate.Every(checkInterval), 1),
		warned:        map[string]bool{},
	}
}

// Signature hashes a tool name plus its sorted-key JSON-serialized
// arguments to a stable 32-bit string.
func Signature(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	data, _ := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{Tool: tool, Args: ordered})

	h := fnv.New32a()
	_, _ = h.Write(data)
	return tool + ":" + itoaUint32(h.Sum32())
}

func itoaUint32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// IsVerification reports whether a bash command looks like a
// test/lint/typecheck/build invocation, detected structurally rather than
// by argument text alone.
func IsVerification(tool, command string) bool {
	if tool != "bash" {
		return false
	}
	return verificationPattern.MatchString(command)
}

// Record appends one window event and prunes anything older than windowMs.
func (g *Governor) Record(ev WindowEvent) {
	if ev.Signature != "" {
		ev.Novel = !g.seenSignature[ev.Signature]
		g.seenSignature[ev.Signature] = true
	}
	g.window = append(g.window, ev)
	g.pruneLocked(ev.At)

	switch ev.Kind {
	case ToolEndErr:
		if g.lastFailureSignature == ev.Signature && ev.Signature != "" {
			g.failureStreak++
		} else {
			g.failureStreak = 1
		}
		g.lastFailureSignature = ev.Signature
	case ToolEndOk:
		g.failureStreak = 0
	}
}

func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.windowMs)
	i := 0
	for ; i < len(g.window); i++ {
		if g.window[i].At.After(cutoff) {
			break
		}
	}
	g.window = g.window[i:]
}

func (g *Governor) thresholds(age time.Duration) (minScore float64, strikeBudget int) {
	switch {
	case age < 5*time.Minute:
		return -0.25, 4
	case age < 15*time.Minute:
		return 0.35, 3
	case age < 45*time.Minute:
		return 0.85, 2
	default:
		return 1.10, 2
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// score computes the windowed progress score from the current window
// contents.
func (g *Governor) score(now time.Time, lastSignal time.Time) float64 {
	var toolStarts, toolEndOk, toolEndErr, novelSignatures int
	var assistantChars int
	var hasVerification bool
	var balancedRecovery bool

	for _, ev := range g.window {
		switch ev.Kind {
		case ToolStart:
			toolStarts++
		case ToolEndOk:
			toolEndOk++
		case ToolEndErr:
			toolEndErr++
		case Assistant:
			assistantChars += ev.Chars
		}
		if ev.Novel {
			novelSignatures++
		}
		if ev.Verification {
			hasVerification = true
		}
	}
	if toolEndOk >= toolEndErr && toolEndErr > 0 {
		balancedRecovery = true
	}

	score := 0.0
	score += minf(0.8, float64(toolStarts)*0.2)
	score += minf(2.4, float64(toolEndOk)*0.8)
	score += minf(1.2, float64(novelSignatures)*0.4)
	if assistantChars >= 900 {
		score += 0.9
	} else if assistantChars >= 250 {
		score += 0.4
	}
	if hasVerification {
		score += 0.8
	}
	if balancedRecovery {
		score += 0.4
	}
	score -= minf(2.7, float64(toolEndErr)*0.9)
	if g.softLoop(assistantChars) {
		score -= 1.2
	}
	if g.failureStreak >= 2 {
		score -= 0.6
	}

	if !lastSignal.IsZero() {
		idle := now.Sub(lastSignal)
		if idle > 90*time.Second {
			score -= 0.35 * idle.Minutes()
		}
	}

	return clamp(score, -4, 6)
}

// softLoop reports a repeated tail signature with low-content assistant
// output, the "soft loop" penalty condition.
func (g *Governor) softLoop(assistantChars int) bool {
	sig, ok := g.tailSignature()
	return ok && g.repeatedTail(sig, 2) && assistantChars < 250
}

// hardLoop reports a session at least ten minutes old whose last four tool
// invocations share one signature, with no novelty and near-empty assistant
// output — the loop_detected direct reason.
func (g *Governor) hardLoop(age time.Duration, assistantChars int) bool {
	if age < 10*time.Minute {
		return false
	}
	sig, ok := g.tailSignature()
	if !ok {
		return false
	}
	if !g.repeatedTail(sig, 4) {
		return false
	}
	return assistantChars < 120 && g.noveltyInTail(4) == 0
}

// tailSignature returns the signature of the most recent tool_start in the
// window, skipping non-tool events.
func (g *Governor) tailSignature() (string, bool) {
	for i := len(g.window) - 1; i >= 0; i-- {
		if g.window[i].Kind == ToolStart && g.window[i].Signature != "" {
			return g.window[i].Signature, true
		}
	}
	return "", false
}

func (g *Governor) repeatedTail(signature string, n int) bool {
	count := 0
	for i := len(g.window) - 1; i >= 0 && count < n; i-- {
		if g.window[i].Kind != ToolStart {
			continue
		}
		if g.window[i].Signature != signature {
			return false
		}
		count++
	}
	return count >= n
}

func (g *Governor) noveltyInTail(n int) int {
	novel := 0
	count := 0
	for i := len(g.window) - 1; i >= 0 && count < n; i-- {
		if g.window[i].Kind != ToolStart {
			continue
		}
		if g.window[i].Novel {
			novel++
		}
		count++
	}
	return novel
}

func (g *Governor) recentAssistantChars() int {
	if len(g.window) == 0 {
		return 0
	}
	for i := len(g.window) - 1; i >= 0; i-- {
		if g.window[i].Kind == Assistant {
			return g.window[i].Chars
		}
	}
	return 0
}

// Evaluate scores the current window and returns a verdict reason, if any.
// Calls are gated by a rate.Limiter at the configured check cadence: a call
// arriving before the next token is available is a silent no-op.
func (g *Governor) Evaluate(now time.Time, lastSignal time.Time, budget Budget) (verdict Verdict, ok bool) {
	if !g.limiter.Allow() {
		return "", false
	}

	age := now.Sub(g.startedAt)

	if g.emergencyFuse > 0 && age > g.emergencyFuse {
		return VerdictEmergencyFuseExceeded, true
	}
	if budget.CostLimit > 0 && budget.CostSpent > budget.CostLimit {
		return VerdictBudgetCostExceeded, true
	}
	if budget.TokenLimit > 0 && budget.TokenSpent > budget.TokenLimit {
		return VerdictBudgetTokensExceeded, true
	}
	if g.hardLoop(age, g.recentAssistantChars()) {
		return VerdictLoopDetected, true
	}
	if g.failureStreak >= 3 {
		return VerdictRetryChurn, true
	}

	windowScore := g.score(now, lastSignal)
	minScore, strikeBudget := g.thresholds(age)
	if windowScore < minScore {
		g.strikes++
	} else if g.strikes > 0 {
		g.strikes--
	}

	if g.strikes > strikeBudget {
		return VerdictLowProgress, true
	}
	return "", false
}

// ShouldAbort reports whether verdict should be treated as an abort under
// the current mode. observe never aborts; warn never aborts (it only
// surfaces the warning, deduplicated by (reason,message)); enforce aborts
// on any verdict.
func (g *Governor) ShouldAbort(verdict Verdict, message string) bool {
	if verdict == "" {
		return false
	}
	switch g.mode {
	case policy.GovernorEnforce:
		log.AuditInfo(context.Background(), "governor.verdict", "governor verdict enforced", map[string]any{
			"reason": verdict, "message": message, "mode": g.mode,
		})
		return true
	case policy.GovernorWarn:
		key := string(verdict) + "|" + message
		if !g.warned[key] {
			log.AuditInfo(context.Background(), "governor.verdict", "governor verdict warned", map[string]any{
				"reason": verdict, "message": message, "mode": g.mode,
			})
		}
		g.warned[key] = true
		return false
	default:
		return false
	}
}

// WasWarned reports whether (verdict, message) has already been surfaced,
// for dedup at the call site.
func (g *Governor) WasWarned(verdict Verdict, message string) bool {
	return g.warned[string(verdict)+"|"+message]
}
