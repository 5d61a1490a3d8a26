// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import "encoding/json"

// StreamEvent is the JSON shape a delegated child emits, one object per
// stdout line, resembling a CLI agent's stream-json output format.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Cost      float64         `json:"cost,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// ToolName/Args surface the tool_execution_start/end payload shape;
	// these are not part of the generic envelope above, so they're decoded
	// opportunistically.
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// MarkerKind enumerates the ProgressMarker kinds a stream line can produce.
type MarkerKind string

const (
	MarkerToolStart      MarkerKind = "tool_start"
	MarkerToolEnd        MarkerKind = "tool_end"
	MarkerAssistant      MarkerKind = "assistant"
	MarkerAssistantError MarkerKind = "assistant_error"
	MarkerOther          MarkerKind = "other"
)

// ProgressMarker is the normalized unit the Supervisor feeds to the Health
// Monitor and Adaptive Governor after parsing one stdout line.
type ProgressMarker struct {
	Kind        MarkerKind
	Action      string
	ToolName    string
	Fingerprint string
	Chars       int
	IsError     bool
	Raw         string
}

// ParseLine maps one raw stdout line to a ProgressMarker. Malformed JSON or
// an unrecognized type never fails the run; it degrades to an "other"
// marker carrying the raw line for diagnostics.
func ParseLine(line string) ProgressMarker {
	var ev StreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ProgressMarker{Kind: MarkerOther, Action: "event:malformed_json", Raw: line}
	}

	switch ev.Type {
	case "tool_execution_start":
		return ProgressMarker{
			Kind:        MarkerToolStart,
			Action:      ev.Type,
			ToolName:    ev.ToolName,
			Fingerprint: ev.ToolName + ":" + ev.RequestID,
		}
	case "tool_execution_end":
		return ProgressMarker{
			Kind:        MarkerToolEnd,
			Action:      ev.Type,
			ToolName:    ev.ToolName,
			IsError:     ev.IsError,
			Fingerprint: ev.ToolName + ":" + ev.RequestID,
		}
	case "message_end":
		chars := len(ev.Message)
		if ev.IsError {
			return ProgressMarker{Kind: MarkerAssistantError, Action: ev.Type, Chars: chars, IsError: true}
		}
		return ProgressMarker{Kind: MarkerAssistant, Action: ev.Type, Chars: chars}
	default:
		return ProgressMarker{Kind: MarkerOther, Action: "event:" + ev.Type, Raw: line}
	}
}
