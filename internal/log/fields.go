// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRunID           = "run_id"
	FieldSlotID          = "slot_id"
	FieldLeaseID         = "lease_id"
	FieldCorrelationID   = "correlation_id"
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldJobID           = "job_id"
	FieldIdempotencyKey  = "idempotency_key"

	// Admission / governance fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldDenyCode  = "deny_code"
	FieldDepth     = "depth"
	FieldGap       = "gap"

	// Supervisor / health fields
	FieldToolName       = "tool_name"
	FieldClassification = "classification"
	FieldAbortOrigin    = "abort_origin"
	FieldAbortReason    = "abort_reason"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath         = "path"
	FieldEventLogPath = "event_log_path"
)
