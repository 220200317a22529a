package ecu

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure. Every kind is a stable, distinct signal:
// callers and UIs branch on kinds, never on message text.
type Kind string

const (
	// KindNoInterfaceConnected indicates the transport was never established.
	KindNoInterfaceConnected Kind = "NO_INTERFACE_CONNECTED"

	// KindNoVehicleResponse indicates the transport is up but the ECU is silent.
	KindNoVehicleResponse Kind = "NO_VEHICLE_RESPONSE"

	// KindUnsupportedByEngine indicates a capability not in this variant's set.
	KindUnsupportedByEngine Kind = "UNSUPPORTED_BY_ENGINE"

	// KindNotFound indicates a map id unknown to the engine's catalogue,
	// or a session/job id unknown to the registry.
	KindNotFound Kind = "NOT_FOUND"

	// KindValidationFailed indicates a changeset with errors or safety violations.
	KindValidationFailed Kind = "VALIDATION_FAILED"

	// KindChecksumFailed indicates a ROM integrity check failed pre- or post-patch.
	KindChecksumFailed Kind = "CHECKSUM_FAILED"

	// KindNotArmed indicates a write attempted without a completed arming sequence.
	KindNotArmed Kind = "NOT_ARMED"

	// KindWrongMode indicates an operation disallowed at the current safety level,
	// e.g. writing a requires-flash map outside FLASH.
	KindWrongMode Kind = "WRONG_MODE"

	// KindTooManySessions indicates the session registry is at capacity.
	KindTooManySessions Kind = "TOO_MANY_SESSIONS"

	// KindInvalidCode indicates a failed arming verification code.
	KindInvalidCode Kind = "INVALID_CODE"

	// KindInvalidLevel indicates an unknown safety level.
	KindInvalidLevel Kind = "INVALID_LEVEL"

	// KindExpired indicates a session past its expiry timestamp.
	KindExpired Kind = "EXPIRED"

	// KindSecurityAccessDenied indicates the ECU rejected a derived seed key.
	KindSecurityAccessDenied Kind = "SECURITY_ACCESS_DENIED"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error type for the tuning core. It carries
// the kind plus whatever identifies the failing object, so logs and
// API responses keep full context without parsing messages.
type Error struct {
	Kind      Kind
	Message   string
	EngineID  string
	SessionID string
	JobID     string
	MapID     string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.EngineID != "" {
		msg += fmt.Sprintf(" (engine=%s)", e.EngineID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for non-core errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound constructs a catalogue-miss error for a map id.
func NotFound(engineID, mapID string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("map %q not in catalogue", mapID),
		EngineID: engineID,
		MapID:    mapID,
	}
}

// NotArmed constructs a safety-gate error for an unarmed write path.
func NotArmed(engineID, detail string) *Error {
	return &Error{Kind: KindNotArmed, Message: detail, EngineID: engineID}
}

// WrongMode constructs a safety-level mismatch error.
func WrongMode(engineID string, have, need SafetyLevel) *Error {
	return &Error{
		Kind:     KindWrongMode,
		Message:  fmt.Sprintf("operation requires safety level %s, current level is %s", need, have),
		EngineID: engineID,
	}
}

// Unsupported constructs a capability-miss error.
func Unsupported(engineID, capability string) *Error {
	return &Error{
		Kind:     KindUnsupportedByEngine,
		Message:  fmt.Sprintf("engine does not support %s", capability),
		EngineID: engineID,
	}
}
