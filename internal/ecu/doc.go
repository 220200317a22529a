// Package ecu defines the shared domain model for the tuning core.
//
// It contains the entities every other package speaks in terms of:
// map definitions and snapshots, changesets and their validation results,
// the Engine capability interface implemented by each protocol variant,
// the error taxonomy, and the event bus.
//
// DESIGN RULES:
//
// Stable error kinds:
// Every failure a caller can act on maps to exactly one Kind constant.
// UIs must be able to render "not connected" differently from "unsafe
// change rejected" differently from "checksum mismatch", so kinds are
// never collapsed into a generic failure.
//
// Content-addressed changesets:
// A Changeset is frozen at creation and identified by a domain-separated
// SHA-256 over its canonical form (see hash.go). Two changesets with the
// same edits, author, and creation time have the same ID.
//
// Events over bounded channels:
// Notifications (progress, session-armed, map-updated) are a closed enum
// delivered over a bounded channel per subscriber. A slow subscriber
// drops events rather than blocking safety-critical paths; drops are
// counted and observable.
package ecu
