// Package validate implements the shared changeset validation pipeline.
//
// The pipeline is a pure function Changeset -> ValidationResult:
// calling it twice with the same changeset and an unchanged catalogue
// yields an identical result. The orchestrator relies on this to call
// validation speculatively before session creation.
//
// Engine variants contribute only their threshold tables; the
// traversal, risk accounting, and diagnostics format live here.
package validate

import (
	"fmt"

	"github.com/openecu/tunegate/internal/ecu"
)

// Severity classifies what a triggered rule contributes to the result.
type Severity string

const (
	// SeverityWarning populates Warnings; warnings never invalidate.
	SeverityWarning Severity = "warning"
	// SeverityViolation populates SafetyViolations and invalidates.
	SeverityViolation Severity = "violation"
	// SeverityError populates Errors and invalidates.
	SeverityError Severity = "error"
)

// Rule is one engine-specific threshold over a map type. Max triggers
// when the new value exceeds it; Min triggers when the new value falls
// below it. Message must contain exactly one %g verb for the value.
type Rule struct {
	MapType  ecu.MapType
	Max      *float64
	Min      *float64
	Severity Severity
	Weight   int
	Message  string
}

// Threshold is a convenience for taking the address of a literal.
func Threshold(v float64) *float64 { return &v }

// Risk weights for structural problems found by the pipeline itself.
const (
	weightUnknownMap   = 10
	weightOutOfBounds  = 15
	weightBadShape     = 10
	weightReadOnly     = 10
	weightSafetyTouch  = 5 // any edit to a safety-critical map
)

// Run validates a changeset against a catalogue and an engine's rules.
//
// Risk accounting: every finding contributes a non-negative weight, and
// the score is the clamped sum. Adding a change can therefore never
// decrease the score (risk monotonicity).
func Run(defs map[string]ecu.MapDefinition, rules []Rule, cs ecu.Changeset) ecu.ValidationResult {
	res := ecu.ValidationResult{
		ChangesetID:      cs.ID,
		Warnings:         []string{},
		Errors:           []string{},
		SafetyViolations: []string{},
		Recommendations:  []string{},
	}

	risk := 0
	for _, ch := range cs.Changes {
		def, ok := defs[ch.MapID]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("unknown map %q", ch.MapID))
			risk += weightUnknownMap
			continue
		}

		if def.ReadOnly {
			res.Errors = append(res.Errors, fmt.Sprintf("map %q is read-only", ch.MapID))
			risk += weightReadOnly
			continue
		}

		if ch.Row < 0 || ch.Row >= def.Shape.Rows || ch.Col < 0 || ch.Col >= def.Shape.Cols {
			res.Errors = append(res.Errors,
				fmt.Sprintf("map %q has no cell (%d,%d) in %dx%d grid",
					ch.MapID, ch.Row, ch.Col, def.Shape.Rows, def.Shape.Cols))
			risk += weightBadShape
			continue
		}

		if ch.NewValue < def.Min || ch.NewValue > def.Max {
			res.Errors = append(res.Errors,
				fmt.Sprintf("map %q value %g outside definition bounds [%g, %g]",
					ch.MapID, ch.NewValue, def.Min, def.Max))
			risk += weightOutOfBounds
		}

		if def.SafetyCritical {
			risk += weightSafetyTouch
		}

		// Engine threshold rules, in declaration order for determinism.
		for _, rule := range rules {
			if rule.MapType != def.Type {
				continue
			}
			triggered := false
			if rule.Max != nil && ch.NewValue > *rule.Max {
				triggered = true
			}
			if rule.Min != nil && ch.NewValue < *rule.Min {
				triggered = true
			}
			if !triggered {
				continue
			}
			msg := fmt.Sprintf(rule.Message, ch.NewValue)
			switch rule.Severity {
			case SeverityViolation:
				res.SafetyViolations = append(res.SafetyViolations, msg)
			case SeverityError:
				res.Errors = append(res.Errors, msg)
			default:
				res.Warnings = append(res.Warnings, msg)
			}
			risk += rule.Weight
		}
	}

	if risk > 100 {
		risk = 100
	}
	res.RiskScore = risk
	res.Valid = len(res.Errors) == 0 && len(res.SafetyViolations) == 0

	if len(res.SafetyViolations) > 0 {
		res.Recommendations = append(res.Recommendations,
			"Reduce the flagged values below the protocol safety ceiling before applying")
	}
	if res.RiskScore >= 40 {
		res.Recommendations = append(res.Recommendations,
			"Validate this changeset on a dynamometer before road use")
	}

	return res
}
