// Package security implements seed-key derivation for ECU security
// access. Every algorithm here is a pure function of the received seed
// and requested level: no state, no side effects, and the caller never
// stores a derived key beyond the request that produced it.
package security

import "math/bits"

// Level is the protocol security-access level being unlocked.
// Values follow the conventional odd-request numbering (the key send
// uses level+1 on the wire; that detail belongs to the framing codec).
type Level uint8

const (
	// LevelDiagnostic unlocks extended diagnostics.
	LevelDiagnostic Level = 0x01
	// LevelProgramming unlocks calibration writes and flashing.
	LevelProgramming Level = 0x03
	// LevelDevelopment unlocks development service access.
	LevelDevelopment Level = 0x11
)

// Algorithm derives the key for a seed at a given level.
// One algorithm exists per (engine, level) pair; all are deterministic.
type Algorithm func(seed uint32, level Level) uint32

// XORRotate derives key = rotl(seed XOR mask, level mod 31 + 1).
// Used by protocols with a published XOR-mask unlock scheme.
func XORRotate(mask uint32) Algorithm {
	return func(seed uint32, level Level) uint32 {
		return bits.RotateLeft32(seed^mask, int(level)%31+1)
	}
}

// AddRotate derives key = rotl(seed + addend, 5) XOR addend.
// Typical of older KWP-era controllers.
func AddRotate(addend uint32) Algorithm {
	return func(seed uint32, level Level) uint32 {
		return bits.RotateLeft32(seed+addend+uint32(level), 5) ^ addend
	}
}

// PolyFold derives the key by folding the seed through a small
// polynomial: key = seed*coeff + rotr(seed, 7) + level constant.
// Overflow wraps, which is part of the transform.
func PolyFold(coeff uint32) Algorithm {
	return func(seed uint32, level Level) uint32 {
		return seed*coeff + bits.RotateLeft32(seed, -7) + uint32(level)*0x0101
	}
}
