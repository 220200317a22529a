// Package engines implements the protocol engine variants.
//
// All three variants (uds, kwp, ssm) share one engine template: the
// template owns connection state, the shadow copy of map data, the
// safety-gate checks, and the live-session bookkeeping, while each
// variant contributes its tables: map catalogue, validation
// thresholds, request framing codec, seed-key algorithm, and custom
// actions. The variants differ completely on the wire (addressing
// width, endianness, cell width, ROM checksum algorithm) and share no
// framing code.
//
// The package also ships an in-memory bench ECU per variant, used by
// tests and the CLI's offline mode. The bench speaks the same codec as
// the client side, so every frame an engine emits is actually parsed.
package engines
