package engines

import (
	"context"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/security"
	"github.com/openecu/tunegate/internal/validate"
)

// kwpCodec frames requests for the K-line generation: 24-bit
// big-endian addresses, single-byte cells, 16-bit additive image
// checksum stored in the last two bytes.
type kwpCodec struct{}

const (
	kwpNRCOutOfRange = 0x31
	kwpNRCDenied     = 0x33
	kwpNRCInvalidKey = 0x35
)

func kwpNegative(svc, nrc byte) []byte { return []byte{0x7F, svc, nrc} }

func (kwpCodec) cellWidth() int { return 1 }

func (kwpCodec) encodeCell(raw int) []byte     { return []byte{byte(raw)} }
func (kwpCodec) decodeCell(b []byte) int       { return int(b[0]) }
func (kwpCodec) encodeAddr(addr uint32) []byte { return beU24(addr) }
func (kwpCodec) decodeAddr(b []byte) uint32    { return parseBEU24(b) }
func (kwpCodec) addrWidth() int                { return 3 }

func (kwpCodec) checksum(rom []byte) uint32 {
	var sum uint32
	for _, b := range rom[:len(rom)-2] {
		sum += uint32(b)
	}
	return sum & 0xFFFF
}

func (kwpCodec) storedChecksum(rom []byte) uint32 {
	return parseBEU16(rom[len(rom)-2:])
}

func (kwpCodec) writeStoredChecksum(rom []byte, sum uint32) {
	copy(rom[len(rom)-2:], beU16(sum))
}

func (kwpCodec) patchTag() byte { return 'K' }

func (kwpCodec) startSessionRequest() []byte { return []byte{0x10, 0x85} }
func (kwpCodec) stopSessionRequest() []byte  { return []byte{0x82} }
func (kwpCodec) identRequest() []byte        { return []byte{0x1A, 0x9B} }

func (kwpCodec) parseIdentResponse(resp []byte) (string, error) {
	if len(resp) < 2 || resp[0] != 0x5A {
		return "", errMalformedFrame
	}
	return string(resp[2:]), nil
}

func (c kwpCodec) readRequest(addr uint32, n int) []byte {
	req := []byte{0x23}
	req = append(req, c.encodeAddr(addr)...)
	return append(req, byte(n))
}

func (kwpCodec) parseReadResponse(resp []byte, n int) ([]byte, error) {
	if err := kwpCheck(resp, 0x63); err != nil {
		return nil, err
	}
	if len(resp) != 1+n {
		return nil, errMalformedFrame
	}
	return resp[1:], nil
}

func (c kwpCodec) writeRequest(addr uint32, data []byte) []byte {
	req := []byte{0x3D}
	req = append(req, c.encodeAddr(addr)...)
	req = append(req, byte(len(data)))
	return append(req, data...)
}

func (kwpCodec) checkWriteResponse(resp []byte) error { return kwpCheck(resp, 0x7D) }

func (kwpCodec) seedRequest(level security.Level) []byte {
	return []byte{0x27, byte(level)}
}

func (kwpCodec) parseSeedResponse(resp []byte) (uint32, error) {
	if err := kwpCheck(resp, 0x67); err != nil {
		return 0, err
	}
	if len(resp) != 6 {
		return 0, errMalformedFrame
	}
	return parseBEU32(resp[2:]), nil
}

func (kwpCodec) keyRequest(level security.Level, key uint32) []byte {
	req := []byte{0x27, byte(level) + 1}
	return append(req, beU32(key)...)
}

func (kwpCodec) checkKeyResponse(resp []byte) error { return kwpCheck(resp, 0x67) }

func (kwpCodec) beginFlashRequest(size int) []byte {
	return append([]byte{0x34}, beU32(uint32(size))...)
}

func (c kwpCodec) flashChunkRequest(offset int, chunk []byte) []byte {
	req := append([]byte{0x36}, c.encodeAddr(uint32(offset))...)
	return append(req, chunk...)
}

func (kwpCodec) finalizeFlashRequest() []byte { return []byte{0x37} }
func (kwpCodec) cancelFlashRequest() []byte   { return []byte{0x32} }

func (kwpCodec) checkFlashResponse(resp []byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	switch resp[0] {
	case 0x74, 0x76, 0x77, 0x72:
		return nil
	}
	return kwpCheck(resp, 0x00)
}

func kwpCheck(resp []byte, positive byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	if resp[0] == 0x7F {
		if len(resp) < 3 {
			return errMalformedFrame
		}
		switch resp[2] {
		case kwpNRCDenied, kwpNRCInvalidKey:
			return errDenied
		case kwpNRCOutOfRange:
			return errOutOfRange
		}
		return errMalformedFrame
	}
	if resp[0] != positive {
		return errMalformedFrame
	}
	return nil
}

func (c kwpCodec) serve(sim *SimECU, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return nil, errMalformedFrame
	}
	svc := req[0]
	switch svc {
	case 0x10:
		sim.openSession()
		return []byte{0x50, 0x85}, nil

	case 0x82:
		sim.closeSession()
		return []byte{0xC2}, nil

	case 0x1A:
		return append([]byte{0x5A, 0x9B}, []byte(sim.ident())...), nil

	case 0x23:
		if len(req) != 5 {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		data, err := sim.readMem(parseBEU24(req[1:4]), int(req[4]))
		if err != nil {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		return append([]byte{0x63}, data...), nil

	case 0x3D:
		if len(req) < 6 || int(req[4]) != len(req)-5 {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		switch sim.writeMem(parseBEU24(req[1:4]), req[5:]) {
		case nil:
			return []byte{0x7D}, nil
		case errDenied:
			return kwpNegative(svc, kwpNRCDenied), nil
		default:
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}

	case 0x27:
		if len(req) < 2 {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		sub := req[1]
		if sub%2 == 1 {
			return append([]byte{0x67, sub}, beU32(sim.nextSeed())...), nil
		}
		if len(req) != 6 || !sim.verifyKey(parseBEU32(req[2:6])) {
			return kwpNegative(svc, kwpNRCInvalidKey), nil
		}
		return []byte{0x67, sub}, nil

	case 0x34:
		if len(req) != 5 {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		switch sim.beginFlash(int(parseBEU32(req[1:5]))) {
		case nil:
			return []byte{0x74}, nil
		case errDenied:
			return kwpNegative(svc, kwpNRCDenied), nil
		default:
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}

	case 0x36:
		if len(req) < 5 {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		if err := sim.writeFlashChunk(int(parseBEU24(req[1:4])), req[4:]); err != nil {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		return []byte{0x76}, nil

	case 0x37:
		if err := sim.finalizeFlash(); err != nil {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		return []byte{0x77}, nil

	case 0x32:
		if err := sim.cancelFlash(); err != nil {
			return kwpNegative(svc, kwpNRCOutOfRange), nil
		}
		return []byte{0x72}, nil
	}
	return kwpNegative(svc, kwpNRCOutOfRange), nil
}

// KWP describes the legacy K-line generation.
func KWP() Spec {
	return Spec{
		ID:             "kwp-classic",
		Protocol:       "KWP2000 classic",
		ROMSize:        0x10000,
		FlashBlockSize: 128,
		SecurityLevel:  security.LevelDiagnostic,
		KeyAlg:         security.AddRotate(0x1B2E3D4C),
		codec:          kwpCodec{},
		Catalogue: catalogueByID(
			ecu.MapDefinition{
				ID: "ignition_base", Name: "Base ignition timing", Type: ecu.MapTypeIgnition,
				Address: 0x6780, ByteSize: 128, Shape: ecu.MapShape{Rows: 8, Cols: 16, RowAxis: "load", ColAxis: "rpm"},
				Unit: "deg", Min: -10, Max: 40, Scale: 0.75, Offset: -24, SafetyCritical: true,
			},
			ecu.MapDefinition{
				ID: "fuel_base", Name: "Base fuel target", Type: ecu.MapTypeFuel,
				Address: 0x6F00, ByteSize: 128, Shape: ecu.MapShape{Rows: 8, Cols: 16, RowAxis: "load", ColAxis: "rpm"},
				Unit: "afr", Min: 8, Max: 20, Scale: 0.1,
			},
			ecu.MapDefinition{
				ID: "idle_target", Name: "Idle speed target", Type: ecu.MapTypeLimiter,
				Address: 0x7400, ByteSize: 1, Shape: ecu.ScalarShape(),
				Unit: "rpm", Min: 600, Max: 1200, Scale: 10,
			},
		),
		Rules: []validate.Rule{
			{MapType: ecu.MapTypeIgnition, Max: validate.Threshold(32), Severity: validate.SeverityViolation, Weight: 30, Message: "Excessive ignition timing: %g°"},
			{MapType: ecu.MapTypeFuel, Max: validate.Threshold(15), Severity: validate.SeverityViolation, Weight: 25, Message: "Fuel target leaner than detonation margin: %g afr"},
			{MapType: ecu.MapTypeFuel, Min: validate.Threshold(10), Severity: validate.SeverityWarning, Weight: 15, Message: "Fuel target richer than injector headroom: %g afr"},
		},
		Actions: []actionSpec{
			{
				Descriptor: ecu.ActionDescriptor{Name: "ecu_ident", Description: "Read ECU identification record", ReadOnly: true},
				Run: func(ctx context.Context, e *Engine) (string, error) { return e.readIdent(ctx) },
			},
		},
	}
}
