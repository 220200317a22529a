package engines

import (
	"context"
	"math/bits"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/security"
	"github.com/openecu/tunegate/internal/validate"
)

// ssmCodec frames requests for the serial flat-four generation.
// Everything on this bus is little-endian: 32-bit addresses, 16-bit
// cells, and a rotating XOR fold over the image for integrity.
// Negative responses are [0xCF, code].
type ssmCodec struct{}

const (
	ssmErrDenied     = 0x01
	ssmErrOutOfRange = 0x02
	ssmErrInvalidKey = 0x03
)

func ssmNegative(code byte) []byte { return []byte{0xCF, code} }

func (ssmCodec) cellWidth() int { return 2 }

func (ssmCodec) encodeCell(raw int) []byte     { return leU16(uint32(raw)) }
func (ssmCodec) decodeCell(b []byte) int       { return int(parseLEU16(b)) }
func (ssmCodec) encodeAddr(addr uint32) []byte { return leU32(addr) }
func (ssmCodec) decodeAddr(b []byte) uint32    { return parseLEU32(b) }
func (ssmCodec) addrWidth() int                { return 4 }

func (ssmCodec) checksum(rom []byte) uint32 {
	var sum uint32
	body := rom[:len(rom)-4]
	for i := 0; i+4 <= len(body); i += 4 {
		sum = bits.RotateLeft32(sum, 1) ^ parseLEU32(body[i:])
	}
	return sum
}

func (ssmCodec) storedChecksum(rom []byte) uint32 {
	return parseLEU32(rom[len(rom)-4:])
}

func (ssmCodec) writeStoredChecksum(rom []byte, sum uint32) {
	copy(rom[len(rom)-4:], leU32(sum))
}

func (ssmCodec) patchTag() byte { return 'S' }

func (ssmCodec) startSessionRequest() []byte { return []byte{0xBF} }
func (ssmCodec) stopSessionRequest() []byte  { return []byte{0xBE} }
func (ssmCodec) identRequest() []byte        { return []byte{0x90} }

func (ssmCodec) parseIdentResponse(resp []byte) (string, error) {
	if len(resp) < 1 || resp[0] != 0x91 {
		return "", errMalformedFrame
	}
	return string(resp[1:]), nil
}

func (c ssmCodec) readRequest(addr uint32, n int) []byte {
	req := []byte{0xA0}
	req = append(req, c.encodeAddr(addr)...)
	return append(req, leU16(uint32(n))...)
}

func (ssmCodec) parseReadResponse(resp []byte, n int) ([]byte, error) {
	if err := ssmCheck(resp, 0xE0); err != nil {
		return nil, err
	}
	if len(resp) != 1+n {
		return nil, errMalformedFrame
	}
	return resp[1:], nil
}

func (c ssmCodec) writeRequest(addr uint32, data []byte) []byte {
	req := []byte{0xB0}
	req = append(req, c.encodeAddr(addr)...)
	return append(req, data...)
}

func (ssmCodec) checkWriteResponse(resp []byte) error { return ssmCheck(resp, 0xF0) }

func (ssmCodec) seedRequest(level security.Level) []byte {
	return []byte{0xC0, byte(level)}
}

func (ssmCodec) parseSeedResponse(resp []byte) (uint32, error) {
	if err := ssmCheck(resp, 0xC1); err != nil {
		return 0, err
	}
	if len(resp) != 5 {
		return 0, errMalformedFrame
	}
	return parseLEU32(resp[1:]), nil
}

func (ssmCodec) keyRequest(level security.Level, key uint32) []byte {
	req := []byte{0xC2, byte(level)}
	return append(req, leU32(key)...)
}

func (ssmCodec) checkKeyResponse(resp []byte) error { return ssmCheck(resp, 0xC3) }

func (ssmCodec) beginFlashRequest(size int) []byte {
	return append([]byte{0xD0}, leU32(uint32(size))...)
}

func (c ssmCodec) flashChunkRequest(offset int, chunk []byte) []byte {
	req := append([]byte{0xD1}, leU32(uint32(offset))...)
	return append(req, chunk...)
}

func (ssmCodec) finalizeFlashRequest() []byte { return []byte{0xD2} }
func (ssmCodec) cancelFlashRequest() []byte   { return []byte{0xD3} }

func (ssmCodec) checkFlashResponse(resp []byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	switch resp[0] {
	case 0xD4, 0xD5, 0xD6, 0xD7:
		return nil
	}
	return ssmCheck(resp, 0x00)
}

func ssmCheck(resp []byte, positive byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	if resp[0] == 0xCF {
		if len(resp) < 2 {
			return errMalformedFrame
		}
		switch resp[1] {
		case ssmErrDenied, ssmErrInvalidKey:
			return errDenied
		case ssmErrOutOfRange:
			return errOutOfRange
		}
		return errMalformedFrame
	}
	if resp[0] != positive {
		return errMalformedFrame
	}
	return nil
}

func (c ssmCodec) serve(sim *SimECU, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return nil, errMalformedFrame
	}
	switch req[0] {
	case 0xBF:
		sim.openSession()
		return []byte{0xFF}, nil

	case 0xBE:
		sim.closeSession()
		return []byte{0xFE}, nil

	case 0x90:
		return append([]byte{0x91}, []byte(sim.ident())...), nil

	case 0xA0:
		if len(req) != 7 {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		data, err := sim.readMem(parseLEU32(req[1:5]), int(parseLEU16(req[5:7])))
		if err != nil {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		return append([]byte{0xE0}, data...), nil

	case 0xB0:
		if len(req) < 6 {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		switch sim.writeMem(parseLEU32(req[1:5]), req[5:]) {
		case nil:
			return []byte{0xF0}, nil
		case errDenied:
			return ssmNegative(ssmErrDenied), nil
		default:
			return ssmNegative(ssmErrOutOfRange), nil
		}

	case 0xC0:
		if len(req) != 2 {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		return append([]byte{0xC1}, leU32(sim.nextSeed())...), nil

	case 0xC2:
		if len(req) != 6 || !sim.verifyKey(parseLEU32(req[2:6])) {
			return ssmNegative(ssmErrInvalidKey), nil
		}
		return []byte{0xC3}, nil

	case 0xD0:
		if len(req) != 5 {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		switch sim.beginFlash(int(parseLEU32(req[1:5]))) {
		case nil:
			return []byte{0xD4}, nil
		case errDenied:
			return ssmNegative(ssmErrDenied), nil
		default:
			return ssmNegative(ssmErrOutOfRange), nil
		}

	case 0xD1:
		if len(req) < 6 {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		if err := sim.writeFlashChunk(int(parseLEU32(req[1:5])), req[5:]); err != nil {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		return []byte{0xD5}, nil

	case 0xD2:
		if err := sim.finalizeFlash(); err != nil {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		return []byte{0xD6}, nil

	case 0xD3:
		if err := sim.cancelFlash(); err != nil {
			return ssmNegative(ssmErrOutOfRange), nil
		}
		return []byte{0xD7}, nil
	}
	return ssmNegative(ssmErrOutOfRange), nil
}

// SSM describes the serial flat-four generation.
func SSM() Spec {
	return Spec{
		ID:             "ssm-flat4",
		Protocol:       "SSM flat4",
		ROMSize:        0x40000,
		FlashBlockSize: 256,
		SecurityLevel:  security.LevelDevelopment,
		KeyAlg:         security.PolyFold(69069),
		codec:          ssmCodec{},
		Catalogue: catalogueByID(
			ecu.MapDefinition{
				ID: "ignition_base", Name: "Base ignition timing", Type: ecu.MapTypeIgnition,
				Address: 0x20000, ByteSize: 256, Shape: ecu.MapShape{Rows: 8, Cols: 16, RowAxis: "load", ColAxis: "rpm"},
				Unit: "deg", Min: -10, Max: 45, Scale: 0.1, Offset: -40, SafetyCritical: true,
			},
			ecu.MapDefinition{
				ID: "boost_target", Name: "Boost target", Type: ecu.MapTypeBoost,
				Address: 0x21000, ByteSize: 32, Shape: ecu.MapShape{Rows: 2, Cols: 8, RowAxis: "gear", ColAxis: "rpm"},
				Unit: "bar", Min: 0, Max: 2.5, Scale: 0.001, SafetyCritical: true,
			},
			ecu.MapDefinition{
				ID: "vvt_intake", Name: "Intake cam advance", Type: ecu.MapTypeVVT,
				Address: 0x22000, ByteSize: 128, Shape: ecu.MapShape{Rows: 8, Cols: 8, RowAxis: "load", ColAxis: "rpm"},
				Unit: "deg", Min: 0, Max: 50, Scale: 0.05,
			},
			ecu.MapDefinition{
				ID: "rev_limit", Name: "Rev limiter", Type: ecu.MapTypeLimiter,
				Address: 0x23000, ByteSize: 2, Shape: ecu.ScalarShape(),
				Unit: "rpm", Min: 5000, Max: 8200, Scale: 1,
			},
		),
		Rules: []validate.Rule{
			{MapType: ecu.MapTypeIgnition, Max: validate.Threshold(38), Severity: validate.SeverityViolation, Weight: 30, Message: "Excessive ignition timing: %g°"},
			{MapType: ecu.MapTypeBoost, Max: validate.Threshold(2.0), Severity: validate.SeverityViolation, Weight: 25, Message: "Boost target beyond turbo surge margin: %g bar"},
			{MapType: ecu.MapTypeVVT, Max: validate.Threshold(45), Severity: validate.SeverityWarning, Weight: 10, Message: "Cam advance near mechanical stop: %g°"},
		},
		Actions: []actionSpec{
			{
				Descriptor: ecu.ActionDescriptor{Name: "ecu_ident", Description: "Read ECU identification record", ReadOnly: true},
				Run: func(ctx context.Context, e *Engine) (string, error) { return e.readIdent(ctx) },
			},
			{
				Descriptor: ecu.ActionDescriptor{Name: "read_rev_limit", Description: "Read current rev limiter cell", ReadOnly: true},
				Run: func(ctx context.Context, e *Engine) (string, error) { return e.readScalar(ctx, "rev_limit") },
			},
		},
	}
}
