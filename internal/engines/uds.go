package engines

import (
	"context"
	"hash/crc32"

	"github.com/openecu/tunegate/internal/ecu"
	"github.com/openecu/tunegate/internal/security"
	"github.com/openecu/tunegate/internal/validate"
)

// udsCodec frames requests for the modern CAN generation: 32-bit
// big-endian addresses, 16-bit cells, CRC32 image integrity. Negative
// responses use the [0x7F, service, code] convention.
type udsCodec struct{}

const (
	udsNRCOutOfRange = 0x31
	udsNRCDenied     = 0x33
	udsNRCInvalidKey = 0x35
)

func udsNegative(svc, nrc byte) []byte { return []byte{0x7F, svc, nrc} }

func (udsCodec) cellWidth() int { return 2 }

func (udsCodec) encodeCell(raw int) []byte  { return beU16(uint32(raw)) }
func (udsCodec) decodeCell(b []byte) int    { return int(parseBEU16(b)) }
func (udsCodec) encodeAddr(addr uint32) []byte { return beU32(addr) }
func (udsCodec) decodeAddr(b []byte) uint32    { return parseBEU32(b) }
func (udsCodec) addrWidth() int                { return 4 }

func (udsCodec) checksum(rom []byte) uint32 {
	return crc32.ChecksumIEEE(rom[:len(rom)-4])
}

func (udsCodec) storedChecksum(rom []byte) uint32 {
	return parseBEU32(rom[len(rom)-4:])
}

func (udsCodec) writeStoredChecksum(rom []byte, sum uint32) {
	copy(rom[len(rom)-4:], beU32(sum))
}

func (udsCodec) patchTag() byte { return 'U' }

func (udsCodec) startSessionRequest() []byte { return []byte{0x10, 0x03} }
func (udsCodec) stopSessionRequest() []byte  { return []byte{0x10, 0x01} }
func (udsCodec) identRequest() []byte        { return []byte{0x22, 0xF1, 0x90} }

func (udsCodec) parseIdentResponse(resp []byte) (string, error) {
	if len(resp) < 3 || resp[0] != 0x62 {
		return "", errMalformedFrame
	}
	return string(resp[3:]), nil
}

func (c udsCodec) readRequest(addr uint32, n int) []byte {
	req := []byte{0x23}
	req = append(req, c.encodeAddr(addr)...)
	return append(req, beU16(uint32(n))...)
}

func (udsCodec) parseReadResponse(resp []byte, n int) ([]byte, error) {
	if err := udsCheck(resp, 0x63); err != nil {
		return nil, err
	}
	if len(resp) != 1+n {
		return nil, errMalformedFrame
	}
	return resp[1:], nil
}

func (c udsCodec) writeRequest(addr uint32, data []byte) []byte {
	req := []byte{0x3D}
	req = append(req, c.encodeAddr(addr)...)
	return append(req, data...)
}

func (udsCodec) checkWriteResponse(resp []byte) error { return udsCheck(resp, 0x7D) }

func (udsCodec) seedRequest(level security.Level) []byte {
	return []byte{0x27, byte(level)}
}

func (udsCodec) parseSeedResponse(resp []byte) (uint32, error) {
	if err := udsCheck(resp, 0x67); err != nil {
		return 0, err
	}
	if len(resp) != 6 {
		return 0, errMalformedFrame
	}
	return parseBEU32(resp[2:]), nil
}

func (udsCodec) keyRequest(level security.Level, key uint32) []byte {
	req := []byte{0x27, byte(level) + 1}
	return append(req, beU32(key)...)
}

func (udsCodec) checkKeyResponse(resp []byte) error { return udsCheck(resp, 0x67) }

func (udsCodec) beginFlashRequest(size int) []byte {
	return append([]byte{0x34}, beU32(uint32(size))...)
}

func (udsCodec) flashChunkRequest(offset int, chunk []byte) []byte {
	req := append([]byte{0x36}, beU32(uint32(offset))...)
	return append(req, chunk...)
}

func (udsCodec) finalizeFlashRequest() []byte { return []byte{0x37} }
func (udsCodec) cancelFlashRequest() []byte   { return []byte{0x32} }

func (udsCodec) checkFlashResponse(resp []byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	switch resp[0] {
	case 0x74, 0x76, 0x77, 0x72:
		return nil
	}
	return udsCheck(resp, 0x00)
}

// udsCheck validates a positive response byte and translates negative
// response codes into the shared wire sentinels.
func udsCheck(resp []byte, positive byte) error {
	if len(resp) == 0 {
		return errMalformedFrame
	}
	if resp[0] == 0x7F {
		if len(resp) < 3 {
			return errMalformedFrame
		}
		switch resp[2] {
		case udsNRCDenied, udsNRCInvalidKey:
			return errDenied
		case udsNRCOutOfRange:
			return errOutOfRange
		}
		return errMalformedFrame
	}
	if resp[0] != positive {
		return errMalformedFrame
	}
	return nil
}

func (c udsCodec) serve(sim *SimECU, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return nil, errMalformedFrame
	}
	svc := req[0]
	switch svc {
	case 0x10:
		if len(req) != 2 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		if req[1] == 0x03 {
			sim.openSession()
		} else {
			sim.closeSession()
		}
		return []byte{0x50, req[1]}, nil

	case 0x22:
		if len(req) != 3 || req[1] != 0xF1 || req[2] != 0x90 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		return append([]byte{0x62, 0xF1, 0x90}, []byte(sim.ident())...), nil

	case 0x23:
		if len(req) != 7 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		data, err := sim.readMem(parseBEU32(req[1:5]), int(parseBEU16(req[5:7])))
		if err != nil {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		return append([]byte{0x63}, data...), nil

	case 0x3D:
		if len(req) < 6 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		switch sim.writeMem(parseBEU32(req[1:5]), req[5:]) {
		case nil:
			return []byte{0x7D}, nil
		case errDenied:
			return udsNegative(svc, udsNRCDenied), nil
		default:
			return udsNegative(svc, udsNRCOutOfRange), nil
		}

	case 0x27:
		if len(req) < 2 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		sub := req[1]
		if sub%2 == 1 {
			return append([]byte{0x67, sub}, beU32(sim.nextSeed())...), nil
		}
		if len(req) != 6 || !sim.verifyKey(parseBEU32(req[2:6])) {
			return udsNegative(svc, udsNRCInvalidKey), nil
		}
		return []byte{0x67, sub}, nil

	case 0x34:
		if len(req) != 5 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		switch sim.beginFlash(int(parseBEU32(req[1:5]))) {
		case nil:
			return []byte{0x74}, nil
		case errDenied:
			return udsNegative(svc, udsNRCDenied), nil
		default:
			return udsNegative(svc, udsNRCOutOfRange), nil
		}

	case 0x36:
		if len(req) < 6 {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		if err := sim.writeFlashChunk(int(parseBEU32(req[1:5])), req[5:]); err != nil {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		return []byte{0x76}, nil

	case 0x37:
		if err := sim.finalizeFlash(); err != nil {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		return []byte{0x77}, nil

	case 0x32:
		if err := sim.cancelFlash(); err != nil {
			return udsNegative(svc, udsNRCOutOfRange), nil
		}
		return []byte{0x72}, nil
	}
	return udsNegative(svc, udsNRCOutOfRange), nil
}

// UDS describes the modern CAN-bus generation.
func UDS() Spec {
	return Spec{
		ID:             "uds-gen3",
		Protocol:       "UDS/ISO14229 gen3",
		ROMSize:        0x20000,
		FlashBlockSize: 512,
		SecurityLevel:  security.LevelProgramming,
		KeyAlg:         security.XORRotate(0xA5A5A5A5),
		codec:          udsCodec{},
		Catalogue: catalogueByID(
			ecu.MapDefinition{
				ID: "ignition_base", Name: "Base ignition timing", Type: ecu.MapTypeIgnition,
				Address: 0x12000, ByteSize: 256, Shape: ecu.MapShape{Rows: 8, Cols: 16, RowAxis: "load", ColAxis: "rpm"},
				Unit: "deg", Min: -10, Max: 45, Scale: 0.1, Offset: -60, SafetyCritical: true,
			},
			ecu.MapDefinition{
				ID: "fuel_base", Name: "Base fuel target", Type: ecu.MapTypeFuel,
				Address: 0x13000, ByteSize: 256, Shape: ecu.MapShape{Rows: 8, Cols: 16, RowAxis: "load", ColAxis: "rpm"},
				Unit: "afr", Min: 8, Max: 20, Scale: 0.01,
			},
			ecu.MapDefinition{
				ID: "boost_target", Name: "Boost target", Type: ecu.MapTypeBoost,
				Address: 0x14000, ByteSize: 16, Shape: ecu.MapShape{Rows: 1, Cols: 8, ColAxis: "rpm"},
				Unit: "bar", Min: 0, Max: 2.2, Scale: 0.001, SafetyCritical: true,
			},
			ecu.MapDefinition{
				ID: "rev_limit", Name: "Rev limiter", Type: ecu.MapTypeLimiter,
				Address: 0x14800, ByteSize: 2, Shape: ecu.ScalarShape(),
				Unit: "rpm", Min: 5000, Max: 9000, Scale: 1,
			},
			ecu.MapDefinition{
				ID: "torque_limiter", Name: "Torque limiter", Type: ecu.MapTypeTorque,
				Address: 0x15800, ByteSize: 2, Shape: ecu.ScalarShape(),
				Unit: "Nm", Min: 200, Max: 600, Scale: 1, SafetyCritical: true, RequiresFlash: true,
			},
			ecu.MapDefinition{
				ID: "ecu_serial", Name: "ECU serial", Type: ecu.MapTypeCorrection,
				Address: 0x15000, ByteSize: 2, Shape: ecu.ScalarShape(),
				Unit: "", Min: 0, Max: 65535, Scale: 1, ReadOnly: true,
			},
		),
		Rules: []validate.Rule{
			{MapType: ecu.MapTypeIgnition, Max: validate.Threshold(35), Severity: validate.SeverityViolation, Weight: 30, Message: "Excessive ignition timing: %g°"},
			{MapType: ecu.MapTypeFuel, Max: validate.Threshold(15.5), Severity: validate.SeverityViolation, Weight: 25, Message: "Fuel target leaner than detonation margin: %g afr"},
			{MapType: ecu.MapTypeBoost, Max: validate.Threshold(1.8), Severity: validate.SeverityWarning, Weight: 15, Message: "Boost target above wastegate spring: %g bar"},
			{MapType: ecu.MapTypeLimiter, Max: validate.Threshold(8500), Severity: validate.SeverityWarning, Weight: 10, Message: "Rev limit above mechanical redline margin: %g rpm"},
		},
		Actions: []actionSpec{
			{
				Descriptor: ecu.ActionDescriptor{Name: "ecu_ident", Description: "Read ECU identification record", ReadOnly: true},
				Run: func(ctx context.Context, e *Engine) (string, error) { return e.readIdent(ctx) },
			},
			{
				Descriptor: ecu.ActionDescriptor{Name: "read_serial", Description: "Read ECU serial number cell", ReadOnly: true},
				Run: func(ctx context.Context, e *Engine) (string, error) { return e.readScalar(ctx, "ecu_serial") },
			},
		},
	}
}
