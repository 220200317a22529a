package engines

import (
	"errors"

	"github.com/openecu/tunegate/internal/security"
)

// Wire-level sentinel errors. The engine template maps these onto the
// stable error kinds in the ecu package.
var (
	errDenied         = errors.New("security access denied")
	errOutOfRange     = errors.New("request out of range")
	errMalformedFrame = errors.New("malformed response frame")
)

// codec is one variant's request framing. Client-side methods build
// and parse frames for the engine; serve is the bench ECU's side of
// the same protocol, so the two stay in lockstep by construction.
type codec interface {
	// Cell and address encoding.
	cellWidth() int
	encodeCell(raw int) []byte
	decodeCell(b []byte) int
	encodeAddr(addr uint32) []byte
	decodeAddr(b []byte) uint32
	addrWidth() int

	// ROM integrity.
	checksum(rom []byte) uint32
	storedChecksum(rom []byte) uint32
	writeStoredChecksum(rom []byte, sum uint32)

	// patchTag identifies the variant inside a patch header.
	patchTag() byte

	// Diagnostic session.
	startSessionRequest() []byte
	stopSessionRequest() []byte
	identRequest() []byte
	parseIdentResponse(resp []byte) (string, error)

	// Memory access.
	readRequest(addr uint32, n int) []byte
	parseReadResponse(resp []byte, n int) ([]byte, error)
	writeRequest(addr uint32, data []byte) []byte
	checkWriteResponse(resp []byte) error

	// Security access.
	seedRequest(level security.Level) []byte
	parseSeedResponse(resp []byte) (uint32, error)
	keyRequest(level security.Level, key uint32) []byte
	checkKeyResponse(resp []byte) error

	// Flash transfer.
	beginFlashRequest(size int) []byte
	flashChunkRequest(offset int, chunk []byte) []byte
	finalizeFlashRequest() []byte
	cancelFlashRequest() []byte
	checkFlashResponse(resp []byte) error

	// serve answers one request frame on behalf of a bench ECU.
	serve(sim *SimECU, req []byte) ([]byte, error)
}

// beU16/beU24/beU32 and the LE variants are the shared byte plumbing
// the codecs are built from.

func beU16(v uint32) []byte { return []byte{byte(v >> 8), byte(v)} }
func beU24(v uint32) []byte { return []byte{byte(v >> 16), byte(v >> 8), byte(v)} }
func beU32(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

func parseBEU16(b []byte) uint32 { return uint32(b[0])<<8 | uint32(b[1]) }
func parseBEU24(b []byte) uint32 { return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]) }
func parseBEU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func leU16(v uint32) []byte { return []byte{byte(v), byte(v >> 8)} }
func leU32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

func parseLEU16(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 }
func parseLEU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
