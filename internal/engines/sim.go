package engines

import (
	"math"
	"sync"

	"github.com/openecu/tunegate/internal/transport"
)

// SimECU is an in-memory bench ECU for one variant. It holds a live
// memory image (where reads and RAM writes land), a persistent ROM
// image (replaced only by a finalized flash), and the security-access
// state. The variant's codec parses frames and calls back into the
// helpers here, so protocol knowledge stays in exactly one place per
// variant.
//
// Thread-safety: all methods are safe for concurrent use.
type SimECU struct {
	spec Spec

	mu          sync.Mutex
	mem         []byte
	rom         []byte
	unlocked    bool
	sessionOpen bool
	seedState   uint32
	lastSeed    uint32
	seedIssued  bool
	flashing    bool
	flashBuf    []byte
	silent      bool
}

// NewSimECU creates a bench ECU with the variant's default ROM image.
func NewSimECU(spec Spec) *SimECU {
	rom := DefaultROM(spec)
	mem := make([]byte, len(rom))
	copy(mem, rom)
	return &SimECU{spec: spec, rom: rom, mem: mem, seedState: 0x5EED5EED}
}

// Handler exposes the ECU as a transport handler.
func (s *SimECU) Handler() transport.Handler {
	return func(req []byte) ([]byte, error) {
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if silent {
			return nil, transport.ErrNoResponse
		}
		return s.spec.codec.serve(s, req)
	}
}

// Transport wraps the ECU in a bench transport.
func (s *SimECU) Transport() *transport.Bench {
	return transport.NewBench(s.Handler())
}

// SetSilent makes the ECU stop answering, simulating "vehicle present
// but ECU not responding".
func (s *SimECU) SetSilent(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = v
}

// Unlocked reports whether security access has been granted.
func (s *SimECU) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// ROM returns a copy of the persistent image.
func (s *SimECU) ROM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.rom...)
}

// Mem returns a copy of the live memory image.
func (s *SimECU) Mem() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.mem...)
}

func (s *SimECU) openSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOpen = true
}

func (s *SimECU) closeSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOpen = false
	s.unlocked = false
}

func (s *SimECU) ident() string { return s.spec.Protocol }

func (s *SimECU) readMem(addr uint32, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+n > len(s.mem) {
		return nil, errOutOfRange
	}
	return append([]byte(nil), s.mem[addr:int(addr)+n]...), nil
}

func (s *SimECU) writeMem(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return errDenied
	}
	if int(addr)+len(data) > len(s.mem) {
		return errOutOfRange
	}
	copy(s.mem[addr:], data)
	return nil
}

// nextSeed issues a fresh seed from a deterministic LCG. The same
// bench sequence is reproducible across test runs.
func (s *SimECU) nextSeed() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedState = s.seedState*1664525 + 1013904223
	s.lastSeed = s.seedState
	s.seedIssued = true
	return s.lastSeed
}

// verifyKey checks a submitted key against the variant's own
// derivation of the last issued seed.
func (s *SimECU) verifyKey(key uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seedIssued {
		return false
	}
	if s.spec.KeyAlg(s.lastSeed, s.spec.SecurityLevel) != key {
		return false
	}
	s.unlocked = true
	return true
}

func (s *SimECU) beginFlash(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return errDenied
	}
	if size != len(s.rom) {
		return errOutOfRange
	}
	s.flashing = true
	s.flashBuf = make([]byte, size)
	return nil
}

func (s *SimECU) writeFlashChunk(offset int, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flashing {
		return errOutOfRange
	}
	if offset+len(chunk) > len(s.flashBuf) {
		return errOutOfRange
	}
	copy(s.flashBuf[offset:], chunk)
	return nil
}

func (s *SimECU) finalizeFlash() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flashing {
		return errOutOfRange
	}
	s.rom = s.flashBuf
	s.mem = append([]byte(nil), s.flashBuf...)
	s.flashBuf = nil
	s.flashing = false
	return nil
}

func (s *SimECU) cancelFlash() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flashBuf = nil
	s.flashing = false
	return nil
}

// DefaultROM builds a deterministic calibration image for a variant:
// every catalogued map is filled with the midpoint of its physical
// range, the rest of the image is 0xFF, and the variant's integrity
// checksum is written at its stored location.
func DefaultROM(spec Spec) []byte {
	rom := make([]byte, spec.ROMSize)
	for i := range rom {
		rom[i] = 0xFF
	}
	c := spec.codec
	for _, def := range spec.Catalogue {
		mid := (def.Min + def.Max) / 2
		raw := int(math.Round((mid - def.Offset) / def.Scale))
		cell := c.encodeCell(raw)
		for i := 0; i < def.Shape.Cells(); i++ {
			copy(rom[int(def.Address)+i*c.cellWidth():], cell)
		}
	}
	c.writeStoredChecksum(rom, c.checksum(rom))
	return rom
}
