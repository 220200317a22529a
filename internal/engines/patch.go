package engines

import (
	"bytes"
	"fmt"

	"github.com/openecu/tunegate/internal/ecu"
)

// Patch container: a 12-byte header followed by fixed-layout records.
//
//	offset 0  magic "TGP1"
//	offset 4  variant tag byte
//	offset 5  reserved (zero)
//	offset 6  record count, u16 big-endian
//	offset 8  base image checksum, u32 big-endian
//
// Each record is the variant's address encoding, one cell-width byte,
// and the raw cell bytes. The base checksum binds the patch to the
// image it was built against; applying to any other image is refused.
var patchMagic = []byte("TGP1")

const patchHeaderLen = 12

// BuildPatch encodes a changeset into the variant's patch format
// against the given base image.
func (e *Engine) BuildPatch(cs ecu.Changeset, rom []byte) ([]byte, error) {
	if err := e.checkBinding(cs); err != nil {
		return nil, err
	}
	if err := e.checkImageSize(rom); err != nil {
		return nil, err
	}
	if len(cs.Changes) > 0xFFFF {
		return nil, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("changeset has %d changes, patch format holds 65535", len(cs.Changes)),
		}
	}

	c := e.spec.codec
	w := c.cellWidth()
	out := make([]byte, 0, patchHeaderLen+len(cs.Changes)*(c.addrWidth()+1+w))
	out = append(out, patchMagic...)
	out = append(out, c.patchTag(), 0x00)
	out = append(out, beU16(uint32(len(cs.Changes)))...)
	out = append(out, beU32(c.checksum(rom))...)

	for _, ch := range cs.Changes {
		def, err := e.definition(ch.MapID)
		if err != nil {
			return nil, err
		}
		idx := ch.Row*def.Shape.Cols + ch.Col
		if ch.Row < 0 || ch.Col < 0 || idx >= def.Shape.Cells() || ch.Col >= def.Shape.Cols {
			return nil, &ecu.Error{
				Kind: ecu.KindValidationFailed, EngineID: e.spec.ID, MapID: ch.MapID,
				Message: fmt.Sprintf("map %q has no cell (%d,%d)", ch.MapID, ch.Row, ch.Col),
			}
		}
		out = append(out, c.encodeAddr(def.Address+uint32(idx*w))...)
		out = append(out, byte(w))
		out = append(out, c.encodeCell(toRaw(def, ch.NewValue))...)
	}
	return out, nil
}

// ValidatePatch verifies a patch against a base image without applying
// it. Problems are accumulated rather than failing fast so a report
// covers the whole patch.
func (e *Engine) ValidatePatch(patch, rom []byte) (ecu.PatchReport, error) {
	if err := e.checkImageSize(rom); err != nil {
		return ecu.PatchReport{}, err
	}
	report := ecu.PatchReport{Problems: []string{}}

	if len(patch) < patchHeaderLen || !bytes.Equal(patch[:4], patchMagic) {
		report.Problems = append(report.Problems, "missing or truncated patch header")
		return report, nil
	}
	c := e.spec.codec
	if patch[4] != c.patchTag() {
		report.Problems = append(report.Problems,
			fmt.Sprintf("patch built for variant %q, this engine is %q", patch[4], c.patchTag()))
	}
	if base := parseBEU32(patch[8:12]); base != c.checksum(rom) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("patch base checksum 0x%08X does not match image 0x%08X", base, c.checksum(rom)))
	}

	count := int(parseBEU16(patch[6:8]))
	recLen := c.addrWidth() + 1 + c.cellWidth()
	body := patch[patchHeaderLen:]
	if len(body) != count*recLen {
		report.Problems = append(report.Problems,
			fmt.Sprintf("patch body is %d bytes, %d records need %d", len(body), count, count*recLen))
		return report, nil
	}

	for i := 0; i < count; i++ {
		rec := body[i*recLen:]
		addr := c.decodeAddr(rec[:c.addrWidth()])
		width := int(rec[c.addrWidth()])
		if width != c.cellWidth() {
			report.Problems = append(report.Problems,
				fmt.Sprintf("record %d has cell width %d, variant uses %d", i, width, c.cellWidth()))
			continue
		}
		report.Records++

		def, ok := e.mapContaining(addr)
		if !ok {
			report.Problems = append(report.Problems,
				fmt.Sprintf("record %d targets 0x%X outside the catalogue", i, addr))
			continue
		}
		raw := c.decodeCell(rec[c.addrWidth()+1:])
		if v := toPhysical(def, raw); v < def.Min || v > def.Max {
			report.Problems = append(report.Problems,
				fmt.Sprintf("record %d writes %g to %q outside bounds [%g, %g]", i, v, def.ID, def.Min, def.Max))
		}
	}

	report.Valid = len(report.Problems) == 0
	return report, nil
}

// mapContaining finds the catalogued map whose cell span covers addr.
func (e *Engine) mapContaining(addr uint32) (ecu.MapDefinition, bool) {
	w := uint32(e.spec.codec.cellWidth())
	for _, def := range e.spec.Catalogue {
		end := def.Address + uint32(def.Shape.Cells())*w
		if addr >= def.Address && addr < end {
			return def, true
		}
	}
	return ecu.MapDefinition{}, false
}

// ApplyPatch produces the post-patch image. The base checksum must
// match the given image, and the stored integrity checksum of the
// output is rewritten to cover the applied records.
func (e *Engine) ApplyPatch(rom, patch []byte) ([]byte, error) {
	if err := e.checkImageSize(rom); err != nil {
		return nil, err
	}
	c := e.spec.codec
	if len(patch) < patchHeaderLen || !bytes.Equal(patch[:4], patchMagic) || patch[4] != c.patchTag() {
		return nil, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: "patch header does not match this variant",
		}
	}
	if base := parseBEU32(patch[8:12]); base != c.checksum(rom) {
		return nil, &ecu.Error{
			Kind: ecu.KindChecksumFailed, EngineID: e.spec.ID,
			Message: fmt.Sprintf("patch base checksum 0x%08X does not match image 0x%08X", base, c.checksum(rom)),
		}
	}

	count := int(parseBEU16(patch[6:8]))
	recLen := c.addrWidth() + 1 + c.cellWidth()
	body := patch[patchHeaderLen:]
	if len(body) != count*recLen {
		return nil, &ecu.Error{
			Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
			Message: "patch body length does not match record count",
		}
	}

	out := append([]byte(nil), rom...)
	for i := 0; i < count; i++ {
		rec := body[i*recLen:]
		addr := int(c.decodeAddr(rec[:c.addrWidth()]))
		width := int(rec[c.addrWidth()])
		if width != c.cellWidth() || addr+width > len(out) {
			return nil, &ecu.Error{
				Kind: ecu.KindValidationFailed, EngineID: e.spec.ID,
				Message: fmt.Sprintf("record %d is malformed", i),
			}
		}
		copy(out[addr:], rec[c.addrWidth()+1:recLen])
	}
	c.writeStoredChecksum(out, c.checksum(out))
	return out, nil
}
