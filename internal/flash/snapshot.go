package flash

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressROM produces the zstd-compressed pre-flash snapshot kept on
// every job. Calibration images compress well (mostly repeated table
// bytes), so keeping the snapshot in memory is cheap even for large
// ROMs.
func CompressROM(rom []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(rom, nil), nil
}

// DecompressROM restores a snapshot produced by CompressROM.
func DecompressROM(snapshot []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	rom, err := dec.DecodeAll(snapshot, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress ROM snapshot: %w", err)
	}
	return rom, nil
}
