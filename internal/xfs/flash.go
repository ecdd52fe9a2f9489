//go:build tinygo

package xfs

import (
	"errors"
	"unsafe"

	"openenterprise/datalogger/internal/engine"
	"openenterprise/datalogger/ota"
)

// Flash region reserved for the ring-buffer backlog, carved out of
// the space after partition B (see ota.go's layout comment: PT |
// Partition A | Partition B | Reserved). Sized generously for the
// default MAX_MEASUREMENTS_BUFFER record file plus its index.
const (
	backlogRegionOffset = 0x3E2000 // partition B end (0x1F2000 + 0x1F0000)
	backlogIndexOffset  = backlogRegionOffset
	backlogIndexSize    = ota.SectorSize // one sector, far more than the 16-byte index needs
	backlogRecordOffset = backlogIndexOffset + backlogIndexSize
)

// RecordFile backs engine.RecordFile with the RP2350's raw internal
// flash, using the same ROM erase/program primitives the OTA writer
// uses for firmware chunks (ota.EraseSector / ota.WriteChunk), read
// back via the flash's memory-mapped XIP window.
type RecordFile struct {
	base         uint32
	size         uint32
	erasedSector map[uint32]bool
}

// NewRecordFile returns a flash-backed record file of the given byte
// size (capacity * engine.RecordSize), erasing lazily on first write
// to each sector the way ota_server.go does for firmware chunks.
func NewRecordFile(size uint32) *RecordFile {
	return &RecordFile{base: backlogRecordOffset, size: size, erasedSector: make(map[uint32]bool)}
}

func (r *RecordFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint32(off)+uint32(len(p)) > r.size {
		return 0, errors.New("xfs: read out of range")
	}
	copy(p, xipRead(r.base+uint32(off), len(p)))
	return len(p), nil
}

func (r *RecordFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint32(off)+uint32(len(p)) > r.size {
		return 0, errors.New("xfs: write out of range")
	}
	if err := r.ensureErased(uint32(off), len(p)); err != nil {
		return 0, err
	}
	if err := ota.WriteChunk(r.base+uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r *RecordFile) Truncate(size int64) error { return nil }

func (r *RecordFile) ensureErased(off uint32, n int) error {
	start := off / ota.SectorSize
	end := (off + uint32(n) - 1) / ota.SectorSize
	for sector := start; sector <= end; sector++ {
		if r.erasedSector[sector] {
			continue
		}
		if err := ota.EraseSector(r.base + sector*ota.SectorSize); err != nil {
			return err
		}
		r.erasedSector[sector] = true
	}
	return nil
}

// IndexFile backs engine.IndexStore with one reserved flash sector,
// rewritten wholesale on every Save per spec §6.
type IndexFile struct {
	erased bool
}

// NewIndexFile returns a flash-backed index store.
func NewIndexFile() *IndexFile { return &IndexFile{} }

func (s *IndexFile) Load() (engine.RingIndex, bool, error) {
	raw := xipRead(backlogIndexOffset, 16)
	allFF := true
	for _, b := range raw {
		if b != 0xFF {
			allFF = false
			break
		}
	}
	if allFF {
		return engine.RingIndex{}, false, nil
	}
	return engine.DecodeRingIndex(raw)
}

func (s *IndexFile) Save(idx engine.RingIndex) error {
	if err := ota.EraseSector(backlogIndexOffset); err != nil {
		return err
	}
	s.erased = true
	return ota.WriteChunk(backlogIndexOffset, engine.EncodeRingIndex(idx))
}

// xipRead reads n bytes from the memory-mapped flash window at raw
// flash offset off (XIP_BASE + off), the same mapping ota_server.go's
// readback relies on implicitly via the linker-placed firmware image.
func xipRead(off uint32, n int) []byte {
	const xipBase = 0x10000000
	base := uintptr(xipBase + off)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = *(*byte)(unsafe.Pointer(base + uintptr(i)))
	}
	return out
}
