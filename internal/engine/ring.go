package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// ErrRingEmpty is returned by GetAndRemove when the backlog has
// nothing to deliver.
var ErrRingEmpty = errors.New("engine: ring buffer empty")

// ErrRingFull is returned by Rollback when the backlog has no room to
// re-insert a record (spec §8 item 10).
var ErrRingFull = errors.New("engine: ring buffer full")

// RingIndex tracks a circular buffer of fixed capacity N over the
// record file: 0 <= Count <= N, Head = (Tail+Count) mod N. Tail is the
// next record to read, Head the next slot to write.
type RingIndex struct {
	Head         uint32
	Tail         uint32
	Count        uint32
	TotalWritten uint32
}

const ringIndexSize = 16 // 4 uint32 fields, native order

// EncodeRingIndex renders idx in the fixed wire format used by the
// index file (spec §6): four little-endian uint32 fields.
func EncodeRingIndex(idx RingIndex) []byte {
	var buf [ringIndexSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], idx.Head)
	binary.LittleEndian.PutUint32(buf[4:8], idx.Tail)
	binary.LittleEndian.PutUint32(buf[8:12], idx.Count)
	binary.LittleEndian.PutUint32(buf[12:16], idx.TotalWritten)
	return buf[:]
}

// DecodeRingIndex parses the wire format written by EncodeRingIndex.
// It reports false (not an error) when buf isn't exactly one index
// record, so callers can treat a short/absent file as "no index yet".
func DecodeRingIndex(buf []byte) (RingIndex, bool, error) {
	if len(buf) != ringIndexSize {
		return RingIndex{}, false, nil
	}
	return RingIndex{
		Head:         binary.LittleEndian.Uint32(buf[0:4]),
		Tail:         binary.LittleEndian.Uint32(buf[4:8]),
		Count:        binary.LittleEndian.Uint32(buf[8:12]),
		TotalWritten: binary.LittleEndian.Uint32(buf[12:16]),
	}, true, nil
}

func (idx RingIndex) encode() []byte { return EncodeRingIndex(idx) }

func decodeRingIndex(buf []byte) (RingIndex, bool) {
	idx, ok, _ := DecodeRingIndex(buf)
	return idx, ok
}

// RecordFile is the minimal file-like surface the ring buffer needs
// from the record store. *os.File satisfies it on hosts with a real
// filesystem; a TinyGo build backs it with the RP2350's flash
// filesystem. Kept narrow so tests can use an in-memory fake.
type RecordFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}

// IndexStore persists the four-field RingIndex record. Separated from
// RecordFile because the index is rewritten wholesale on every save
// (spec §6) while the record file is only ever touched at one slot at
// a time.
type IndexStore interface {
	Load() (RingIndex, bool, error)
	Save(RingIndex) error
}

// RingBuffer implements the durable backlog of spec §4.5: Store (with
// timestamp normalization), GetAndRemove, Rollback, boot recovery.
// Grounded on original_source/main/spiffs_manager.c, translated from
// POSIX fopen/fseek/fwrite into Go's ReaderAt/WriterAt so the same
// logic runs against an *os.File on a host test and a flash-backed
// file under TinyGo.
type RingBuffer struct {
	mu       sync.Mutex
	records  RecordFile
	index    IndexStore
	capacity uint32
	idx      RingIndex
}

// NewRingBuffer loads (or initializes) the index and returns a ready
// RingBuffer. Capacity is N = MAX_MEASUREMENTS_BUFFER.
func NewRingBuffer(records RecordFile, index IndexStore, capacity uint32) (*RingBuffer, error) {
	rb := &RingBuffer{records: records, index: index, capacity: capacity}
	if err := rb.recover(); err != nil {
		return nil, err
	}
	return rb, nil
}

// recover implements boot recovery (spec §4.5): an absent or
// over-capacity index is reset to zero and persisted; the record file
// is never truncated, since the index alone is authoritative.
func (rb *RingBuffer) recover() error {
	idx, ok, err := rb.index.Load()
	if err != nil {
		return err
	}
	if !ok || idx.Count > rb.capacity {
		idx = RingIndex{}
		if err := rb.index.Save(idx); err != nil {
			return err
		}
	}
	rb.idx = idx
	return nil
}

// Index returns a copy of the current ring index, for status
// reporting.
func (rb *RingBuffer) Index() RingIndex {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.idx
}

// Count reports the number of backlog records currently stored.
func (rb *RingBuffer) Count() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.idx.Count)
}

// NormalizeTimestamp implements the §4.5 rule: if the measurement's
// timestamp looks like seconds- or milliseconds-since-boot and
// wall-clock is now available, rewrite it to an epoch value. uptimeS
// is the current uptime in seconds, nowEpoch the current wall-clock
// epoch second, and synced reports whether wall-clock is available at
// all. Applying this twice is a no-op: a genuine epoch timestamp
// (post-2024) always fails the "looks like uptime" test below once
// synced, per spec §8 item 8.
func NormalizeTimestamp(ts uint32, uptimeS uint32, nowEpoch uint32, synced bool) uint32 {
	if ts == 0 || !synced {
		return ts
	}
	if ts <= uptimeS+60 {
		// Looks like uptime in seconds.
		delta := uptimeS - ts
		return nowEpoch - delta
	}
	if ts < Epoch2024 && uint64(ts) <= uint64(uptimeS)*1000 {
		// Looks like uptime in milliseconds.
		storedUptimeS := ts / 1000
		delta := uptimeS - storedUptimeS
		return nowEpoch - delta
	}
	return ts
}

// Store writes a measurement to the head slot, normalizing its
// timestamp first, and evicts the oldest record (FIFO) if the buffer
// is full.
func (rb *RingBuffer) Store(m Measurement, uptimeS uint32, nowEpoch uint32, synced bool) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	m.Timestamp = NormalizeTimestamp(m.Timestamp, uptimeS, nowEpoch, synced)

	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	off := int64(rb.idx.Head) * RecordSize
	if _, err := rb.records.WriteAt(buf.Bytes(), off); err != nil {
		return err
	}

	rb.idx.Head = (rb.idx.Head + 1) % rb.capacity
	rb.idx.TotalWritten++
	if rb.idx.Count < rb.capacity {
		rb.idx.Count++
	} else {
		rb.idx.Tail = (rb.idx.Tail + 1) % rb.capacity
	}

	return rb.index.Save(rb.idx)
}

// GetAndRemove reads the oldest record and advances Tail before
// returning, per spec §4.5: the caller owns the record as soon as it
// is returned, even if persisting the updated index subsequently
// fails (that failure is logged by the caller, not surfaced here as a
// rollback condition).
func (rb *RingBuffer) GetAndRemove() (Measurement, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.idx.Count == 0 {
		return Measurement{}, ErrRingEmpty
	}

	off := int64(rb.idx.Tail) * RecordSize
	var buf [RecordSize]byte
	if _, err := rb.records.ReadAt(buf[:], off); err != nil {
		return Measurement{}, err
	}
	var m Measurement
	if err := m.Decode(bytes.NewReader(buf[:])); err != nil {
		return Measurement{}, err
	}

	rb.idx.Tail = (rb.idx.Tail + 1) % rb.capacity
	rb.idx.Count--
	_ = rb.index.Save(rb.idx) // logged by caller; record is already handed back

	return m, nil
}

// Rollback re-inserts a record at the tail of the dequeue order,
// undoing a GetAndRemove whose subsequent publish submission failed.
// Refuses if the buffer is already full.
func (rb *RingBuffer) Rollback(m Measurement) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.idx.Count >= rb.capacity {
		return ErrRingFull
	}

	rb.idx.Tail = (rb.idx.Tail - 1 + rb.capacity) % rb.capacity
	rb.idx.Count++

	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	off := int64(rb.idx.Tail) * RecordSize
	if _, err := rb.records.WriteAt(buf.Bytes(), off); err != nil {
		return err
	}

	return rb.index.Save(rb.idx)
}
