// Package engine implements the delivery engine shared by the
// datalogger's sampler, publisher, broker supervisor, time client, and
// name resolver: the bounded measurement queue, the durable ring
// buffer backlog, the pending-publish journal, the throttle, and the
// DNS/time caches. It has no build tags and no hardware dependency so
// it can be exercised with the stock go toolchain; the root package
// wires it to the TinyGo network stack.
package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SensorIDLen and MACLen fix the on-disk record layout described in
// spec §6: {u32 ts, char[16] sensor_id, u8[6] mac, f32 temp, f32 hum,
// u8 retry, u32 id}.
const (
	SensorIDLen = 16
	MACLen      = 6

	// RecordSize is the encoded size in bytes of one Measurement record.
	RecordSize = 4 + SensorIDLen + MACLen + 4 + 4 + 1 + 4
)

// Measurement is an immutable reading once produced. Timestamp is
// either wall-clock epoch seconds or seconds-since-boot, per §4.1; the
// ring buffer normalizes boot-relative timestamps to epoch at store
// time (§4.5).
type Measurement struct {
	ID          uint32
	Timestamp   uint32
	SensorID    [SensorIDLen]byte
	MAC         [MACLen]byte
	TempC       float32
	HumidityPct float32
	Retry       uint8
}

// NewSensorID truncates/pads s into the fixed-width sensor identifier
// field.
func NewSensorID(s string) [SensorIDLen]byte {
	var out [SensorIDLen]byte
	copy(out[:], s)
	return out
}

// SensorIDString returns the sensor identifier as a Go string, trimmed
// at the first NUL.
func (m Measurement) SensorIDString() string {
	n := 0
	for n < len(m.SensorID) && m.SensorID[n] != 0 {
		n++
	}
	return string(m.SensorID[:n])
}

// MACString renders the hardware address as "aa:bb:cc:dd:ee:ff".
func (m Measurement) MACString() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m.MAC[0], m.MAC[1], m.MAC[2], m.MAC[3], m.MAC[4], m.MAC[5])
}

// Encode writes the fixed-size native-order record used by the ring
// buffer's record file. The spec calls for "native byte order"; this
// implementation fixes that to little-endian, the byte order of every
// target this engine runs on (RP2350, and the original ESP32/ESP8266
// source this spec was distilled from) — see DESIGN.md.
func (m Measurement) Encode(w io.Writer) error {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.Timestamp)
	copy(buf[4:4+SensorIDLen], m.SensorID[:])
	copy(buf[4+SensorIDLen:4+SensorIDLen+MACLen], m.MAC[:])
	binary.LittleEndian.PutUint32(buf[4+SensorIDLen+MACLen:], math.Float32bits(m.TempC))
	binary.LittleEndian.PutUint32(buf[4+SensorIDLen+MACLen+4:], math.Float32bits(m.HumidityPct))
	buf[4+SensorIDLen+MACLen+8] = m.Retry
	binary.LittleEndian.PutUint32(buf[4+SensorIDLen+MACLen+9:], m.ID)
	_, err := w.Write(buf[:])
	return err
}

// Decode reads one fixed-size record as written by Encode.
func (m *Measurement) Decode(r io.Reader) error {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	m.Timestamp = binary.LittleEndian.Uint32(buf[0:4])
	copy(m.SensorID[:], buf[4:4+SensorIDLen])
	copy(m.MAC[:], buf[4+SensorIDLen:4+SensorIDLen+MACLen])
	m.TempC = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+SensorIDLen+MACLen:]))
	m.HumidityPct = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+SensorIDLen+MACLen+4:]))
	m.Retry = buf[4+SensorIDLen+MACLen+8]
	m.ID = binary.LittleEndian.Uint32(buf[4+SensorIDLen+MACLen+9:])
	return nil
}
