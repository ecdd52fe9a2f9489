package engine

import (
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

// SensorReader is the injected sensor collaborator spec §1 calls out
// as external: "pure function read_sensor() -> (°C, %RH) or transient
// error". Grounded on the teacher's pattern of taking its network
// stack as a parameter (mqtt.go's fetchScheduleViaMQTT) rather than
// reaching for a package-level global.
type SensorReader func() (tempC, humidityPct float32, err error)

// Sampler implements spec §4.1: fixed-period sensor reads, synthetic
// fallback on failure, ID assignment, timestamp selection, bounded
// enqueue.
type Sampler struct {
	Queue    *MeasurementQueue
	Flags    *Flags
	Read     SensorReader
	SensorID [SensorIDLen]byte
	MAC      [MACLen]byte
	Logger   *slog.Logger

	counter uint32
	last    atomic.Pointer[Measurement]
	rng     *rand.Rand
}

// NewSampler wires a sampler to its queue, flags, and sensor
// collaborator.
func NewSampler(queue *MeasurementQueue, flags *Flags, read SensorReader, sensorID [SensorIDLen]byte, mac [MACLen]byte, logger *slog.Logger) *Sampler {
	return &Sampler{
		Queue:    queue,
		Flags:    flags,
		Read:     read,
		SensorID: sensorID,
		MAC:      mac,
		Logger:   logger,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// WaitForInitialSync blocks up to timeout for TIME_SYNCED on first
// boot (spec §4.1's 15s wait), logging which path was taken.
func (s *Sampler) WaitForInitialSync(timeout time.Duration) bool {
	synced := s.Flags.WaitTimeout(TimeSynced, timeout)
	if synced {
		s.Logger.Info("sampler: starting with time synchronized")
	} else {
		s.Logger.Info("sampler: starting with uptime timestamps, time not yet synced")
	}
	return synced
}

// Tick performs one sampling cycle at the given wall-clock time and
// uptime, enqueuing the result. enqueueTimeout is the bounded-enqueue
// window (spec §4.1: 1s).
func (s *Sampler) Tick(now time.Time, uptime time.Duration, enqueueTimeout time.Duration) Measurement {
	tempC, humidityPct, err := s.Read()
	if err != nil {
		tempC = 20 + s.rng.Float32()*10
		humidityPct = 40 + s.rng.Float32()*40
		s.Logger.Warn("sampler: sensor read failed, substituting synthetic reading", "error", err)
	}

	s.counter++
	m := Measurement{
		ID:          s.counter,
		Timestamp:   s.timestamp(now, uptime),
		SensorID:    s.SensorID,
		MAC:         s.MAC,
		TempC:       tempC,
		HumidityPct: humidityPct,
	}

	s.last.Store(&m)

	if !s.Queue.TryEnqueue(m, enqueueTimeout) {
		s.Logger.Warn("sampler: in-RAM queue full, dropping measurement", "measurement_id", m.ID)
	}
	return m
}

// timestamp implements spec §4.1's selection rule: wall-clock seconds
// when TIME_SYNCED is set and plausible, else seconds-since-boot.
func (s *Sampler) timestamp(now time.Time, uptime time.Duration) uint32 {
	epoch := uint32(now.Unix())
	if s.Flags.Test(TimeSynced) && WallClockPlausible(epoch) {
		return epoch
	}
	return uint32(uptime / time.Second)
}

// LastMeasurement returns the most recently sampled measurement, read
// lock-free via an atomic pointer. Spec §3 accepts scalar tearing for
// this snapshot under a single-core scheduler; Go's goroutine
// scheduler offers no such guarantee, so this engine upgrades the
// read path to atomic.Pointer instead of plain fields.
func (s *Sampler) LastMeasurement() (Measurement, bool) {
	p := s.last.Load()
	if p == nil {
		return Measurement{}, false
	}
	return *p, true
}
