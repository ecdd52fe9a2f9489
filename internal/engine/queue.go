package engine

import "time"

// MeasurementQueueDefault is the in-RAM queue capacity spec §4.1
// fixes at 20.
const MeasurementQueueDefault = 20

// MeasurementQueue is the bounded in-RAM queue between the sampler
// (producer) and publisher (consumer), spec §3 "shared-resource
// ownership": producer-side overflow detection, no durability —
// that's the ring buffer's job. Grounded on the teacher's own use of a
// buffered channel as its single signaling primitive (main.go's
// refreshChan), generalized here into a bounded channel of
// Measurement carrying both the "MPMC-style primitive" spec §5 calls
// for and the blocking-enqueue-with-timeout semantics §4.1 specifies.
type MeasurementQueue struct {
	ch chan Measurement
}

// NewMeasurementQueue returns a queue of the given capacity.
func NewMeasurementQueue(capacity int) *MeasurementQueue {
	return &MeasurementQueue{ch: make(chan Measurement, capacity)}
}

// TryEnqueue attempts to enqueue within timeout, returning false if
// the queue stayed full for the whole window — the sampler logs and
// drops on this path (spec §4.1), it never blocks the pipeline.
func (q *MeasurementQueue) TryEnqueue(m Measurement, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case q.ch <- m:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- m:
		return true
	case <-timer.C:
		return false
	}
}

// TryDequeue attempts to dequeue within timeout, used by the publisher's
// 10ms poll (spec §4.2 step 1).
func (q *MeasurementQueue) TryDequeue(timeout time.Duration) (Measurement, bool) {
	if timeout <= 0 {
		select {
		case m := <-q.ch:
			return m, true
		default:
			return Measurement{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-q.ch:
		return m, true
	case <-timer.C:
		return Measurement{}, false
	}
}

// Len reports the number of measurements currently queued.
func (q *MeasurementQueue) Len() int { return len(q.ch) }
