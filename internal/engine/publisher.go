package engine

import (
	"log/slog"
	"time"
)

// PublishFunc submits one measurement to the broker and reports the
// assigned message id, or ok=false on submission failure — the Go
// shape of spec §4.2's "broker returns non-negative message id"
// contract. Injected so the publisher's priority logic is testable
// without a real broker session, the way the teacher hands its
// network stack to fetchScheduleViaMQTT rather than reaching for a
// global.
type PublishFunc func(m Measurement) (msgID uint16, ok bool)

// HeartbeatFunc submits a small QoS-0 status message to keep the
// session alive (spec §4.2 step 3).
type HeartbeatFunc func() (msgID uint16, ok bool)

// PublishOutcome reports what one Publisher.RunOnce iteration did, for
// logging and tests.
type PublishOutcome int

const (
	OutcomeIdle PublishOutcome = iota
	OutcomeFreshDirect
	OutcomeFreshBacklogged
	OutcomeBacklogFlushed
	OutcomeBacklogRolledBack
	OutcomeHeartbeat
	OutcomeBatchPaused
)

// Publisher implements spec §4.2's single cooperative priority loop:
// fresh measurements first (never throttled), then backlog drain
// under the throttle, then heartbeat. Grounded on the teacher's
// mqtt.go driving loop for natiu-mqtt (StartConnect/HandleNext/
// PublishPayload) — this type captures the decision logic that loop
// would make; the root package's publisher.go supplies the real
// PublishFunc/HeartbeatFunc bound to a live session.
type Publisher struct {
	Queue     *MeasurementQueue
	Ring      *RingBuffer
	Pending   *PendingTable
	Flags     *Flags
	Throttle  *Throttle
	Counters  *Counters
	Publish   PublishFunc
	Heartbeat HeartbeatFunc
	Logger    *slog.Logger

	// MessageDelay is the MQTT_MESSAGE_DELAY_MS pause inserted between
	// successive backlog submissions within a batch (spec §4.3).
	MessageDelay      time.Duration
	HeartbeatInterval time.Duration
	QueuePollTimeout  time.Duration

	// Sleep performs the publisher's pauses (message delay, split
	// batch pause). Defaults to time.Sleep; overridable so tests can
	// observe pause durations without actually waiting on them.
	Sleep func(time.Duration)

	lastActivity time.Time
}

// NewPublisher wires a publisher to its dependencies.
func NewPublisher(queue *MeasurementQueue, ring *RingBuffer, pending *PendingTable, flags *Flags, throttle *Throttle, counters *Counters, publish PublishFunc, heartbeat HeartbeatFunc, logger *slog.Logger) *Publisher {
	return &Publisher{
		Queue:             queue,
		Ring:              ring,
		Pending:           pending,
		Flags:             flags,
		Throttle:          throttle,
		Counters:          counters,
		Publish:           publish,
		Heartbeat:         heartbeat,
		Logger:            logger,
		HeartbeatInterval: 5 * time.Minute,
		QueuePollTimeout:  10 * time.Millisecond,
		Sleep:             time.Sleep,
	}
}

// RunOnce performs one priority-loop iteration. now is wall-clock
// time, uptime is time since boot — both needed for the ring buffer's
// timestamp normalization on the backlog-persist path.
func (p *Publisher) RunOnce(now time.Time, uptime time.Duration) PublishOutcome {
	synced := p.Flags.Test(TimeSynced)
	nowEpoch := uint32(now.Unix())
	uptimeS := uint32(uptime / time.Second)

	if m, ok := p.Queue.TryDequeue(p.QueuePollTimeout); ok {
		return p.handleFresh(m, now, uptimeS, nowEpoch, synced)
	}

	if p.Flags.Test(BrokerConnected) && p.Ring.Count() > 0 {
		if p.Throttle.Allow(now) {
			return p.flushOneBacklogRecord(now)
		}
		return p.pauseBatch(now)
	}

	if p.Flags.Test(BrokerConnected) && !p.lastActivity.IsZero() && now.Sub(p.lastActivity) >= p.HeartbeatInterval {
		if p.Heartbeat != nil {
			p.Heartbeat()
		}
		p.lastActivity = now
		return OutcomeHeartbeat
	}
	return OutcomeIdle
}

// handleFresh implements spec §4.2 step 1: never throttled, jumps
// ahead of any backlog flush in progress.
func (p *Publisher) handleFresh(m Measurement, now time.Time, uptimeS, nowEpoch uint32, synced bool) PublishOutcome {
	if p.Flags.Test(BrokerConnected) {
		msgID, ok := p.Publish(m)
		p.Counters.IncPublishAttempts()
		if ok {
			p.Pending.Add(PendingEntry{MsgID: msgID, Measurement: m, WasFromBacklog: false})
			p.lastActivity = now
			return OutcomeFreshDirect
		}
		p.Logger.Warn("publisher: submission failed, persisting to backlog", "measurement_id", m.ID)
	}
	if err := p.Ring.Store(m, uptimeS, nowEpoch, synced); err != nil {
		p.Logger.Error("publisher: backlog store failed", "error", err, "measurement_id", m.ID)
	}
	return OutcomeFreshBacklogged
}

// flushOneBacklogRecord implements spec §4.2 step 2's get-and-remove
// then rollback-on-failure contract.
func (p *Publisher) flushOneBacklogRecord(now time.Time) PublishOutcome {
	m, err := p.Ring.GetAndRemove()
	if err != nil {
		return OutcomeIdle
	}

	msgID, ok := p.Publish(m)
	p.Counters.IncPublishAttempts()
	if !ok {
		if rerr := p.Ring.Rollback(m); rerr != nil {
			p.Logger.Error("publisher: rollback after failed backlog submission also failed", "error", rerr, "measurement_id", m.ID)
		}
		return OutcomeBacklogRolledBack
	}

	p.Pending.Add(PendingEntry{MsgID: msgID, Measurement: m, WasFromBacklog: true})
	p.Throttle.RecordSubmission(now)
	p.lastActivity = now

	// Between successive submissions in a batch, insert the inter-
	// message delay (spec §4.3). Once the batch is full, the pause
	// happens on the next iteration instead, split around a heartbeat
	// (pauseBatch below) — no extra delay here in that case.
	if !p.Throttle.Full() && p.Sleep != nil {
		p.Sleep(p.MessageDelay)
	}

	return OutcomeBacklogFlushed
}

// pauseBatch implements spec §4.3's "after batch full, the batch-pause
// is split in half with an interleaved heartbeat" rule: half of
// MQTT_BATCH_DELAY_MS, a heartbeat to keep the session alive, then the
// remaining half, after which the throttle is reset so the next
// RunOnce call resumes flushing immediately rather than waiting out
// the delay a second time.
func (p *Publisher) pauseBatch(now time.Time) PublishOutcome {
	half := p.Throttle.BatchDelay() / 2
	if p.Sleep != nil {
		p.Sleep(half)
	}
	if p.Heartbeat != nil {
		if _, ok := p.Heartbeat(); ok {
			p.lastActivity = now
		}
	}
	if p.Sleep != nil {
		p.Sleep(half)
	}
	p.Throttle.Reset()
	return OutcomeBatchPaused
}
