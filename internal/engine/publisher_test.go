package engine

import (
	"testing"
	"time"
)

func newTestPublisher(t *testing.T, publish PublishFunc) (*Publisher, *MeasurementQueue, *RingBuffer, *Flags) {
	t.Helper()
	q := NewMeasurementQueue(5)
	rb := newTestRing(t, 10)
	pending := NewPendingTable(10)
	flags := NewFlags()
	throttle := NewThrottle(3, 100*time.Millisecond)
	counters := NewCounters()
	p := NewPublisher(q, rb, pending, flags, throttle, counters, publish, nil, testLogger())
	p.QueuePollTimeout = 10 * time.Millisecond
	return p, q, rb, flags
}

func TestPublisherFreshMeasurementPublishedDirectlyWhenConnected(t *testing.T) {
	var published []Measurement
	publish := func(m Measurement) (uint16, bool) {
		published = append(published, m)
		return 42, true
	}
	p, q, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)

	m := testMeasurement(1)
	q.TryEnqueue(m, time.Second)

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeFreshDirect {
		t.Fatalf("outcome = %v, want OutcomeFreshDirect", outcome)
	}
	if len(published) != 1 || published[0] != m {
		t.Fatalf("published = %+v, want [%+v]", published, m)
	}
	if rb.Count() != 0 {
		t.Fatalf("ring count = %d, want 0 (direct publish, no backlog)", rb.Count())
	}
	if p.Pending.Len() != 1 {
		t.Fatalf("pending len = %d, want 1", p.Pending.Len())
	}
}

func TestPublisherFreshMeasurementBackloggedWhenDisconnected(t *testing.T) {
	p, q, rb, _ := newTestPublisher(t, nil)
	m := testMeasurement(1)
	q.TryEnqueue(m, time.Second)

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeFreshBacklogged {
		t.Fatalf("outcome = %v, want OutcomeFreshBacklogged", outcome)
	}
	if rb.Count() != 1 {
		t.Fatalf("ring count = %d, want 1", rb.Count())
	}
}

func TestPublisherFreshMeasurementBackloggedOnSubmissionFailure(t *testing.T) {
	publish := func(m Measurement) (uint16, bool) { return 0, false }
	p, q, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)

	m := testMeasurement(1)
	q.TryEnqueue(m, time.Second)

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeFreshBacklogged {
		t.Fatalf("outcome = %v, want OutcomeFreshBacklogged", outcome)
	}
	if rb.Count() != 1 {
		t.Fatalf("ring count = %d, want 1", rb.Count())
	}
}

func TestPublisherFreshPreemptsBacklogDrain(t *testing.T) {
	var published []Measurement
	publish := func(m Measurement) (uint16, bool) {
		published = append(published, m)
		return uint16(len(published)), true
	}
	p, q, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)

	if err := rb.Store(testMeasurement(100), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}
	fresh := testMeasurement(1)
	q.TryEnqueue(fresh, time.Second)

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeFreshDirect {
		t.Fatalf("outcome = %v, want OutcomeFreshDirect", outcome)
	}
	if len(published) != 1 || published[0].ID != fresh.ID {
		t.Fatalf("published = %+v, want fresh measurement first", published)
	}
	if rb.Count() != 1 {
		t.Fatalf("ring count = %d, want 1 (backlog record untouched this iteration)", rb.Count())
	}
}

func TestPublisherDrainsBacklogWhenNoFreshMeasurement(t *testing.T) {
	var published []Measurement
	publish := func(m Measurement) (uint16, bool) {
		published = append(published, m)
		return uint16(len(published)), true
	}
	p, _, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)
	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeBacklogFlushed {
		t.Fatalf("outcome = %v, want OutcomeBacklogFlushed", outcome)
	}
	if rb.Count() != 0 {
		t.Fatalf("ring count = %d, want 0", rb.Count())
	}
	if len(published) != 1 {
		t.Fatalf("published = %+v, want 1 backlog record", published)
	}
}

func TestPublisherRollsBackBacklogRecordOnSubmissionFailure(t *testing.T) {
	publish := func(m Measurement) (uint16, bool) { return 0, false }
	p, _, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)
	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeBacklogRolledBack {
		t.Fatalf("outcome = %v, want OutcomeBacklogRolledBack", outcome)
	}
	if rb.Count() != 1 {
		t.Fatalf("ring count after rollback = %d, want 1", rb.Count())
	}
}

func TestPublisherHeartbeatAfterIdleInterval(t *testing.T) {
	heartbeats := 0
	p, _, _, flags := newTestPublisher(t, nil)
	p.Heartbeat = func() (uint16, bool) { heartbeats++; return 0, true }
	p.HeartbeatInterval = 50 * time.Millisecond
	flags.Set(BrokerConnected)

	base := time.Unix(1700000000, 0)
	p.lastActivity = base

	outcome := p.RunOnce(base.Add(60*time.Millisecond), time.Second)
	if outcome != OutcomeHeartbeat {
		t.Fatalf("outcome = %v, want OutcomeHeartbeat", outcome)
	}
	if heartbeats != 1 {
		t.Fatalf("heartbeats = %d, want 1", heartbeats)
	}
}

func TestPublisherAppliesMessageDelayBetweenBatchSubmissions(t *testing.T) {
	var published []Measurement
	publish := func(m Measurement) (uint16, bool) {
		published = append(published, m)
		return uint16(len(published)), true
	}
	p, _, rb, flags := newTestPublisher(t, publish)
	flags.Set(BrokerConnected)
	p.MessageDelay = 250 * time.Millisecond
	var slept []time.Duration
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeBacklogFlushed {
		t.Fatalf("outcome = %v, want OutcomeBacklogFlushed", outcome)
	}
	if len(slept) != 1 || slept[0] != p.MessageDelay {
		t.Fatalf("slept = %v, want [%v] (inter-message delay, batch not yet full)", slept, p.MessageDelay)
	}
}

func TestPublisherNoMessageDelayWhenSubmissionFillsBatch(t *testing.T) {
	var published []Measurement
	publish := func(m Measurement) (uint16, bool) {
		published = append(published, m)
		return uint16(len(published)), true
	}
	q := NewMeasurementQueue(5)
	rb := newTestRing(t, 10)
	pending := NewPendingTable(10)
	flags := NewFlags()
	flags.Set(BrokerConnected)
	throttle := NewThrottle(1, 200*time.Millisecond) // batch size 1: full after one submission
	counters := NewCounters()
	p := NewPublisher(q, rb, pending, flags, throttle, counters, publish, nil, testLogger())
	p.QueuePollTimeout = 10 * time.Millisecond
	p.MessageDelay = 250 * time.Millisecond
	var slept []time.Duration
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}

	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeBacklogFlushed {
		t.Fatalf("outcome = %v, want OutcomeBacklogFlushed", outcome)
	}
	if len(slept) != 0 {
		t.Fatalf("slept = %v, want no inter-message delay once the batch is full", slept)
	}
}

func TestPublisherSplitsBatchPauseWithHeartbeat(t *testing.T) {
	q := NewMeasurementQueue(5)
	rb := newTestRing(t, 10)
	pending := NewPendingTable(10)
	flags := NewFlags()
	flags.Set(BrokerConnected)
	throttle := NewThrottle(1, 200*time.Millisecond)
	counters := NewCounters()
	p := NewPublisher(q, rb, pending, flags, throttle, counters, nil, nil, testLogger())
	p.QueuePollTimeout = 10 * time.Millisecond

	heartbeats := 0
	p.Heartbeat = func() (uint16, bool) { heartbeats++; return 99, true }
	var slept []time.Duration
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}
	// Fill the batch (size 1) without the test's own Sleep/Publish hooks
	// getting in the way: submit once via a throwaway Publish func.
	p.Publish = func(m Measurement) (uint16, bool) { return 1, true }
	if outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second); outcome != OutcomeBacklogFlushed {
		t.Fatalf("priming outcome = %v, want OutcomeBacklogFlushed", outcome)
	}
	slept = nil // discard any pre-batch-full sleep recorded above

	if err := rb.Store(testMeasurement(2), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}
	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeBatchPaused {
		t.Fatalf("outcome = %v, want OutcomeBatchPaused", outcome)
	}
	if heartbeats != 1 {
		t.Fatalf("heartbeats = %d, want 1 (sent during the split pause)", heartbeats)
	}
	half := throttle.BatchDelay() / 2
	if len(slept) != 2 || slept[0] != half || slept[1] != half {
		t.Fatalf("slept = %v, want [%v %v] (pause split around the heartbeat)", slept, half, half)
	}
	if rb.Count() != 1 {
		t.Fatalf("ring count = %d, want 1 (second record still pending, not consumed during the pause)", rb.Count())
	}
}

func TestPublisherIdleWhenNothingToDo(t *testing.T) {
	p, _, _, _ := newTestPublisher(t, nil)
	outcome := p.RunOnce(time.Unix(1700000000, 0), time.Second)
	if outcome != OutcomeIdle {
		t.Fatalf("outcome = %v, want OutcomeIdle", outcome)
	}
}
