package engine

import (
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T) (*BrokerSupervisor, *RingBuffer) {
	t.Helper()
	rb := newTestRing(t, 10)
	s := NewBrokerSupervisor(NewFlags(), NewCounters(), NewPendingTable(10), NewThrottle(3, 100*time.Millisecond), NewDNSCache(NewMemKVStore(), 3600), rb, testLogger())
	return s, rb
}

func TestBrokerSupervisorConnectedEventSetsFlagsAndPublishesOnline(t *testing.T) {
	s, _ := newTestSupervisor(t)
	onlinePublished := false
	s.PublishOnline = func() error { onlinePublished = true; return nil }

	s.HandleEvent(SessionMsg{Event: EventConnected})
	if !s.Flags.Test(BrokerConnected) {
		t.Fatalf("BrokerConnected not set after CONNECTED event")
	}
	if !s.Flags.Test(ProcessBacklog) {
		t.Fatalf("ProcessBacklog not set after CONNECTED event")
	}
	if !onlinePublished {
		t.Fatalf("PublishOnline not called")
	}
}

func TestBrokerSupervisorDisconnectClearsCacheAfterThreshold(t *testing.T) {
	s, _ := newTestSupervisor(t)
	if err := s.DNSCache.Save("203.0.113.10", 1700000000, true); err != nil {
		t.Fatal(err)
	}

	s.HandleEvent(SessionMsg{Event: EventDisconnected})
	s.HandleEvent(SessionMsg{Event: EventDisconnected})
	if _, ok, _ := s.DNSCache.Load(1700000000, true); !ok {
		t.Fatalf("DNS cache cleared before 3rd disconnect")
	}

	s.HandleEvent(SessionMsg{Event: EventDisconnected})
	if _, ok, _ := s.DNSCache.Load(1700000000, true); ok {
		t.Fatalf("DNS cache not cleared after 3rd consecutive disconnect")
	}
	if s.Counters.ConsecutiveFailures() != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want reset to 0", s.Counters.ConsecutiveFailures())
	}
}

func TestBrokerSupervisorPublishedEventIncrementsMessagesSentOnMatch(t *testing.T) {
	s, _ := newTestSupervisor(t)
	if err := s.Pending.Add(PendingEntry{MsgID: 7, Measurement: testMeasurement(1)}); err != nil {
		t.Fatal(err)
	}

	s.HandleEvent(SessionMsg{Event: EventPublished, MsgID: 7})
	if s.Counters.MessagesSent() != 1 {
		t.Fatalf("MessagesSent = %d, want 1", s.Counters.MessagesSent())
	}
	if s.Pending.Len() != 0 {
		t.Fatalf("pending len = %d, want 0", s.Pending.Len())
	}
}

func TestBrokerSupervisorPublishedEventIgnoresNonMatchingMsgID(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.HandleEvent(SessionMsg{Event: EventPublished, MsgID: 99})
	if s.Counters.MessagesSent() != 0 {
		t.Fatalf("MessagesSent = %d, want 0 (no matching pending entry)", s.Counters.MessagesSent())
	}
}

func TestBrokerSupervisorErrorEventAccumulatesSameCounterAsDisconnects(t *testing.T) {
	s, _ := newTestSupervisor(t)
	if err := s.DNSCache.Save("203.0.113.10", 1700000000, true); err != nil {
		t.Fatal(err)
	}

	s.HandleEvent(SessionMsg{Event: EventError})
	if _, ok, _ := s.DNSCache.Load(1700000000, true); !ok {
		t.Fatalf("DNS cache cleared after a single ERROR event, want same policy as 3 consecutive disconnects")
	}
	s.HandleEvent(SessionMsg{Event: EventDisconnected})
	if _, ok, _ := s.DNSCache.Load(1700000000, true); !ok {
		t.Fatalf("DNS cache cleared before 3rd combined ERROR/DISCONNECTED event")
	}

	s.HandleEvent(SessionMsg{Event: EventError})
	if _, ok, _ := s.DNSCache.Load(1700000000, true); ok {
		t.Fatalf("DNS cache not cleared after 3rd consecutive ERROR/DISCONNECTED event")
	}
	if s.Counters.ConsecutiveFailures() != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want reset to 0", s.Counters.ConsecutiveFailures())
	}
}

func TestBrokerSupervisorLinkDownClearsBrokerConnectedAndArmsRecreate(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Flags.Set(LinkConnected | BrokerConnected)
	s.prevLinkConnected = true
	s.hasSession = true

	s.Poll(time.Unix(1700000000, 0))
	// Link is still flagged connected above; now drop it and poll again.
	s.Flags.Clear(LinkConnected)
	s.Poll(time.Unix(1700000001, 0))

	if s.Flags.Test(BrokerConnected) {
		t.Fatalf("BrokerConnected still set after link down")
	}
	if !s.forceRecreate {
		t.Fatalf("forceRecreate not armed after link down")
	}
}

func TestBrokerSupervisorRecreatesAfterStabilizationAndDelay(t *testing.T) {
	s, _ := newTestSupervisor(t)
	recreated := 0
	s.RecreateSession = func() error { recreated++; return nil }
	s.StabilizationDelay = 10 * time.Second
	s.ReconnectDelay = time.Second

	base := time.Unix(1700000000, 0)
	s.Flags.Set(LinkConnected)
	s.Poll(base) // rising edge: arms forceRecreate, records linkUpTime

	s.Poll(base.Add(5 * time.Second)) // not yet stabilized
	if recreated != 0 {
		t.Fatalf("recreated = %d before stabilization, want 0", recreated)
	}

	s.Poll(base.Add(11 * time.Second)) // stabilized and reconnect delay elapsed
	if recreated != 1 {
		t.Fatalf("recreated = %d after stabilization, want 1", recreated)
	}
}

func TestBrokerSupervisorUsesReconnectWhenNotForcedAndBelowFailThreshold(t *testing.T) {
	s, _ := newTestSupervisor(t)
	reconnected := 0
	s.Reconnect = func() error { reconnected++; return nil }
	s.StabilizationDelay = 0
	s.ReconnectDelay = 0

	base := time.Unix(1700000000, 0)
	s.Flags.Set(LinkConnected)
	s.Poll(base) // rising edge arms forceRecreate once
	s.forceRecreate = false
	s.lastAttempt = time.Time{}

	s.Poll(base.Add(time.Second))
	if reconnected != 1 {
		t.Fatalf("reconnected = %d, want 1", reconnected)
	}
}

func TestBrokerSupervisorStallDetectionArmsRecreate(t *testing.T) {
	s, rb := newTestSupervisor(t)
	if err := rb.Store(testMeasurement(1), 10, 1700000000, false); err != nil {
		t.Fatal(err)
	}
	s.Flags.Set(LinkConnected | BrokerConnected)
	s.prevLinkConnected = true // isolate stall detection from the rising-edge arm
	s.StallCheckInterval = time.Minute

	base := time.Unix(1700000000, 0)
	s.Poll(base) // establishes baseline messagesSent sample
	if s.forceRecreate {
		t.Fatalf("forceRecreate armed before stall window elapsed")
	}
	s.Poll(base.Add(2 * time.Minute))

	if !s.forceRecreate {
		t.Fatalf("forceRecreate not armed after stall with non-empty backlog")
	}
}

func TestBrokerSupervisorNoStallWhenBacklogEmpty(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Flags.Set(LinkConnected | BrokerConnected)
	s.prevLinkConnected = true // isolate stall detection from the rising-edge arm
	s.StallCheckInterval = time.Minute

	base := time.Unix(1700000000, 0)
	s.Poll(base)
	s.Poll(base.Add(2 * time.Minute))

	if s.forceRecreate {
		t.Fatalf("forceRecreate armed despite empty backlog")
	}
}
