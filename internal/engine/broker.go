package engine

import (
	"log/slog"
	"time"
)

// SessionEvent is one of the broker session lifecycle events spec
// §4.4's event table names.
type SessionEvent int

const (
	EventConnected SessionEvent = iota
	EventDisconnected
	EventPublished
	EventError
	EventData
)

// SessionMsg is what the broker session callback hands to the
// supervisor. Grounded on spec §9's "callback-driven session events"
// design note: translate the library's own-thread callback into a
// message on a channel, consumed here, rather than mutating shared
// state directly from the callback goroutine.
type SessionMsg struct {
	Event SessionEvent
	MsgID uint16
}

// BrokerSupervisor implements spec §4.4: session lifecycle, stall
// detection, and the event-driven reconnect/recreate policy.
// Grounded on original_source/main/mqtt_manager.c's state machine and
// its safe_stop_mqtt_client "stop not destroy" hazard avoidance (spec
// §9), and on the teacher's varconn.SetDefaultMQTT LWT setup pattern.
type BrokerSupervisor struct {
	Flags    *Flags
	Counters *Counters
	Pending  *PendingTable
	Throttle *Throttle
	DNSCache *DNSCache
	Ring     *RingBuffer
	Logger   *slog.Logger

	// Reconnect performs a lightweight reconnect on the existing
	// session handle.
	Reconnect func() error
	// RecreateSession stops the current handle (if any), re-runs name
	// resolution, and re-initializes a fresh session with LWT/auth.
	RecreateSession func() error
	// PublishOnline submits the retained QoS1 "Online" status message.
	PublishOnline func() error

	StabilizationDelay            time.Duration
	ReconnectDelay                time.Duration
	StallCheckInterval            time.Duration
	RecreateFailThreshold         uint32
	DisconnectClearCacheThreshold uint32

	hasSession        bool
	forceRecreate     bool
	prevLinkConnected bool
	linkUpTime        time.Time
	lastAttempt       time.Time
	lastStallCheck    time.Time
	lastMessagesSent  uint32
}

// NewBrokerSupervisor wires a supervisor to its dependencies with the
// spec's default timings.
func NewBrokerSupervisor(flags *Flags, counters *Counters, pending *PendingTable, throttle *Throttle, dnsCache *DNSCache, ring *RingBuffer, logger *slog.Logger) *BrokerSupervisor {
	return &BrokerSupervisor{
		Flags:                         flags,
		Counters:                      counters,
		Pending:                       pending,
		Throttle:                      throttle,
		DNSCache:                      dnsCache,
		Ring:                          ring,
		Logger:                        logger,
		StabilizationDelay:            10 * time.Second,
		ReconnectDelay:                5 * time.Second,
		StallCheckInterval:            2 * time.Minute,
		RecreateFailThreshold:         2,
		DisconnectClearCacheThreshold: 3,
	}
}

// Poll runs one iteration of the 10s state machine (spec §4.4).
func (b *BrokerSupervisor) Poll(now time.Time) {
	linkConnected := b.Flags.Test(LinkConnected)
	brokerConnected := b.Flags.Test(BrokerConnected)

	if !linkConnected {
		if b.hasSession {
			b.stopSession()
		}
		b.Flags.Clear(BrokerConnected)
		b.Counters.ResetConsecutiveFailures()
		b.forceRecreate = true
		b.prevLinkConnected = false
		return
	}

	if !b.prevLinkConnected {
		// Rising edge: link just came up.
		b.forceRecreate = true
		b.linkUpTime = now
		b.prevLinkConnected = true
	}

	if brokerConnected {
		b.checkStall(now)
		return
	}

	stabilized := !b.linkUpTime.IsZero() && now.Sub(b.linkUpTime) >= b.StabilizationDelay
	dueForAttempt := b.lastAttempt.IsZero() || now.Sub(b.lastAttempt) >= b.ReconnectDelay
	if !stabilized || !dueForAttempt {
		return
	}

	b.lastAttempt = now
	if b.Counters.ConsecutiveFailures() >= b.RecreateFailThreshold || b.forceRecreate {
		b.recreateSession()
	} else if b.Reconnect != nil {
		if err := b.Reconnect(); err != nil {
			b.Logger.Warn("broker: reconnect failed", "error", err)
		}
	}
}

func (b *BrokerSupervisor) checkStall(now time.Time) {
	if b.lastStallCheck.IsZero() {
		b.lastStallCheck = now
		b.lastMessagesSent = b.Counters.MessagesSent()
		return
	}
	if now.Sub(b.lastStallCheck) < b.StallCheckInterval {
		return
	}
	current := b.Counters.MessagesSent()
	stalled := current == b.lastMessagesSent && b.Ring.Count() > 0
	b.lastStallCheck = now
	b.lastMessagesSent = current
	if stalled {
		b.Logger.Warn("broker: stall detected, arming session recreate")
		b.forceRecreate = true
	}
}

func (b *BrokerSupervisor) stopSession() {
	b.hasSession = false
}

func (b *BrokerSupervisor) recreateSession() {
	b.stopSession()
	if b.RecreateSession != nil {
		if err := b.RecreateSession(); err != nil {
			b.Logger.Warn("broker: recreate failed", "error", err)
			return
		}
	}
	b.hasSession = true
	b.forceRecreate = false
}

// HandleEvent processes one session callback event per spec §4.4's
// table.
func (b *BrokerSupervisor) HandleEvent(msg SessionMsg) {
	switch msg.Event {
	case EventConnected:
		b.hasSession = true
		b.Flags.Set(BrokerConnected | ProcessBacklog)
		b.Counters.ResetConsecutiveFailures()
		b.Throttle.Reset()
		if b.PublishOnline != nil {
			if err := b.PublishOnline(); err != nil {
				b.Logger.Warn("broker: publishing Online status failed", "error", err)
			}
		}
	case EventDisconnected:
		b.Flags.Clear(BrokerConnected)
		n := b.Counters.IncConsecutiveFailures()
		if n >= b.DisconnectClearCacheThreshold {
			b.clearDNSCache()
			b.Counters.ResetConsecutiveFailures()
		}
	case EventPublished:
		if _, ok := b.Pending.Ack(msg.MsgID); ok {
			b.Counters.IncMessagesSent()
		}
	case EventError:
		// Same cache-clearing policy as 3 consecutive disconnects
		// (spec §4.4): accumulate on the shared consecutive-failure
		// counter and only clear once the threshold is reached,
		// rather than clearing on every single transport error.
		n := b.Counters.IncConsecutiveFailures()
		if n >= b.DisconnectClearCacheThreshold {
			b.clearDNSCache()
			b.Counters.ResetConsecutiveFailures()
		}
	case EventData:
		b.Logger.Debug("broker: ignoring inbound data on publish-only device")
	}
}

func (b *BrokerSupervisor) clearDNSCache() {
	if b.DNSCache == nil {
		return
	}
	if err := b.DNSCache.Clear(); err != nil {
		b.Logger.Warn("broker: clearing DNS cache failed", "error", err)
	}
}
