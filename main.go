//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"openenterprise/datalogger/config"
	"openenterprise/datalogger/internal/engine"
	"openenterprise/datalogger/internal/xfs"
	"openenterprise/datalogger/ota"
	"openenterprise/datalogger/telemetry"
	"openenterprise/datalogger/version"

	"github.com/soypat/cyw43439/examples/cywnet"
)

const watchdogTimeoutMillis = 8000

// Functional watchdog state, same pattern as the teacher's: stop
// feeding it to force a reset when the system decides it's unhealthy.
var systemHealthy = true

func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// fatalError waits for the watchdog to fire, falling back to a
// software reset if it somehow doesn't. Unchanged from the teacher's
// pattern: every unrecoverable boot-time error ends here.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	ota.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// CRITICAL: Confirm OTA partition IMMEDIATELY to prevent TBYB auto-revert.
	confirmResult := ota.ConfirmPartitionWithCode()

	time.Sleep(2 * time.Second)
	println("========================================")
	println("  Openenterprise Datalogger")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	if confirmResult != 0 {
		println("OTA: partition confirm returned:", confirmResult)
	} else {
		println("OTA: partition confirmed")
	}

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12), // suppress routine network stack chatter
	}))

	initLEDs()
	ledLogger = logger

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: watchdogTimeoutMillis})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	bootTime := time.Now()

	// --- Engine state (spec §3) ---
	flags := engine.NewFlags()
	state := engine.NewSystemState()
	counters := engine.NewCounters()
	queue := engine.NewMeasurementQueue(config.BufferSize())
	pending := engine.NewPendingTable(config.MaxPendingMsgs())
	throttle := engine.NewThrottle(config.MQTTBatchSize(), config.MQTTBatchDelay())

	kv := xfs.NewKVFlash()
	dnsCache := engine.NewDNSCache(kv, uint32(config.DNSCacheTTL().Seconds()))
	timeCache := engine.NewTimeCache(kv)

	records := xfs.NewRecordFile(uint32(config.BufferSize()) * engine.RecordSize)
	indexStore := xfs.NewIndexFile()
	ring, err := engine.NewRingBuffer(records, indexStore, uint32(config.BufferSize()))
	if err != nil {
		logger.Error("backlog:init-failed", slog.String("err", err.Error()))
		fatalError("Backlog ring buffer init failed - waiting for reset...")
	}

	sensorID := engine.NewSensorID(config.SensorID())
	mac := deriveMAC()
	sampler := engine.NewSampler(queue, flags, readSensorStub, sensorID, mac, logger)

	timeClient := engine.NewTimeClient(flags, timeCache, logger)
	timeClient.SyncInterval = config.NTPSyncInterval()
	timeClient.ResyncThreshold = config.NTPResyncThreshold()
	timeClient.CacheMaxAge = config.NTPCacheMaxAge()

	brokerSup := engine.NewBrokerSupervisor(flags, counters, pending, throttle, dnsCache, ring, logger)
	brokerSup.ReconnectDelay = config.MQTTReconnectDelay()

	// --- WiFi bring-up ---
	cystack, err := bringUpLink(logger, netLogger)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	globalCyStack = cystack

	ota.SetWiFiShutdown(func() {
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond)
	})

	go loopForeverStack(cystack, feedWatchdogIfHealthy)

	var dnsServers []netip.Addr
	linkConnect := newLinkConnect(cystack, func(res cywnet.DHCPResults) {
		dnsServers = res.DNSServers
		logger.Info("dhcp:complete", slog.String("addr", res.AssignedAddr.String()))
	})
	linkSup := engine.NewLinkSupervisor(flags, linkConnect, func() { fatalError("link: sustained failure - waiting for reset...") }, logger)

	// Block for the first lease before anything network-dependent starts,
	// matching the teacher's synchronous DHCP-at-boot sequence.
	if wait, _ := linkSup.Attempt(); wait > 0 && !flags.Test(engine.LinkConnected) {
		logger.Error("dhcp:failed")
		fatalError("DHCP failed - waiting for reset...")
	}
	go runLinkSupervisor(linkSup)

	stack := cystack.LnetoStack()

	_, resolvePort := config.BrokerHostPort()
	resolver := engine.NewResolver(dnsCache, flags, newLookupFunc(stack), newProbeFunc(stack), config.DNSFallbackServers(), config.BrokerURI(), resolvePort, logger)

	resolved := &resolvedBrokerAddr{}
	go runResolver(resolver, 5*time.Minute, func(ip string, ok bool) {
		if ok {
			resolved.set(ip, resolvePort)
			logger.Info("resolver:resolved", slog.String("ip", ip))
		} else {
			logger.Warn("resolver:failed")
		}
	})
	// Resolve once synchronously so the broker supervisor has an address
	// to dial on its very first attempt.
	if ip, ok := resolver.Resolve(time.Now()); ok {
		resolved.set(ip, resolvePort)
	}

	clientID := buildClientID(mac)
	session := newMQTTSession(stack, logger, []byte(clientID))
	brokerSup.RecreateSession = newRecreateSession(session, resolved)
	brokerSup.Reconnect = newReconnect(session, resolved)
	brokerSup.PublishOnline = newPublishOnline(session)
	go pumpSession(session, brokerSup, logger)
	go runBrokerSupervisor(brokerSup, 10*time.Second)

	publisher := engine.NewPublisher(queue, ring, pending, flags, throttle, counters, newPublishFunc(session, clientID), newHeartbeatFunc(session), logger)
	publisher.HeartbeatInterval = config.MQTTHeartbeatInterval()
	publisher.MessageDelay = config.MQTTMessageDelay()
	go runPublisher(publisher, bootTime)

	go runSampler(sampler, config.MeasurementInterval(), bootTime)
	go runTimeClient(stack, timeClient, config.NTPServers()[0], config.NTPSyncInterval(), bootTime, logger)

	// Telemetry (non-fatal if collector not configured)
	if collectorAddr, err := config.TelemetryCollectorAddr(); err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	initConsole()
	app = &consoleApp{
		flags: flags, state: state, counters: counters, ring: ring,
		resolver: resolver, timeClient: timeClient, dnsCache: dnsCache,
		publisher: publisher, session: session, resolved: resolved,
		sampler: sampler, logger: logger,
	}
	go consoleServer(stack, logger, refreshChan)

	otaServerInit(stack, logger)

	go httpStatusServer(stack, &statusView{
		state: state, ring: ring, counters: counters, flags: flags,
		sampler: sampler, clientID: clientID, mac: mac,
	}, logger)

	// Main loop: feed the watchdog, derive SystemState/SystemReady from
	// the flags the six activities above maintain, and drive the status
	// LEDs (spec §3's "system_ready" / §6's status endpoints).
	for {
		feedWatchdogIfHealthy()

		linkUp := flags.Test(engine.LinkConnected)
		timeSynced := flags.Test(engine.TimeSynced)
		brokerUp := flags.Test(engine.BrokerConnected)
		ready := linkUp && timeSynced && brokerUp

		switch {
		case !linkUp:
			state.Set(engine.StateLinkConnecting)
		case !timeSynced:
			state.Set(engine.StateTimeSyncing)
		case !brokerUp:
			state.Set(engine.StateBrokerConnecting)
		default:
			state.Set(engine.StateReady)
			flags.Set(engine.SystemReady)
		}
		if !ready {
			flags.Clear(engine.SystemReady)
		}

		updateStatusLEDs(ready, ring.Count() > 0, !brokerUp)

		time.Sleep(2 * time.Second)
	}
}

// deriveMAC derives a stand-in 6-byte hardware identifier from the
// fixed address requested from DHCP (requestedIP) plus a boot-time
// random tag; it runs before the link is up. The cyw43439
// examples this module was grounded on never surface the radio's real
// MAC through cywnet.Stack, so this is a consistent-per-boot
// substitute, not a hardware read; see DESIGN.md.
func deriveMAC() [engine.MACLen]byte {
	var mac [engine.MACLen]byte
	ip := requestedIP
	copy(mac[:4], ip[:])
	mac[4] = byte(time.Now().UnixNano())
	mac[5] = byte(time.Now().UnixNano() >> 8)
	return mac
}

// buildClientID forms spec §6's client identifier
// `<prefix>_<MAC3B>_<epoch8hex>_<rand4hex>` exactly once per session
// (the caller stores the result and never regenerates it across
// reconnects, so the broker's LWT continues to refer to the same
// client across the session's lifetime).
func buildClientID(mac [engine.MACLen]byte) string {
	prefix := config.ClientIDPrefix()
	now := uint32(time.Now().Unix())
	var rnd uint16
	{
		n := time.Now().UnixNano()
		rnd = uint16(n) ^ uint16(n>>16)
	}
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, len(prefix)+1+6+1+8+1+4)
	buf = append(buf, prefix...)
	buf = append(buf, '_')
	for _, b := range mac[len(mac)-3:] {
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	buf = append(buf, '_')
	for shift := 28; shift >= 0; shift -= 4 {
		buf = append(buf, hex[(now>>uint(shift))&0xf])
	}
	buf = append(buf, '_')
	for shift := 12; shift >= 0; shift -= 4 {
		buf = append(buf, hex[(rnd>>uint(shift))&0xf])
	}
	return string(buf)
}

// globalCyStack is kept as a package-level reference the way the
// teacher's main.go does, for OTA shutdown/inspection.
var globalCyStack *cywnet.Stack

// refreshChan keeps the console's "publish-test" command able to wake
// the sampler immediately instead of waiting for its normal interval.
var refreshChan = make(chan struct{}, 1)
