//go:build tinygo

package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/datalogger/config"
	"openenterprise/datalogger/credentials"
	"openenterprise/datalogger/internal/engine"
	"openenterprise/datalogger/ota"
	"openenterprise/datalogger/telemetry"
	"openenterprise/datalogger/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort    = uint16(23) // Telnet port
	consoleBufSize = 1024
)

// Pre-allocated console buffers
var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleBuf   [consoleBufSize]byte
	startTime    time.Time
)

// Authentication state for brute-force protection
var (
	authFailures    int
	lastFailureTime time.Time
)

// consoleApp bundles the engine components the debug console reports
// on and acts against, set once from main() before consoleServer
// starts accepting connections.
type consoleApp struct {
	flags      *engine.Flags
	state      *engine.SystemState
	counters   *engine.Counters
	ring       *engine.RingBuffer
	resolver   *engine.Resolver
	timeClient *engine.TimeClient
	dnsCache   *engine.DNSCache
	publisher  *engine.Publisher
	session    *mqttSession
	resolved   *resolvedBrokerAddr
	sampler    *engine.Sampler
	logger     *slog.Logger
}

var app *consoleApp

// Console commands
const (
	cmdHelp           = "help"
	cmdStatus         = "status"
	cmdBacklog        = "backlog"
	cmdVersion        = "version"
	cmdNet            = "net"
	cmdInterval       = "interval"
	cmdOTA            = "ota"
	cmdOTAEnable      = "ota-enable"
	cmdReboot         = "reboot"
	cmdTelemetry      = "telemetry"
	cmdTelemetryFlush = "telemetry-flush"
	cmdNTP            = "ntp"
	cmdNTPSync        = "ntp-sync"
	cmdDNS            = "dns"
	cmdDNSResolve     = "dns-resolve"
	cmdPublishTest    = "publish-test"
)

// consoleServer runs a TCP debug console on port 23
func consoleServer(
	stack *xnet.StackAsync,
	logger *slog.Logger,
	refreshChan chan struct{},
) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}

	ourAddr := netip.AddrPortFrom(stack.Addr(), consolePort)
	logger.Info("console:listening", slog.String("addr", ourAddr.String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if checkLockout() {
			lockout := getLockoutDuration()
			logger.Info("console:lockout", slog.Int("failures", authFailures), slog.Duration("remaining", lockout-time.Since(lastFailureTime)))
			time.Sleep(1 * time.Second)
			continue
		}

		err = stack.ListenTCP(&conn, consolePort)
		if err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("console:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		if !authenticateConsole(&conn) {
			logger.Info("console:auth-failed", slog.Int("failures", authFailures))
			conn.Close()
			for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			conn.Abort()
			continue
		}

		logger.Info("console:authenticated")

		writeConsole(&conn, "Openenterprise Datalogger Debug Console\r\nType 'help' for commands\r\n> ")
		flushConsole(&conn)

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("console:session-panic")
				}
			}()
			handleConsoleSession(&conn, stack, logger, refreshChan)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("console:disconnected")
	}
}

// handleConsoleSession handles a single console session
func handleConsoleSession(conn *tcp.Conn, stack *xnet.StackAsync, logger *slog.Logger, refreshChan chan struct{}) {
	var cmdLen int
	var readBuf [64]byte
	var skipIAC int

	for {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			return
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return
		}

		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		gotNewline := false
		for i := 0; i < n && cmdLen < len(consoleBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}

			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				if gotNewline {
					continue
				}
				gotNewline = true
				time.Sleep(10 * time.Millisecond)
				if cmdLen > 0 {
					processCommand(conn, stack, consoleBuf[:cmdLen], logger, refreshChan)
				}
				cmdLen = 0
				conn.Write([]byte("> "))
				conn.Flush()
				time.Sleep(50 * time.Millisecond)
			} else if b >= 32 && b < 127 {
				consoleBuf[cmdLen] = b
				cmdLen++
				gotNewline = false
			}
		}

		if cmdLen >= len(consoleBuf)-1 {
			cmdLen = 0
			writeConsole(conn, "\r\nLine too long\r\n> ")
			flushConsole(conn)
		}
	}
}

// processCommand handles a single console command
func processCommand(conn *tcp.Conn, stack *xnet.StackAsync, cmd []byte, logger *slog.Logger, refreshChan chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:command-panic")
		}
	}()

	switch {
	case bytesEqual(cmd, []byte(cmdHelp)):
		writeConsole(conn, "Commands: help version status backlog net ota ntp ntp-sync dns dns-resolve\r\n")
		writeConsole(conn, "  interval <dur>, publish-test, ota-enable [dur], reboot\r\n")
		writeConsole(conn, "  telemetry, telemetry-flush\r\n")

	case bytesEqual(cmd, []byte(cmdStatus)):
		if systemHealthy {
			writeConsole(conn, "Status: OK\r\n")
		} else {
			writeConsole(conn, "Status: UNHEALTHY (reset pending)\r\n")
		}
		writeConsole(conn, "State: ")
		writeConsole(conn, app.state.Get().String())
		writeConsole(conn, "\r\nReady: ")
		writeBool(conn, app.state.Ready())
		writeConsole(conn, "\r\nMessages sent: ")
		writeInt(conn, int(app.counters.MessagesSent()))
		writeConsole(conn, "\r\nPublish attempts: ")
		writeInt(conn, int(app.counters.PublishAttempts()))
		writeConsole(conn, "\r\nConsecutive failures: ")
		writeInt(conn, int(app.counters.ConsecutiveFailures()))
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdBacklog)):
		idx := app.ring.Index()
		writeConsole(conn, "Backlog count: ")
		writeInt(conn, int(idx.Count))
		writeConsole(conn, "\r\nTotal written: ")
		writeInt(conn, int(idx.TotalWritten))
		writeConsole(conn, "\r\nHead/Tail: ")
		writeInt(conn, int(idx.Head))
		writeConsole(conn, "/")
		writeInt(conn, int(idx.Tail))
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdVersion)):
		writeConsole(conn, "Openenterprise Datalogger\r\n")
		writeConsole(conn, "  Version: ")
		writeConsole(conn, version.Version)
		writeConsole(conn, "\r\n  Git SHA: ")
		writeConsole(conn, version.GitSHA)
		writeConsole(conn, "\r\n  Built:   ")
		writeConsole(conn, version.BuildDate)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdNet)):
		writeConsole(conn, "Network Status:\r\n")
		writeConsole(conn, "  IP Address: ")
		writeConsole(conn, stack.Addr().String())
		writeConsole(conn, "\r\n  Console:    port ")
		writeInt(conn, int(consolePort))
		writeConsole(conn, "\r\n  Uptime:     ")
		writeUptime(conn)
		writeConsole(conn, "\r\n  Link:       ")
		writeBool(conn, app.flags.Test(engine.LinkConnected))
		writeConsole(conn, "\r\n  Broker:     ")
		writeBool(conn, app.flags.Test(engine.BrokerConnected))
		writeConsole(conn, "\r\n")

	case len(cmd) >= len(cmdInterval) && bytesEqual(cmd[:minInt(len(cmd), len(cmdInterval))], []byte(cmdInterval)):
		if len(cmd) <= len(cmdInterval)+1 {
			writeConsole(conn, "Sampling interval: ")
			writeInt(conn, int(SamplerInterval().Seconds()))
			writeConsole(conn, "s\r\n")
		} else {
			arg := cmd[len(cmdInterval)+1:]
			dur := parseDuration(arg)
			if dur > 0 {
				SetSamplerInterval(dur)
			}
			writeConsole(conn, "Sampling interval set to: ")
			writeInt(conn, int(SamplerInterval().Seconds()))
			writeConsole(conn, "s\r\n")
		}

	case bytesEqual(cmd, []byte(cmdPublishTest)):
		writeConsole(conn, "Triggering a publish test...\r\n")
		select {
		case refreshChan <- struct{}{}:
			writeConsole(conn, "Requested; next sampler tick will publish immediately\r\n")
		default:
			writeConsole(conn, "Request already pending\r\n")
		}

	case bytesEqual(cmd, []byte(cmdOTA)):
		currentPart := ota.GetCurrentPartition()
		targetPart := ota.GetTargetPartition()
		writeConsole(conn, "OTA Status:\r\n")
		writeConsole(conn, "  Server:            ")
		if OTAIsEnabled() {
			writeConsole(conn, "ENABLED (")
			remaining := OTATimeRemaining()
			writeInt(conn, int(remaining.Minutes()))
			writeConsole(conn, "m ")
			writeInt(conn, int(remaining.Seconds())%60)
			writeConsole(conn, "s remaining)\r\n")
		} else {
			writeConsole(conn, "disabled\r\n")
		}
		writeConsole(conn, "  Current partition: ")
		if currentPart == ota.PartitionA {
			writeConsole(conn, "A")
		} else {
			writeConsole(conn, "B")
		}
		writeConsole(conn, "\r\n  Target partition:  ")
		if targetPart == ota.PartitionA {
			writeConsole(conn, "A")
		} else {
			writeConsole(conn, "B")
		}
		writeConsole(conn, "\r\n  Partition A offset: 0x")
		writeHex(conn, ota.GetPartitionOffset(ota.PartitionA))
		writeConsole(conn, "\r\n  Partition B offset: 0x")
		writeHex(conn, ota.GetPartitionOffset(ota.PartitionB))
		writeConsole(conn, "\r\n  Max image size: ")
		writeInt(conn, int(ota.GetPartitionMaxSize()/1024))
		writeConsole(conn, " KB\r\n")

	case bytesEqual(cmd, []byte(cmdOTAEnable)) || hasPrefix(cmd, []byte(cmdOTAEnable+" ")):
		timeout := time.Duration(0)
		if len(cmd) > len(cmdOTAEnable)+1 {
			durationBytes := cmd[len(cmdOTAEnable)+1:]
			parsed := parseDuration(durationBytes)
			if parsed > 0 {
				timeout = parsed
			}
		}
		OTAEnable(timeout)
		writeConsole(conn, "OTA server enabled on port 4242\r\n")
		writeConsole(conn, "  Timeout: ")
		remaining := OTATimeRemaining()
		writeInt(conn, int(remaining.Minutes()))
		writeConsole(conn, " minutes\r\n")
		writeConsole(conn, "  Push updates with: datalogger-cli <ip> ota-push <file.uf2>\r\n")

	case bytesEqual(cmd, []byte(cmdReboot)):
		writeConsole(conn, "Rebooting device...\r\n")
		conn.Flush()
		time.Sleep(100 * time.Millisecond)
		ota.Reboot()

	case bytesEqual(cmd, []byte(cmdTelemetry)):
		enabled, qLogs, qMetrics, qSpans, sLogs, sMetrics, sSpans, errs, collector := telemetry.Status()
		writeConsole(conn, "Telemetry Status:\r\n")
		writeConsole(conn, "  Enabled:    ")
		if enabled {
			writeConsole(conn, "yes\r\n")
		} else {
			writeConsole(conn, "no\r\n")
		}
		writeConsole(conn, "  Collector:  ")
		writeConsole(conn, collector)
		writeConsole(conn, "\r\n  Queued:\r\n")
		writeConsole(conn, "    Logs:     ")
		writeInt(conn, qLogs)
		writeConsole(conn, "\r\n    Metrics:  ")
		writeInt(conn, qMetrics)
		writeConsole(conn, "\r\n    Spans:    ")
		writeInt(conn, qSpans)
		writeConsole(conn, "\r\n  Sent:\r\n")
		writeConsole(conn, "    Logs:     ")
		writeInt(conn, sLogs)
		writeConsole(conn, "\r\n    Metrics:  ")
		writeInt(conn, sMetrics)
		writeConsole(conn, "\r\n    Spans:    ")
		writeInt(conn, sSpans)
		writeConsole(conn, "\r\n  Errors:     ")
		writeInt(conn, errs)
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdTelemetryFlush)):
		writeConsole(conn, "Flushing telemetry queues...\r\n")
		telemetry.Flush()
		writeConsole(conn, "Flush complete\r\n")

	case bytesEqual(cmd, []byte(cmdNTP)):
		writeConsole(conn, "NTP Status:\r\n")
		writeConsole(conn, "  Synced:     ")
		writeBool(conn, app.timeClient.TimeSynced())
		writeConsole(conn, "\r\n  Needs resync: ")
		writeBool(conn, app.timeClient.NeedsResync(time.Now()))
		writeConsole(conn, "\r\n  Time:       ")
		writeConsole(conn, time.Now().Format("2006-01-02 15:04:05"))
		writeConsole(conn, " UTC\r\n")

	case bytesEqual(cmd, []byte(cmdNTPSync)):
		writeConsole(conn, "Triggering NTP sync...\r\n")
		conn.Flush()
		if err := syncNTPOnce(stack, ntpPrimaryServer(), app.timeClient, logger); err != nil {
			writeConsole(conn, "NTP sync failed: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
		} else {
			writeConsole(conn, "NTP sync complete\r\n")
			writeConsole(conn, "  Time: ")
			writeConsole(conn, time.Now().Format("2006-01-02 15:04:05"))
			writeConsole(conn, " UTC\r\n")
		}

	case bytesEqual(cmd, []byte(cmdDNS)):
		entry, ok, err := app.dnsCache.Load(uint32(time.Now().Unix()), app.flags.Test(engine.TimeSynced))
		writeConsole(conn, "DNS Cache:\r\n")
		if err != nil {
			writeConsole(conn, "  error: ")
			writeConsole(conn, err.Error())
			writeConsole(conn, "\r\n")
			break
		}
		if !ok {
			writeConsole(conn, "  empty\r\n")
			break
		}
		writeConsole(conn, "  Broker IP: ")
		writeConsole(conn, entry.IP)
		writeConsole(conn, "\r\n  Saved at:  ")
		writeInt(conn, int(entry.SavedAt))
		writeConsole(conn, "\r\n")

	case bytesEqual(cmd, []byte(cmdDNSResolve)):
		writeConsole(conn, "Resolving broker address...\r\n")
		conn.Flush()
		ip, ok := app.resolver.Resolve(time.Now())
		if !ok {
			writeConsole(conn, "Resolution failed\r\n")
		} else {
			writeConsole(conn, "Resolved: ")
			writeConsole(conn, ip)
			writeConsole(conn, "\r\n")
		}

	default:
		writeConsole(conn, "Unknown command: ")
		conn.Write(cmd)
		writeConsole(conn, "\r\nType 'help' for commands\r\n")
	}
	conn.Flush()
	time.Sleep(50 * time.Millisecond)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ntpPrimaryServer returns the first configured NTP server, used by
// the console's manual "ntp-sync" command.
func ntpPrimaryServer() string {
	servers := config.NTPServers()
	if len(servers) == 0 {
		return "pool.ntp.org"
	}
	return servers[0]
}

// writeConsole writes a string to the console connection (no flush)
func writeConsole(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

// flushConsole flushes the console output
func flushConsole(conn *tcp.Conn) {
	conn.Flush()
}

// writeInt writes an integer to the console
func writeInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	conn.Write(buf[i:])
}

// writeHex writes a uint32 as hexadecimal (no 0x prefix)
func writeHex(conn *tcp.Conn, n uint32) {
	const hexDigits = "0123456789abcdef"
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	start := 0
	for start < 7 && buf[start] == '0' {
		start++
	}
	conn.Write(buf[start:])
}

// writeBool writes ON/OFF for boolean
func writeBool(conn *tcp.Conn, b bool) {
	if b {
		conn.Write([]byte("ON"))
	} else {
		conn.Write([]byte("OFF"))
	}
}

// writeUptime writes the uptime in human-readable format
func writeUptime(conn *tcp.Conn) {
	if startTime.IsZero() {
		conn.Write([]byte("unknown"))
		return
	}
	d := time.Since(startTime)
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	writeInt(conn, hours)
	conn.Write([]byte("h "))
	writeInt(conn, mins)
	conn.Write([]byte("m "))
	writeInt(conn, secs)
	conn.Write([]byte("s"))
}

// initConsole initializes the console module
func initConsole() {
	startTime = time.Now()
}

// getLockoutDuration returns the lockout duration based on failure count
func getLockoutDuration() time.Duration {
	switch {
	case authFailures >= 10:
		return 5 * time.Minute
	case authFailures >= 5:
		return 30 * time.Second
	case authFailures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// checkLockout checks if we're in a lockout period
func checkLockout() bool {
	lockout := getLockoutDuration()
	if lockout == 0 {
		return false
	}
	return time.Since(lastFailureTime) < lockout
}

// recordFailure records an authentication failure
func recordFailure() {
	authFailures++
	lastFailureTime = time.Now()
}

// resetFailures resets the failure counter on successful auth
func resetFailures() {
	authFailures = 0
}

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01}
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01}
)

// authenticateConsole prompts for password and verifies
func authenticateConsole(conn *tcp.Conn) bool {
	conn.Write(telnetWillEcho)
	writeConsole(conn, "Password: ")
	flushConsole(conn)

	var passBuf [64]byte
	var readBuf [64]byte
	var passLen int
	var skipIAC int
	deadline := time.Now().Add(10 * time.Second)

	restoreEcho := func() {
		conn.Write(telnetWontEcho)
		writeConsole(conn, "\r\n")
		flushConsole(conn)
	}

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() || !conn.State().RxDataOpen() {
			restoreEcho()
			return false
		}

		n, err := conn.Read(readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			restoreEcho()
			return false
		}

		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for i := 0; i < n && passLen < len(passBuf)-1; i++ {
			b := readBuf[i]

			if skipIAC > 0 {
				skipIAC--
				continue
			}

			if b == 0xFF {
				skipIAC = 2
				continue
			}

			if b == '\n' || b == '\r' {
				restoreEcho()
				password := passBuf[:passLen]
				expected := []byte(credentials.ConsolePassword())
				if subtle.ConstantTimeCompare(password, expected) == 1 {
					resetFailures()
					return true
				}
				recordFailure()
				return false
			} else if b >= 32 && b < 127 {
				passBuf[passLen] = b
				passLen++
			}
		}

		if passLen >= len(passBuf)-1 {
			restoreEcho()
			recordFailure()
			return false
		}
	}

	restoreEcho()
	recordFailure()
	return false
}

// hasPrefix checks if cmd starts with prefix
func hasPrefix(cmd, prefix []byte) bool {
	if len(cmd) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if cmd[i] != prefix[i] {
			return false
		}
	}
	return true
}

// bytesEqual compares two byte slices for equality.
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// parseDuration parses simple duration strings like "30s", "5m", "1h", or "0"
func parseDuration(s []byte) time.Duration {
	if len(s) == 0 {
		return 0
	}

	var num int
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		num = num*10 + int(s[i]-'0')
		i++
	}

	if i >= len(s) {
		return time.Duration(num) * time.Second
	}

	switch s[i] {
	case 's', 'S':
		return time.Duration(num) * time.Second
	case 'm', 'M':
		return time.Duration(num) * time.Minute
	case 'h', 'H':
		return time.Duration(num) * time.Hour
	default:
		return time.Duration(num) * time.Second
	}
}

// formatRemoteIP formats a remote IP address as a string for logging
func formatRemoteIP(addr []byte) string {
	if len(addr) == 4 {
		var buf [15]byte
		pos := 0
		for i := 0; i < 4; i++ {
			if i > 0 {
				buf[pos] = '.'
				pos++
			}
			pos += writeIntToBuf(buf[pos:], int(addr[i]))
		}
		return string(buf[:pos])
	}
	return "unknown"
}

// writeIntToBuf writes an integer to a byte buffer, returns bytes written
func writeIntToBuf(buf []byte, n int) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 && i > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	copy(buf, digits[i:])
	return len(digits) - i
}
