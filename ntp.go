//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"runtime"
	"time"

	"openenterprise/datalogger/internal/engine"

	"github.com/soypat/lneto/x/xnet"
)

// ntpFallbackServers mirrors the teacher's own fallback list, tried in
// order after the configured primary server fails.
var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTPOnce resolves and queries servers in order (configured first,
// then the fallbacks), applying the first successful offset via
// runtime.AdjustTimeOffset and notifying client.OnSync. Grounded on
// the teacher's syncNTP, with the per-attempt bookkeeping (sync count,
// last-sync time, resync scheduling) now owned by engine.TimeClient
// instead of package-level counters.
func syncNTPOnce(stack *xnet.StackAsync, primaryServer string, client *engine.TimeClient, logger *slog.Logger) error {
	servers := []string{primaryServer}
	for _, fb := range ntpFallbackServers {
		if fb != primaryServer {
			servers = append(servers, fb)
		}
	}

	rstack := stack.StackRetrying(5 * time.Millisecond)
	var lastErr error

	for _, host := range servers {
		logger.Info("ntp:trying", slog.String("server", host))
		addrs, err := rstack.DoLookupIP(host, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", host), slog.String("err", err.Error()))
			lastErr = err
			continue
		}
		for _, addr := range addrs {
			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()))
				lastErr = err
				continue
			}
			runtime.AdjustTimeOffset(int64(offset))
			now := time.Now()
			client.OnSync(now, uint32(now.Unix()))
			logger.Info("ntp:synced",
				slog.String("server", host),
				slog.String("addr", addr.String()),
				slog.Duration("offset", offset),
			)
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("ntp: no servers configured")
	}
	return lastErr
}

// runTimeClient applies the boot-time estimate immediately, then drives
// the sync schedule and drift monitor for the process lifetime (spec
// §5's time client thread / §4.6's drift monitor).
func runTimeClient(stack *xnet.StackAsync, client *engine.TimeClient, primaryServer string, syncInterval time.Duration, bootTime time.Time, logger *slog.Logger) {
	client.ApplyBootEstimate(time.Since(bootTime))

	if err := syncNTPOnce(stack, primaryServer, client, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
	}

	for {
		time.Sleep(syncInterval)
		if !client.NeedsResync(time.Now()) && client.TimeSynced() {
			continue
		}
		if err := syncNTPOnce(stack, primaryServer, client, logger); err != nil {
			logger.Warn("ntp:resync-failed", slog.String("err", err.Error()))
		}
	}
}
