package engine

import (
	"log/slog"
	"time"
)

// TimeClient implements spec §4.6: persisted boot estimate, a
// sync-notification hook, and the drift monitor. Grounded on
// main.go's syncNTP (resolve via rstack.DoLookupIP, sync via
// rstack.DoNTP) for the transport idiom and
// original_source/main/ntp_manager.c / time_cache.c for the exact
// estimate/drift/persistence semantics; the root package's ntp.go
// supplies the actual DoLookupIP/DoNTP calls and drives this type.
type TimeClient struct {
	Flags  *Flags
	Cache  *TimeCache
	Logger *slog.Logger

	SyncInterval    time.Duration
	ResyncThreshold time.Duration
	CacheMaxAge     time.Duration

	firstSyncDone bool
	timeSynced    bool
	lastSyncAt    time.Time
}

// NewTimeClient wires a time client to its flags and persisted cache.
func NewTimeClient(flags *Flags, cache *TimeCache, logger *slog.Logger) *TimeClient {
	return &TimeClient{
		Flags:           flags,
		Cache:           cache,
		Logger:          logger,
		SyncInterval:    time.Hour,
		ResyncThreshold: 2 * time.Hour,
		CacheMaxAge:     24 * time.Hour,
	}
}

// ApplyBootEstimate implements spec §4.6's boot-time best-effort
// estimate: load the cache, add uptime if within CacheMaxAge, and if
// so raise TIME_SYNCED as a hint — without marking the stronger
// "time_synced" state, so the sampler's sanity check (spec §4.1) can
// still reject an out-of-range estimate (spec §8 scenario S6).
func (c *TimeClient) ApplyBootEstimate(uptime time.Duration) (uint32, bool) {
	cached, ok, err := c.Cache.Load()
	if err != nil {
		c.Logger.Warn("timeclient: loading cached time failed", "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	estimate, ok := EstimateBootTime(cached, uint32(uptime/time.Second), uint32(c.CacheMaxAge/time.Second))
	if !ok {
		return 0, false
	}
	c.Flags.Set(TimeSynced)
	c.Logger.Info("timeclient: applied boot-time estimate from cache", "estimate", estimate)
	return estimate, true
}

// OnSync is the sync-notification callback of spec §4.6: sets
// time_synced and TIME_SYNCED, arms ProcessBacklog on the first sync
// only, and persists the new epoch to the time cache.
func (c *TimeClient) OnSync(now time.Time, epoch uint32) {
	c.timeSynced = true
	c.Flags.Set(TimeSynced)
	c.lastSyncAt = now

	if !c.firstSyncDone {
		c.firstSyncDone = true
		c.Flags.Set(ProcessBacklog)
	}
	if err := c.Cache.Save(epoch); err != nil {
		c.Logger.Warn("timeclient: persisting synced time failed", "error", err)
	}
}

// TimeSynced reports whether a genuine NTP sync has ever completed —
// distinct from the TIME_SYNCED flag, which a boot estimate can also
// raise.
func (c *TimeClient) TimeSynced() bool { return c.timeSynced }

// NeedsResync implements the drift monitor of spec §4.6: true once
// more than ResyncThreshold has elapsed since the last sync.
func (c *TimeClient) NeedsResync(now time.Time) bool {
	if !c.timeSynced || c.lastSyncAt.IsZero() {
		return false
	}
	return now.Sub(c.lastSyncAt) > c.ResyncThreshold
}
