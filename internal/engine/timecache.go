package engine

import "sync"

// Epoch2024 is the sanity floor spec §4.1/§4.6 use to reject
// obviously-stale or never-set epoch values: 2024-01-01T00:00:00Z.
const Epoch2024 uint32 = 1704067200

// Epoch2030 is the sanity ceiling spec §4.1 uses for the sampler's
// wall-clock-plausibility check.
const Epoch2030 uint32 = 1893456000

// TimeCache persists a single epoch-second value used only at boot,
// combined with boot-relative uptime to estimate wall-clock time
// pending NTP. Grounded on original_source/main/time_cache.c's
// load/save/clear trio.
type TimeCache struct {
	mu    sync.Mutex
	store KVStore
}

// NewTimeCache wraps store.
func NewTimeCache(store KVStore) *TimeCache {
	return &TimeCache{store: store}
}

// Load returns the cached epoch value, discarding (and not returning)
// anything at or before Epoch2024 — a pre-2024 cached value is
// considered never meaningfully set.
func (c *TimeCache) Load() (uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok, err := c.store.GetUint32(nsTimeCache, keyCachedTime)
	if err != nil || !ok {
		return 0, false, err
	}
	if v <= Epoch2024 {
		return 0, false, nil
	}
	return v, true, nil
}

// Save persists the current epoch, called on every successful NTP
// sync (spec §4.6 step 3).
func (c *TimeCache) Save(epoch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.SetUint32(nsTimeCache, keyCachedTime, epoch)
}

// Clear discards the cached value.
func (c *TimeCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(nsTimeCache, keyCachedTime)
}

// EstimateBootTime implements spec §4.6's boot estimate: cached +
// uptime, applied only if uptimeS < maxAgeS. The second return value
// reports whether an estimate was produced at all.
func EstimateBootTime(cached uint32, uptimeS uint32, maxAgeS uint32) (uint32, bool) {
	if uptimeS >= maxAgeS {
		return 0, false
	}
	return cached + uptimeS, true
}
