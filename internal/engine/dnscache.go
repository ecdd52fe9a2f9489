package engine

import "sync"

// DNSCacheEntry is the persisted resolver cache entry of spec §3:
// {ip_v4_string, saved_at_epoch}. SavedAt of zero means time wasn't
// synced when the entry was cached, and TTL checking is skipped
// entirely (spec §8 item 12).
type DNSCacheEntry struct {
	IP      string
	SavedAt uint32
}

// DNSCache wraps a KVStore with the load/save/clear/TTL logic of
// spec §4.7 and §8 item 5, grounded directly on
// original_source/main/dns_manager.c's dns_load_cached_broker_ip /
// dns_save_cached_broker_ip / dns_clear_cached_broker_ip: a TTL check
// performed only when the persisted timestamp is nonzero and the
// caller reports wall-clock is currently synced. Expired entries are
// evicted from the store on read; entries saved with a zero timestamp
// are returned without a TTL check.
type DNSCache struct {
	mu    sync.Mutex
	store KVStore
	ttl   uint32
}

// NewDNSCache wraps store with a TTL in seconds.
func NewDNSCache(store KVStore, ttlSeconds uint32) *DNSCache {
	return &DNSCache{store: store, ttl: ttlSeconds}
}

// Load returns the cached entry if present and, when synced is true,
// not expired. An expired entry is cleared from the backing store
// before returning not-found, per spec §8 item 5 ("otherwise it is
// removed on next use").
func (c *DNSCache) Load(nowEpoch uint32, synced bool) (DNSCacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ip, ok, err := c.store.GetString(nsDNSCache, keyBrokerIP)
	if err != nil {
		return DNSCacheEntry{}, false, err
	}
	if !ok || ip == "" {
		return DNSCacheEntry{}, false, nil
	}
	ts, _, err := c.store.GetUint32(nsDNSCache, keyBrokerTS)
	if err != nil {
		return DNSCacheEntry{}, false, err
	}

	if ts != 0 && synced {
		if nowEpoch-ts > c.ttl {
			c.clearLocked()
			return DNSCacheEntry{}, false, nil
		}
	}
	return DNSCacheEntry{IP: ip, SavedAt: ts}, true, nil
}

// Save persists a freshly-resolved IP with the current epoch (0 if
// wall-clock isn't synced), per spec §4.7 step 4.
func (c *DNSCache) Save(ip string, nowEpoch uint32, synced bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := uint32(0)
	if synced {
		ts = nowEpoch
	}
	if err := c.store.SetString(nsDNSCache, keyBrokerIP, ip); err != nil {
		return err
	}
	return c.store.SetUint32(nsDNSCache, keyBrokerTS, ts)
}

// Clear discards the cached entry, used by the broker supervisor
// once 3 consecutive DISCONNECTED or ERROR events (counted together
// on one failure counter) have accumulated (spec §4.4).
func (c *DNSCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

func (c *DNSCache) clearLocked() error {
	if err := c.store.Delete(nsDNSCache, keyBrokerIP); err != nil {
		return err
	}
	return c.store.Delete(nsDNSCache, keyBrokerTS)
}
