package engine

// KVStore is the small persisted key-value abstraction spec §6 calls
// "non-volatile key-value store": two namespaced entries, dns_cache's
// broker_ip/broker_ip_ts and time_cache's cached_time. Grounded on
// original_source/main/spiffs_manager.c's NVS-style get/set/erase
// calls, narrowed to the handful of operations the DNS and time caches
// actually need so a host test can back it with a map and TinyGo can
// back it with a flash-resident file without either side needing the
// full NVS API surface.
type KVStore interface {
	GetString(namespace, key string) (string, bool, error)
	SetString(namespace, key, value string) error
	GetUint32(namespace, key string) (uint32, bool, error)
	SetUint32(namespace, key string, value uint32) error
	Delete(namespace, key string) error
}

// MemKVStore is an in-memory KVStore, used by host tests and as the
// engine's default when no persistence backend is wired.
type MemKVStore struct {
	strings map[string]string
	uints   map[string]uint32
}

// NewMemKVStore returns an empty in-memory store.
func NewMemKVStore() *MemKVStore {
	return &MemKVStore{strings: make(map[string]string), uints: make(map[string]uint32)}
}

func kvKey(namespace, key string) string { return namespace + "/" + key }

func (m *MemKVStore) GetString(namespace, key string) (string, bool, error) {
	v, ok := m.strings[kvKey(namespace, key)]
	return v, ok, nil
}

func (m *MemKVStore) SetString(namespace, key, value string) error {
	m.strings[kvKey(namespace, key)] = value
	return nil
}

func (m *MemKVStore) GetUint32(namespace, key string) (uint32, bool, error) {
	v, ok := m.uints[kvKey(namespace, key)]
	return v, ok, nil
}

func (m *MemKVStore) SetUint32(namespace, key string, value uint32) error {
	m.uints[kvKey(namespace, key)] = value
	return nil
}

func (m *MemKVStore) Delete(namespace, key string) error {
	delete(m.strings, kvKey(namespace, key))
	delete(m.uints, kvKey(namespace, key))
	return nil
}

const (
	nsDNSCache  = "dns_cache"
	keyBrokerIP = "broker_ip"
	keyBrokerTS = "broker_ip_ts"

	nsTimeCache  = "time_cache"
	keyCachedTime = "cached_time"
)
