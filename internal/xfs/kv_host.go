//go:build !tinygo

package xfs

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
)

// KVFile persists engine.KVStore's small namespace/key pairs as one
// JSON file, rewritten wholesale on every Set — the same
// "rewrite-the-whole-file" persistence idiom as IndexFile, sized for
// a handful of entries (dns_cache's broker_ip/broker_ip_ts, time_cache's
// cached_time) rather than a real embedded database.
type KVFile struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenKVFile loads (or initializes) the key-value file at path.
func OpenKVFile(path string) (*KVFile, error) {
	f := &KVFile{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return nil, err
	}
	return f, nil
}

func kvFileKey(namespace, key string) string { return namespace + "/" + key }

func (f *KVFile) GetString(namespace, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[kvFileKey(namespace, key)]
	return v, ok, nil
}

func (f *KVFile) SetString(namespace, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[kvFileKey(namespace, key)] = value
	return f.saveLocked()
}

func (f *KVFile) GetUint32(namespace, key string) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[kvFileKey(namespace, key)]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false, nil
	}
	return uint32(n), true, nil
}

func (f *KVFile) SetUint32(namespace, key string, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[kvFileKey(namespace, key)] = strconv.FormatUint(uint64(value), 10)
	return f.saveLocked()
}

func (f *KVFile) Delete(namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, kvFileKey(namespace, key))
	return f.saveLocked()
}

func (f *KVFile) saveLocked() error {
	data, err := json.Marshal(f.values)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}
