package engine

import (
	"log/slog"
	"strings"
	"time"
)

// LookupFunc resolves host to an IPv4 string using the given DNS
// server (empty meaning "use the system/DHCP-provided resolver").
// Injected so the resolution policy is testable without a real
// network stack — the root package's resolver.go binds this to
// lneto/x/xnet's DoLookupIP, the way the teacher's syncNTP binds its
// own lookup step to rstack.DoLookupIP.
type LookupFunc func(host, server string) (ip string, err error)

// ProbeFunc attempts a short non-blocking TCP connect to ip:port,
// reporting reachability.
type ProbeFunc func(ip string, port int, timeout time.Duration) bool

// ParseBrokerHost extracts the hostname from a broker URI per spec
// §4.7 step 1: after "://", up to ":" or end of string.
func ParseBrokerHost(uri string) string {
	host := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		host = uri[i+3:]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Resolver implements spec §4.7: system resolver first, then fallback
// servers, then a cached-IP reachability probe as last resort.
// Grounded on original_source/main/dns_manager.c's test_dns_resolution
// (system resolver, fallback server loop with saved/restored resolver
// state, cached-IP probe) translated into the teacher's
// "pass a server override into the lookup call" idiom instead of the
// original's global dns_setserver/restore dance, since the Go lookup
// helper accepts a server parameter directly.
type Resolver struct {
	Cache           *DNSCache
	Flags           *Flags
	Lookup          LookupFunc
	Probe           ProbeFunc
	FallbackServers []string
	BrokerURI       string
	BrokerPort      int
	Logger          *slog.Logger
}

// NewResolver wires a resolver to its dependencies.
func NewResolver(cache *DNSCache, flags *Flags, lookup LookupFunc, probe ProbeFunc, fallbackServers []string, brokerURI string, brokerPort int, logger *slog.Logger) *Resolver {
	return &Resolver{
		Cache:           cache,
		Flags:           flags,
		Lookup:          lookup,
		Probe:           probe,
		FallbackServers: fallbackServers,
		BrokerURI:       brokerURI,
		BrokerPort:      brokerPort,
		Logger:          logger,
	}
}

// Resolve runs the full §4.7 policy and returns a usable IPv4 string.
func (r *Resolver) Resolve(now time.Time) (string, bool) {
	host := ParseBrokerHost(r.BrokerURI)
	synced := r.Flags.Test(TimeSynced)

	if ip, err := r.Lookup(host, ""); err == nil && ip != "" {
		r.save(ip, now, synced)
		return ip, true
	}

	for _, server := range r.FallbackServers {
		ip, err := r.Lookup(host, server)
		if err != nil || ip == "" {
			r.Logger.Warn("resolver: fallback DNS server failed", "server", server)
			continue
		}
		r.save(ip, now, synced)
		return ip, true
	}

	entry, ok, err := r.Cache.Load(uint32(now.Unix()), synced)
	if err != nil {
		r.Logger.Warn("resolver: loading cached IP failed", "error", err)
		return "", false
	}
	if !ok {
		r.Logger.Error("resolver: resolution failed with system and fallback servers, no usable cached IP")
		return "", false
	}
	if r.Probe == nil || r.Probe(entry.IP, r.BrokerPort, 500*time.Millisecond) {
		r.Logger.Info("resolver: using cached broker IP, reachability confirmed", "ip", entry.IP)
		return entry.IP, true
	}
	r.Logger.Warn("resolver: cached broker IP not reachable", "ip", entry.IP)
	return "", false
}

func (r *Resolver) save(ip string, now time.Time, synced bool) {
	if err := r.Cache.Save(ip, uint32(now.Unix()), synced); err != nil {
		r.Logger.Warn("resolver: saving resolved IP to cache failed", "error", err)
	}
}

// SessionURI implements spec §4.7's final step: prefer
// "mqtt://<cached-ip>:port" over the hostname URI once an IP is
// known, to skip resolver latency on session init.
func SessionURI(brokerURI, ip string, port int) string {
	if ip == "" {
		return brokerURI
	}
	scheme := "mqtt"
	if i := strings.Index(brokerURI, "://"); i >= 0 {
		scheme = brokerURI[:i]
	}
	return scheme + "://" + ip + ":" + portString(port)
}

func portString(port int) string {
	if port == 0 {
		return "1883"
	}
	buf := [6]byte{}
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
