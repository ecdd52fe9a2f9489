package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for operational configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultMeasurementInterval = 5 * time.Minute
	DefaultMaxPendingMsgs      = 8
	DefaultBufferSize          = 20
	DefaultMQTTBatchSize       = 5
	DefaultMQTTBatchDelay      = 30 * time.Second
	DefaultMQTTMessageDelay    = 50 * time.Millisecond
	DefaultMQTTReconnectDelay  = 5 * time.Second
	DefaultMQTTKeepalive       = 60 * time.Second
	DefaultMQTTHeartbeat       = 10 * time.Minute
	DefaultDNSCacheTTL         = time.Hour
	DefaultNTPSyncInterval     = time.Hour
	DefaultNTPResyncThreshold  = 6 * time.Hour
	DefaultNTPCacheMaxAge      = 24 * time.Hour
	DefaultStatusInterval      = 15 * time.Minute

	// DataTopic and StatusTopic are fixed, not overridable: changing
	// them would orphan an already-deployed collector subscription.
	DataTopic   = "datalogger/data"
	StatusTopic = "datalogger/status"
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerURI string

	//go:embed clientid.text
	clientIDPrefix string

	//go:embed sensor_id.text
	sensorID string

	//go:embed ntp_servers.text
	ntpServers string

	//go:embed dns_fallback.text
	dnsFallback string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed measurement_interval.text
	measurementIntervalOverride string

	//go:embed max_pending_msgs.text
	maxPendingMsgsOverride string

	//go:embed buffer_size.text
	bufferSizeOverride string

	//go:embed mqtt_batch_size.text
	mqttBatchSizeOverride string

	//go:embed mqtt_batch_delay.text
	mqttBatchDelayOverride string

	//go:embed mqtt_message_delay.text
	mqttMessageDelayOverride string

	//go:embed mqtt_reconnect_delay.text
	mqttReconnectDelayOverride string

	//go:embed mqtt_keepalive.text
	mqttKeepaliveOverride string

	//go:embed mqtt_heartbeat_interval.text
	mqttHeartbeatIntervalOverride string

	//go:embed dns_cache_ttl.text
	dnsCacheTTLOverride string

	//go:embed ntp_sync_interval.text
	ntpSyncIntervalOverride string

	//go:embed ntp_resync_threshold.text
	ntpResyncThresholdOverride string

	//go:embed ntp_cache_max_age.text
	ntpCacheMaxAgeOverride string

	//go:embed local_timestamp.text
	localTimestampOverride string

	//go:embed status_task.text
	statusTaskOverride string
)

// BrokerURI returns the MQTT broker URI from broker.text, e.g.
// "mqtt://broker.example.com:1883".
func BrokerURI() string {
	return strings.TrimSpace(brokerURI)
}

// ClientIDPrefix returns the client-id prefix used to build the
// session identifier "<prefix>_<MAC3B>_<epoch8hex>_<rand4hex>".
func ClientIDPrefix() string {
	return strings.TrimSpace(clientIDPrefix)
}

// SensorID returns the configured sensor identifier.
func SensorID() string {
	return strings.TrimSpace(sensorID)
}

// NTPServers returns the configured NTP server list, one hostname per
// line in ntp_servers.text, in fallback order.
func NTPServers() []string {
	return splitLines(ntpServers)
}

// DNSFallbackServers returns the configured fallback DNS resolver
// list, one address per line in dns_fallback.text, in fallback order.
func DNSFallbackServers() []string {
	return splitLines(dnsFallback)
}

// TelemetryCollectorAddr returns the OTLP collector address from
// telemetry_collector.text, e.g. "192.168.1.100:4318". An empty file
// means telemetry stays disabled, matching the teacher's
// TelemetryCollectorAddr pattern.
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(telemetryCollector))
}

// BrokerHostPort splits BrokerURI into a bare hostname and TCP port,
// defaulting to 1883 (MQTT's registered port) when the URI carries
// none. Used by the resolver (spec §4.7 step 1) and by session init
// to dial the broker once an IP is known.
func BrokerHostPort() (host string, port int) {
	uri := BrokerURI()
	host = uri
	if i := strings.Index(uri, "://"); i >= 0 {
		host = uri[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	port = 1883
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		if p, err := strconv.Atoi(host[i+1:]); err == nil {
			port = p
		}
		host = host[:i]
	}
	return host, port
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MeasurementInterval returns how often the sampler takes a reading.
func MeasurementInterval() time.Duration {
	return durationOverride(measurementIntervalOverride, DefaultMeasurementInterval)
}

// MaxPendingMsgs returns the maximum number of in-flight, unacknowledged
// publishes tracked at once.
func MaxPendingMsgs() int {
	return intOverride(maxPendingMsgsOverride, DefaultMaxPendingMsgs)
}

// BufferSize returns the capacity of the in-RAM measurement queue.
func BufferSize() int {
	return intOverride(bufferSizeOverride, DefaultBufferSize)
}

// MQTTBatchSize returns the throttle's batch size.
func MQTTBatchSize() int {
	return intOverride(mqttBatchSizeOverride, DefaultMQTTBatchSize)
}

// MQTTBatchDelay returns the throttle's inter-batch delay.
func MQTTBatchDelay() time.Duration {
	return durationOverride(mqttBatchDelayOverride, DefaultMQTTBatchDelay)
}

// MQTTMessageDelay returns the minimum spacing between individual
// publish submissions within a batch.
func MQTTMessageDelay() time.Duration {
	return durationOverride(mqttMessageDelayOverride, DefaultMQTTMessageDelay)
}

// MQTTReconnectDelay returns the broker supervisor's reconnect delay.
func MQTTReconnectDelay() time.Duration {
	return durationOverride(mqttReconnectDelayOverride, DefaultMQTTReconnectDelay)
}

// MQTTKeepalive returns the MQTT session keep-alive interval.
func MQTTKeepalive() time.Duration {
	return durationOverride(mqttKeepaliveOverride, DefaultMQTTKeepalive)
}

// MQTTHeartbeatInterval returns the idle heartbeat publish interval.
func MQTTHeartbeatInterval() time.Duration {
	return durationOverride(mqttHeartbeatIntervalOverride, DefaultMQTTHeartbeat)
}

// DNSCacheTTL returns the DNS cache entry lifetime.
func DNSCacheTTL() time.Duration {
	return durationOverride(dnsCacheTTLOverride, DefaultDNSCacheTTL)
}

// NTPSyncInterval returns the interval between scheduled NTP syncs.
func NTPSyncInterval() time.Duration {
	return durationOverride(ntpSyncIntervalOverride, DefaultNTPSyncInterval)
}

// NTPResyncThreshold returns how stale a sync must be before a resync
// is forced outside the normal schedule.
func NTPResyncThreshold() time.Duration {
	return durationOverride(ntpResyncThresholdOverride, DefaultNTPResyncThreshold)
}

// NTPCacheMaxAge returns the maximum age of a persisted time-cache
// value that is still usable as a boot-time estimate.
func NTPCacheMaxAge() time.Duration {
	return durationOverride(ntpCacheMaxAgeOverride, DefaultNTPCacheMaxAge)
}

// LocalTimestamp reports whether measurement timestamps should be
// formatted in local time instead of UTC.
func LocalTimestamp() bool {
	return strings.TrimSpace(localTimestampOverride) == "1"
}

// StatusTaskEnabled reports whether the periodic status-dump task
// should run, and the interval to run it at.
func StatusTaskEnabled() (enabled bool, interval time.Duration) {
	v := strings.TrimSpace(statusTaskOverride)
	if v == "0" {
		return false, 0
	}
	return true, DefaultStatusInterval
}

func durationOverride(raw string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(raw); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func intOverride(raw string, def int) int {
	if v := strings.TrimSpace(raw); v != "" {
		n := 0
		for _, c := range v {
			if c < '0' || c > '9' {
				return def
			}
			n = n*10 + int(c-'0')
		}
		return n
	}
	return def
}
