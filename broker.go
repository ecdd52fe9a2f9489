//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"openenterprise/datalogger/config"
	"openenterprise/datalogger/internal/engine"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

// resolvedBrokerAddr holds the most recent broker address the name
// resolver handed back (spec §4.7's final step), read by the session's
// recreate/reconnect closures under its own small mutex.
type resolvedBrokerAddr struct {
	mu   sync.Mutex
	ip   string
	port int
}

func (r *resolvedBrokerAddr) set(ip string, port int) {
	r.mu.Lock()
	r.ip, r.port = ip, port
	r.mu.Unlock()
}

func (r *resolvedBrokerAddr) addrPort() (netip.AddrPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ip == "" {
		return netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddr(r.ip)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(r.port)), true
}

// newRecreateSession and newReconnect bind BrokerSupervisor's
// RecreateSession/Reconnect hooks to one mqttSession, targeting
// whatever address the name resolver most recently resolved.
func newRecreateSession(session *mqttSession, resolved *resolvedBrokerAddr) func() error {
	return func() error {
		addr, ok := resolved.addrPort()
		if !ok {
			return errors.New("broker: no resolved address yet")
		}
		return session.recreate(addr)
	}
}

func newReconnect(session *mqttSession, resolved *resolvedBrokerAddr) func() error {
	return func() error {
		addr, ok := resolved.addrPort()
		if !ok {
			return errors.New("broker: no resolved address yet")
		}
		return session.reconnect(addr)
	}
}

func newPublishOnline(session *mqttSession) func() error {
	return func() error {
		session.publishOnline()
		return nil
	}
}

// runBrokerSupervisor drives one Poll iteration per tick for the
// process lifetime (spec §5's broker supervisor thread / §4.4's 10s
// state machine).
func runBrokerSupervisor(sup *engine.BrokerSupervisor, interval time.Duration) {
	for {
		sup.Poll(time.Now())
		time.Sleep(interval)
	}
}

const (
	brokerTCPBufSize = 2030
	brokerMQTTBufSize = 512
	brokerDialTimeout = 10 * time.Second
	brokerDialRetries = 3
)

var (
	brokerTCPRxBuf [brokerTCPBufSize]byte
	brokerTCPTxBuf [brokerTCPBufSize]byte
	brokerUserBuf  [brokerMQTTBufSize]byte
)

// mqttSession wraps one persistent natiu-mqtt session over the
// teacher's zero-allocation TCP/MQTT stack (mqtt.go), generalized from
// a one-shot request/response exchange to a long-lived publish
// session with the broker supervisor owning its lifecycle (spec
// §4.4). All access is under mu, matching spec §5's broker-session
// mutex.
type mqttSession struct {
	mu        sync.Mutex
	stack     *xnet.StackAsync
	logger    *slog.Logger
	conn      tcp.Conn
	client    *mqtt.Client
	connected bool
	clientID  []byte
}

func newMQTTSession(stack *xnet.StackAsync, logger *slog.Logger, clientID []byte) *mqttSession {
	return &mqttSession{stack: stack, logger: logger, clientID: clientID}
}

// stop implements spec §4.4/§5's "stop without destroy": abort the TCP
// connection so the broker sees the link drop, without tearing down
// the *mqtt.Client, to sidestep the destroy-path crash this class of
// device has been observed to hit on the hot reconnect path.
func (s *mqttSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.conn.Abort()
		s.connected = false
	}
}

// recreate tears the session fully down and builds a fresh TCP
// connection and MQTT client against brokerAddr, configuring the LWT
// per spec §4.4 ("status" topic, "Offline", QoS1, retained). It does
// not publish "Online"; the broker supervisor does that through
// publishOnline when it handles the CONNECTED event.
func (s *mqttSession) recreate(brokerAddr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.Abort()
	time.Sleep(100 * time.Millisecond)

	if err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             brokerTCPRxBuf[:],
		TxBuf:             brokerTCPTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: brokerUserBuf[:]},
		OnPub:   s.onPub,
	}
	s.client = mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(s.clientID)
	varconn.KeepAlive = uint16(config.MQTTKeepalive().Seconds())
	varconn.WillFlag = true
	varconn.WillTopic = []byte(config.StatusTopic)
	varconn.WillMessage = []byte("Offline")
	varconn.WillQoS = mqtt.QoS1
	varconn.WillRetain = true

	rstack := s.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(s.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&s.conn, lport, brokerAddr, brokerDialTimeout, brokerDialRetries); err != nil {
		return err
	}

	s.conn.SetDeadline(time.Now().Add(brokerDialTimeout))
	if err := s.client.StartConnect(&s.conn, &varconn); err != nil {
		return err
	}

	retries := 50
	for retries > 0 && !s.client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		s.client.HandleNext()
		retries--
	}
	if !s.client.IsConnected() {
		return errors.New("mqtt connect timeout")
	}
	s.connected = true
	return nil
}

// reconnect re-establishes the session through recreate: the TCP
// connection and the MQTT client are both rebuilt, so the existing
// client handle is not reused.
func (s *mqttSession) reconnect(brokerAddr netip.AddrPort) error {
	return s.recreate(brokerAddr)
}

// publishOnline sends the retained Online status message, called by
// the broker supervisor on successful (re)init.
func (s *mqttSession) publishOnline() {
	s.publish(config.StatusTopic, []byte("Online"), mqtt.QoS1, true)
}

// publish submits one message and reports the broker-assigned message
// id. Matches engine.PublishFunc / engine.HeartbeatFunc's contract:
// negative/false on submission failure.
func (s *mqttSession) publish(topic string, payload []byte, qos mqtt.QoS, retain bool) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.client == nil {
		return 0, false
	}
	flags, err := mqtt.NewPublishFlags(qos, retain, false)
	if err != nil {
		return 0, false
	}
	id := uint16(s.stack.Prand32())
	s.conn.SetDeadline(time.Now().Add(brokerDialTimeout))
	pubVar := mqtt.VariablesPublish{TopicName: []byte(topic), PacketIdentifier: id}
	if err := s.client.PublishPayload(flags, pubVar, payload); err != nil {
		return 0, false
	}
	// QoS1 PUBACKs are reaped off the wire by HandleNext from the pump
	// goroutine (see pumpSession); a short best-effort settle here lets
	// the ack usually land before RunOnce's next poll, matching the
	// teacher's subscribe-ack wait pattern in mqtt.go.
	for i := 0; i < 5 && qos != mqtt.QoS0; i++ {
		time.Sleep(20 * time.Millisecond)
		s.client.HandleNext()
	}
	return id, true
}

// onPub handles inbound PUBLISH frames. This is a publish-only
// device (spec §4.4's DATA row): log and ignore.
func (s *mqttSession) onPub(head mqtt.Header, varPub mqtt.VariablesPublish, r interface{ Read([]byte) (int, error) }) error {
	s.logger.Debug("broker:data-ignored", slog.String("topic", string(varPub.TopicName)))
	return nil
}

// pumpSession drives the MQTT client's packet processing and detects
// connection-state transitions, translating them into the
// BrokerSupervisor event callbacks (spec §4.4's event table). Runs for
// the lifetime of the process as one of the six long-running threads
// from spec §5.
func pumpSession(s *mqttSession, sup *engine.BrokerSupervisor, logger *slog.Logger) {
	wasConnected := false
	for {
		s.mu.Lock()
		client := s.client
		connected := s.connected && client != nil && client.IsConnected()
		if client != nil {
			client.HandleNext()
		}
		s.mu.Unlock()

		if connected && !wasConnected {
			sup.HandleEvent(engine.SessionMsg{Event: engine.EventConnected})
		} else if !connected && wasConnected {
			sup.HandleEvent(engine.SessionMsg{Event: engine.EventDisconnected})
		}
		wasConnected = connected

		time.Sleep(50 * time.Millisecond)
	}
}
